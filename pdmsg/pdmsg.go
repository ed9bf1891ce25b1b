// Package pdmsg defines types to encode and decode USB-C Power Delivery
// messages and power data objects.
//
// Voltages, currents and powers use the wire units of the PD standard
// throughout: 50mV, 10mA and 250mW for regular power data objects, 20mV and
// 50mA for programmable (PPS) requests. The PDV, PDA, PPSV and PPSA helpers
// convert from volts and amps.
package pdmsg

const (
	// MaxDataObjects is the maximum number of data objects that can be stored
	// in a message, as set by the standard.
	MaxDataObjects = 7

	// MaxMessageBytes is the maximum number of bytes in a message which
	// includes the header and the data objects.
	MaxMessageBytes = 2 + 4*MaxDataObjects
)

// PDV converts volts to the 50mV units of regular power data objects.
func PDV(v float32) uint16 { return uint16(v*20 + 0.01) }

// PDA converts amps to the 10mA units of regular power data objects.
func PDA(a float32) uint16 { return uint16(a*100 + 0.01) }

// PPSV converts volts to the 20mV units of programmable requests.
func PPSV(v float32) uint16 { return uint16(v*50 + 0.01) }

// PPSA converts amps to the 50mA units of programmable requests.
func PPSA(a float32) uint8 { return uint8(a*20 + 0.01) }

// Header is the 16 bit PD message header.
type Header uint16

// Type returns the message type. As data and control messages share type
// values, the user must check IsData and IsExtended in addition to Type to
// determine the correct kind of the message.
func (h Header) Type() Type {
	return Type(h & 0b11111)
}

// SetType sets the message type.
func (h *Header) SetType(t Type) {
	*h = (*h & ^Header(0b11111)) | Header(t)
}

// ID returns the message ID.
func (h Header) ID() uint8 {
	return uint8((h >> 9) & 0b111)
}

// SetID sets the message ID.
func (h *Header) SetID(id uint8) {
	*h = (*h & ^(Header(0b111) << 9)) | (Header(id) << 9)
}

// DataObjectCount returns the number of data objects in the message.
func (h Header) DataObjectCount() uint8 {
	return uint8((h >> 12) & 0b111)
}

// SetDataObjectCount sets the number of data objects in the message.
func (h *Header) SetDataObjectCount(n uint8) {
	*h = (*h & ^(Header(0b111) << 12)) | (Header(n) << 12)
}

// IsData returns true if the message is a data message, otherwise it's a
// control or extended message.
func (h Header) IsData() bool {
	return h.DataObjectCount() > 0 && !h.IsExtended()
}

// IsExtended returns true if the message has its extended flag set.
func (h Header) IsExtended() bool {
	return h&(1<<15) != 0
}

// SetExtended sets the extended flag in the message.
func (h *Header) SetExtended(e bool) {
	var b Header
	if e {
		b = 1 << 15
	}
	*h = (*h & ^(Header(1) << 15)) | b
}

// Revision returns the power delivery revision number of the message.
func (h Header) Revision() Revision {
	return Revision((h >> 6) & 0b11)
}

// SetRevision sets the power delivery revision number of the message.
func (h *Header) SetRevision(r Revision) {
	*h = (*h & ^(Header(0b11) << 6)) | (Header(r) << 6)
}

// PowerRole returns the power role of the sender of the message.
func (h Header) PowerRole() PowerRole {
	return PowerRole((h >> 8) & 1)
}

// SetPowerRole sets the power role of the sender of the message.
func (h *Header) SetPowerRole(r PowerRole) {
	*h = (*h & ^(Header(1) << 8)) | (Header(r) << 8)
}

// DataRole returns the data role of the sender of the message.
func (h Header) DataRole() DataRole {
	return DataRole((h >> 5) & 1)
}

// SetDataRole sets the data role of the sender of the message.
func (h *Header) SetDataRole(r DataRole) {
	*h = (*h & ^(Header(1) << 5)) | (Header(r) << 5)
}

// Type represents the PD message type. Control, data and extended messages
// each have their own type space; the same value means different messages in
// each.
type Type uint8

// Control message types.
const (
	TypeGoodCRC          Type = 0x01
	TypeGotoMin          Type = 0x02
	TypeAccept           Type = 0x03
	TypeReject           Type = 0x04
	TypePing             Type = 0x05
	TypePSReady          Type = 0x06
	TypeGetSourceCap     Type = 0x07
	TypeGetSinkCap       Type = 0x08
	TypeDRSwap           Type = 0x09
	TypePRSwap           Type = 0x0A
	TypeVCONNSwap        Type = 0x0B
	TypeWait             Type = 0x0C
	TypeSoftReset        Type = 0x0D
	TypeDataReset        Type = 0x0E
	TypeDataResetDone    Type = 0x0F
	TypeNotSupported     Type = 0x10
	TypeGetSourceCapExt  Type = 0x11
	TypeGetStatus        Type = 0x12
	TypeFRSwap           Type = 0x13
	TypeGetPPSStatus     Type = 0x14
	TypeGetCountryCodes  Type = 0x15
	TypeGetSinkCapExtCtl Type = 0x16
	TypeGetSourceInfo    Type = 0x17
)

// Data message types.
const (
	TypeSourceCap      Type = 0x01
	TypeRequest        Type = 0x02
	TypeBIST           Type = 0x03
	TypeSinkCap        Type = 0x04
	TypeBatteryStatus  Type = 0x05
	TypeAlert          Type = 0x06
	TypeGetCountryInfo Type = 0x07
	TypeEnterUSB       Type = 0x08
	TypeVendorDefined  Type = 0x0F
)

// Extended message types.
const (
	TypeSourceCapExt     Type = 0x01
	TypeStatus           Type = 0x02
	TypeGetBatteryCap    Type = 0x03
	TypeGetBatteryStatus Type = 0x04
	TypeBatteryCap       Type = 0x05
	TypeGetMfrInfo       Type = 0x06
	TypeMfrInfo          Type = 0x07
	TypeSecurityRequest  Type = 0x08
	TypeSecurityResponse Type = 0x09
	TypeFWUpdateRequest  Type = 0x0A
	TypeFWUpdateResponse Type = 0x0B
	TypePPSStatus        Type = 0x0C
	TypeCountryInfo      Type = 0x0D
	TypeCountryCodes     Type = 0x0E
	TypeSinkCapExt       Type = 0x0F
)

// Revision represents the power delivery revision number of a message.
type Revision uint8

// Power delivery revision numbers.
const (
	Revision10 Revision = 0b00
	Revision20 Revision = 0b01
	Revision30 Revision = 0b10
)

// PowerRole represents the power role of the sender of a message.
type PowerRole uint8

// Power roles of the sender of a message.
const (
	PowerRoleSink   PowerRole = 0
	PowerRoleSource PowerRole = 1
)

// DataRole represents the data role of the sender of a message.
type DataRole uint8

// Data roles of the sender of a message.
const (
	DataRoleUFP DataRole = 0
	DataRoleDFP DataRole = 1
)

// ExtendedHeader is the 16 bit chunked extended message header carried in
// the low half of the first data object of an extended message.
type ExtendedHeader uint16

// DataSize returns the total size in bytes of the extended message data
// block.
func (h ExtendedHeader) DataSize() uint16 {
	return uint16(h & 0x1FF)
}

// SetDataSize sets the total size in bytes of the extended message data
// block.
func (h *ExtendedHeader) SetDataSize(n uint16) {
	*h = (*h & ^ExtendedHeader(0x1FF)) | ExtendedHeader(n&0x1FF)
}

// ChunkNumber returns the chunk number of this message.
func (h ExtendedHeader) ChunkNumber() uint8 {
	return uint8((h >> 11) & 0b1111)
}

// SetChunkNumber sets the chunk number of this message.
func (h *ExtendedHeader) SetChunkNumber(n uint8) {
	*h = (*h & ^(ExtendedHeader(0b1111) << 11)) | (ExtendedHeader(n&0b1111) << 11)
}

// IsRequestChunk returns true if this message requests a chunk rather than
// carrying one.
func (h ExtendedHeader) IsRequestChunk() bool {
	return h&(1<<10) != 0
}

// IsChunked returns true if the chunked flag is set. This library only
// produces and consumes chunked extended messages; the FUSB302 FIFO cannot
// hold an unchunked one.
func (h ExtendedHeader) IsChunked() bool {
	return h&(1<<15) != 0
}

// SetChunked sets the chunked flag.
func (h *ExtendedHeader) SetChunked(c bool) {
	var b ExtendedHeader
	if c {
		b = 1 << 15
	}
	*h = (*h & ^(ExtendedHeader(1) << 15)) | b
}

// Message represents a power delivery message.
type Message struct {
	Header Header

	// Data varies depending on the type of the message. For TypeSourceCap and
	// TypeSinkCap, the data elements should be converted to PDO. Size of Data
	// is fixed up to maximum allowable message size, to ensure no heap
	// allocations are necessary. To find out how many actual elements are
	// used, use Header.DataObjectCount().
	Data [MaxDataObjects]uint32
}

// ToBytes serializes the message to a byte slice and returns the number of
// bytes written.
func (m Message) ToBytes(b []byte) uint8 {
	b[0] = byte(m.Header & 0xff)
	b[1] = byte((m.Header >> 8) & 0xff)
	c := m.Header.DataObjectCount()
	for i, d := range m.Data[:c] {
		b[2+i*4] = byte(d & 0xff)
		b[3+i*4] = byte((d >> 8) & 0xff)
		b[4+i*4] = byte((d >> 16) & 0xff)
		b[5+i*4] = byte((d >> 24) & 0xff)
	}
	return 2 + c*4
}

// FromBytes deserializes a message from b which must hold at least the two
// header bytes and the data objects the header announces.
func (m *Message) FromBytes(b []byte) {
	m.Header = Header(b[0]) | Header(b[1])<<8
	c := m.Header.DataObjectCount()
	for i := uint8(0); i < c; i++ {
		s := 2 + i*4
		m.Data[i] = uint32(b[s]) | uint32(b[s+1])<<8 | uint32(b[s+2])<<16 | uint32(b[s+3])<<24
	}
}

// PDO is a generic Power Data Object. Based on its type, its fields are
// extracted with PowerInfo.
type PDO uint32

// PDOType represents the type of a power data object, stored in bits 31..30.
type PDOType uint8

// Power data object types.
const (
	PDOTypeFixedSupply    PDOType = 0b00
	PDOTypeBattery        PDOType = 0b01
	PDOTypeVariableSupply PDOType = 0b10
	PDOTypeAugmented      PDOType = 0b11 // programmable power supply (PPS)
)

// Type returns the type of the power data object.
func (o PDO) Type() PDOType {
	return PDOType((o >> 30) & 0b11)
}

// PowerInfo is the decoded form of a PDO on the shared scale of regular
// power data objects: voltages in 50mV units, currents in 10mA units,
// powers in 250mW units. Augmented PDOs are normalised from their 100mV and
// 50mA wire encoding.
type PowerInfo struct {
	Type PDOType
	MinV uint16 // Voltage in 50mV units
	MaxV uint16 // Voltage in 50mV units
	MaxI uint16 // Current in 10mA units
	MaxP uint16 // Power in 250mW units
}

// PowerInfo decodes the PDO.
func (o PDO) PowerInfo() PowerInfo {
	p := PowerInfo{Type: o.Type()}
	switch p.Type {
	case PDOTypeFixedSupply:
		p.MaxV = uint16((o >> 10) & 0x3FF)
		p.MaxI = uint16(o & 0x3FF)
	case PDOTypeBattery:
		p.MinV = uint16((o >> 10) & 0x3FF)
		p.MaxV = uint16((o >> 20) & 0x3FF)
		p.MaxP = uint16(o & 0x3FF)
	case PDOTypeVariableSupply:
		p.MinV = uint16((o >> 10) & 0x3FF)
		p.MaxV = uint16((o >> 20) & 0x3FF)
		p.MaxI = uint16(o & 0x3FF)
	case PDOTypeAugmented:
		p.MinV = uint16((o>>8)&0xFF) * 2  // 100mV to 50mV units
		p.MaxV = uint16((o>>17)&0xFF) * 2 // 100mV to 50mV units
		p.MaxI = uint16(o&0x7F) * 5       // 50mA to 10mA units
	}
	return p
}

// Encode re-packs a PowerInfo into its wire PDO. It is the inverse of
// PowerInfo for values representable on the wire.
func (p PowerInfo) Encode() PDO {
	o := PDO(p.Type) << 30
	switch p.Type {
	case PDOTypeFixedSupply:
		o |= PDO(p.MaxV&0x3FF)<<10 | PDO(p.MaxI&0x3FF)
	case PDOTypeBattery:
		o |= PDO(p.MaxV&0x3FF)<<20 | PDO(p.MinV&0x3FF)<<10 | PDO(p.MaxP&0x3FF)
	case PDOTypeVariableSupply:
		o |= PDO(p.MaxV&0x3FF)<<20 | PDO(p.MinV&0x3FF)<<10 | PDO(p.MaxI&0x3FF)
	case PDOTypeAugmented:
		o |= PDO((p.MaxV/2)&0xFF)<<17 | PDO((p.MinV/2)&0xFF)<<8 | PDO((p.MaxI/5)&0x7F)
	}
	return o
}

// SinkFixedPDO builds the fixed supply PDO a sink advertises in Sink_Cap:
// USB communications capable with the higher capability flag set. Voltage is
// in 50mV units and current in 10mA units.
func SinkFixedPDO(voltage, current uint16) PDO {
	return PDO(current&0x3FF) |
		PDO(voltage&0x3FF)<<10 |
		1<<26 | // USB communications capable
		1<<28 // higher capability
}

// RequestDO represents a Request Data Object.
type RequestDO uint32

// ObjectPosition returns the 1-based position of the requested PDO in the
// source capabilities message.
func (o RequestDO) ObjectPosition() uint8 {
	return uint8((o >> 28) & 0b111)
}

// SetObjectPosition sets the 1-based position of the requested PDO.
func (o *RequestDO) SetObjectPosition(p uint8) {
	*o = (*o & ^(RequestDO(0b111) << 28)) | (RequestDO(p&0b111) << 28)
}

// SetUSBCommCapable sets the USB communications capable flag.
func (o *RequestDO) SetUSBCommCapable() {
	*o |= 1 << 25
}

// FixedOperatingCurrent returns the operating current in 10mA units for
// fixed and variable requests.
func (o RequestDO) FixedOperatingCurrent() uint16 {
	return uint16((o >> 10) & 0x3FF)
}

// FixedMaxOperatingCurrent returns the maximum operating current in 10mA
// units for fixed and variable requests.
func (o RequestDO) FixedMaxOperatingCurrent() uint16 {
	return uint16(o & 0x3FF)
}

// SetFixedCurrent sets operating current and maximum operating current, both
// in 10mA units, for fixed and variable requests.
func (o *RequestDO) SetFixedCurrent(c uint16) {
	*o = (*o & ^(RequestDO(0x3FF)<<10 | RequestDO(0x3FF))) |
		RequestDO(c&0x3FF)<<10 | RequestDO(c&0x3FF)
}

// SetBatteryPower sets operating power and maximum operating power, both in
// 250mW units, for battery requests. The field layout matches
// SetFixedCurrent.
func (o *RequestDO) SetBatteryPower(p uint16) {
	o.SetFixedCurrent(p)
}

// PPSVoltage returns the requested output voltage in 20mV units for
// programmable requests.
func (o RequestDO) PPSVoltage() uint16 {
	return uint16((o >> 9) & 0x7FF)
}

// SetPPSVoltage sets the requested output voltage in 20mV units for
// programmable requests.
func (o *RequestDO) SetPPSVoltage(v uint16) {
	*o = (*o & ^(RequestDO(0x7FF) << 9)) | (RequestDO(v&0x7FF) << 9)
}

// PPSCurrent returns the requested operating current in 50mA units for
// programmable requests. The field is 7 bits wide.
func (o RequestDO) PPSCurrent() uint8 {
	return uint8(o & 0x7F)
}

// SetPPSCurrent sets the requested operating current in 50mA units for
// programmable requests.
func (o *RequestDO) SetPPSCurrent(c uint8) {
	*o = (*o & ^RequestDO(0x7F)) | RequestDO(c&0x7F)
}

// PPSStatus is the decoded 4 byte PPS Status Data Block returned by the
// source in response to Get_PPS_Status.
type PPSStatus struct {
	OutputVoltage uint16 // 20mV units, 0xFFFF if not supported
	OutputCurrent uint8  // 50mA units, 0xFF if not supported
	FlagPTF       uint8  // present temperature flag
	FlagOMF       bool   // current limit mode active
}

// Present temperature flag values.
const (
	PTFNotSupported    = 0
	PTFNormal          = 1
	PTFWarning         = 2
	PTFOverTemperature = 3
)

// DecodePPSStatus decodes the 4 byte PPS Status Data Block.
func DecodePPSStatus(sdb *[4]byte) PPSStatus {
	return PPSStatus{
		OutputVoltage: uint16(sdb[0]) | uint16(sdb[1])<<8,
		OutputCurrent: sdb[2],
		FlagPTF:       (sdb[3] >> 1) & 0b11,
		FlagOMF:       sdb[3]&(1<<3) != 0,
	}
}
