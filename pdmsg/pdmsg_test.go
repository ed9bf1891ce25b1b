package pdmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderFields(t *testing.T) {
	var h Header
	h.SetType(TypeRequest)
	h.SetRevision(Revision30)
	h.SetID(5)
	h.SetDataObjectCount(3)
	h.SetPowerRole(PowerRoleSink)
	h.SetDataRole(DataRoleUFP)

	assert.Equal(t, TypeRequest, h.Type())
	assert.Equal(t, Revision30, h.Revision())
	assert.Equal(t, uint8(5), h.ID())
	assert.Equal(t, uint8(3), h.DataObjectCount())
	assert.Equal(t, PowerRoleSink, h.PowerRole())
	assert.Equal(t, DataRoleUFP, h.DataRole())
	assert.True(t, h.IsData())
	assert.False(t, h.IsExtended())

	h.SetExtended(true)
	assert.True(t, h.IsExtended())
	assert.False(t, h.IsData())
	h.SetExtended(false)

	// Setting one field must not disturb the others.
	h.SetID(0)
	assert.Equal(t, TypeRequest, h.Type())
	assert.Equal(t, uint8(3), h.DataObjectCount())
}

func TestUnitHelpers(t *testing.T) {
	assert.Equal(t, uint16(100), PDV(5.0))
	assert.Equal(t, uint16(400), PDV(20.0))
	assert.Equal(t, uint16(100), PDA(1.0))
	assert.Equal(t, uint16(225), PDA(2.25))
	assert.Equal(t, uint16(165), PPSV(3.3))
	assert.Equal(t, uint16(250), PPSV(5.0))
	assert.Equal(t, uint8(40), PPSA(2.0))
}

func TestPDORoundTrip(t *testing.T) {
	// decode(encode(pdo)) == pdo on the shared 50mV/10mA/250mW scale, for
	// each of the four PDO types.
	for _, tc := range []struct {
		name string
		info PowerInfo
	}{
		{"fixed", PowerInfo{Type: PDOTypeFixedSupply, MaxV: PDV(20.0), MaxI: PDA(2.25)}},
		{"battery", PowerInfo{Type: PDOTypeBattery, MinV: PDV(5.0), MaxV: PDV(20.0), MaxP: 240}},
		{"variable", PowerInfo{Type: PDOTypeVariableSupply, MinV: PDV(5.0), MaxV: PDV(12.0), MaxI: PDA(3.0)}},
		{"augmented", PowerInfo{Type: PDOTypeAugmented, MinV: PDV(3.4), MaxV: PDV(11.0), MaxI: PDA(3.0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.info, tc.info.Encode().PowerInfo())
		})
	}
}

func TestAugmentedNormalisation(t *testing.T) {
	// 3.3-11V 3A APDO in its wire encoding: 100mV and 50mA units.
	o := PDO(PDOTypeAugmented)<<30 | 110<<17 | 33<<8 | 60
	info := o.PowerInfo()
	assert.Equal(t, PDOTypeAugmented, info.Type)
	assert.Equal(t, uint16(66), info.MinV)  // 3.3V in 50mV units
	assert.Equal(t, uint16(220), info.MaxV) // 11V in 50mV units
	assert.Equal(t, uint16(300), info.MaxI) // 3A in 10mA units
}

func TestSinkFixedPDO(t *testing.T) {
	o := SinkFixedPDO(PDV(5.0), PDA(1.0))
	info := o.PowerInfo()
	assert.Equal(t, PDOTypeFixedSupply, info.Type)
	assert.Equal(t, uint16(100), info.MaxV)
	assert.Equal(t, uint16(100), info.MaxI)
	assert.NotZero(t, uint32(o)&(1<<26), "usb comm capable")
	assert.NotZero(t, uint32(o)&(1<<28), "higher capability")
}

func TestRequestDOFixed(t *testing.T) {
	var o RequestDO
	o.SetFixedCurrent(225)
	o.SetObjectPosition(4)
	o.SetUSBCommCapable()
	assert.Equal(t, uint16(225), o.FixedOperatingCurrent())
	assert.Equal(t, uint16(225), o.FixedMaxOperatingCurrent())
	assert.Equal(t, uint8(4), o.ObjectPosition())
	assert.NotZero(t, uint32(o)&(1<<25))
}

func TestRequestDOPPS(t *testing.T) {
	var o RequestDO
	o.SetPPSVoltage(PPSV(3.3))
	o.SetPPSCurrent(PPSA(2.0))
	o.SetObjectPosition(3)
	assert.Equal(t, uint16(165), o.PPSVoltage())
	assert.Equal(t, uint8(40), o.PPSCurrent())
	assert.Equal(t, uint8(3), o.ObjectPosition())

	// The current field is 7 bits wide.
	o = 0
	o.SetPPSCurrent(0x7F)
	assert.Equal(t, uint8(0x7F), o.PPSCurrent())
	assert.Zero(t, o.PPSVoltage(), "current must not bleed into the voltage field")
}

func TestExtendedHeader(t *testing.T) {
	var h ExtendedHeader
	h.SetDataSize(21)
	h.SetChunked(true)
	h.SetChunkNumber(0)
	assert.Equal(t, uint16(21), h.DataSize())
	assert.True(t, h.IsChunked())
	assert.Zero(t, h.ChunkNumber())
	assert.False(t, h.IsRequestChunk())
}

func TestMessageBytesRoundTrip(t *testing.T) {
	var m Message
	m.Header.SetType(TypeSourceCap)
	m.Header.SetDataObjectCount(4)
	m.Header.SetID(2)
	m.Header.SetRevision(Revision30)
	m.Data[0] = 0x0A01912C
	m.Data[1] = 0x0002D12C
	m.Data[2] = 0x0004B12C
	m.Data[3] = 0x0006419E

	var b [MaxMessageBytes]byte
	n := m.ToBytes(b[:])
	require.Equal(t, uint8(2+4*4), n)

	var got Message
	got.FromBytes(b[:n])
	assert.Equal(t, m.Header, got.Header)
	assert.Equal(t, m.Data[:4], got.Data[:4])
}

func TestDecodePPSStatus(t *testing.T) {
	sdb := [4]byte{0xAA, 0x01, 0x28, 0b0100}
	s := DecodePPSStatus(&sdb)
	assert.Equal(t, uint16(0x01AA), s.OutputVoltage)
	assert.Equal(t, uint8(0x28), s.OutputCurrent)
	assert.Equal(t, uint8(PTFWarning), s.FlagPTF)
	assert.False(t, s.FlagOMF)
}
