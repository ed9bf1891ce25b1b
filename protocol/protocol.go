// Package protocol implements the USB power delivery protocol engine of a
// sink: message dispatch, MessageID tracking, power data object selection
// and request synthesis.
//
// The engine is passive. The policy engine feeds it received messages
// through HandleMessage, asks it for replies through Respond once the PHY
// has acknowledged a message, and for outbound requests through
// CreateRequest and CreateGetSourceCap. Protocol failures are expressed as
// events, never as errors.
package protocol

import (
	"github.com/oxplot/go-pdsink/pdmsg"
)

// Event is a set of protocol events produced while handling a message.
type Event uint8

// Has returns true if the event v is set.
func (e Event) Has(v Event) bool {
	return e&v != 0
}

// Add adds the events v to the set.
func (e *Event) Add(v Event) {
	*e |= v
}

// Protocol events.
const (
	EventSourceCap Event = 1 << iota // Source capabilities stored and evaluated
	EventPSReady                     // Source signalled the supply is ready
	EventAccept                      // Source accepted our request
	EventReject                      // Source rejected our request
	EventPPSStatus                   // A PPS status data block was received
)

// PowerOption selects which advertised power data object the engine
// requests.
type PowerOption uint8

// Power options. Each selects the highest-indexed non-augmented PDO that
// fits the option's limit; current does not enter the voltage options and
// voltage does not enter OptionMaxCurrent.
const (
	OptionMax5V      PowerOption = iota // last PDO at up to 5V
	OptionMax9V                         // last PDO at up to 9V
	OptionMax12V                        // last PDO at up to 12V
	OptionMax15V                        // last PDO at up to 15V
	OptionMax20V                        // last PDO at up to 20V
	OptionMaxVoltage                    // last PDO at up to 20V
	OptionMaxCurrent                    // last PDO at up to 5A
	OptionMaxPower                      // last PDO at up to 100W
)

// MsgInfo describes a message header for logging and inspection.
type MsgInfo struct {
	Name     string
	ID       uint8
	SpecRev  uint8
	NumObj   uint8
	Extended bool
}

// GetMsgInfo decodes header into a MsgInfo using the dispatch table names.
func GetMsgInfo(header pdmsg.Header) MsgInfo {
	return MsgInfo{
		Name:     lookup(header).name,
		ID:       header.ID(),
		SpecRev:  uint8(header.Revision()),
		NumObj:   header.DataObjectCount(),
		Extended: header.IsExtended(),
	}
}

// Engine is the protocol engine state. The zero value is not usable; create
// one with New.
type Engine struct {
	msgState *msgState
	txHeader pdmsg.Header
	rxHeader pdmsg.Header

	// MessageIDCounter, initialized to zero at power-on and reset,
	// incremented when our transmission is acknowledged with GoodCRC.
	messageID uint8

	ppsVoltage uint16  // requested PPS voltage in 20mV units, 0 disables PPS
	ppsCurrent uint8   // requested PPS current in 50mA units
	ppssdb     [4]byte // last received PPS status data block

	option   PowerOption
	pdos     [pdmsg.MaxDataObjects]uint32
	pdoCount uint8
	selected uint8
}

// New creates a protocol engine in its power-on state.
func New() *Engine {
	e := &Engine{}
	e.msgState = &ctrlMsgStates[0]
	return e
}

// Reset zeroes the MessageID counter and rebinds the message state to
// control row 0. The policy engine calls it on attach, on detach and after
// transmitting a hard reset; a received Soft_Reset zeroes the counter through
// its own handler instead. The PDO store and the configured power option
// survive.
func (e *Engine) Reset() {
	e.msgState = &ctrlMsgStates[0]
	e.messageID = 0
}

// GoodCRC advances the MessageID counter. The GoodCRC message handler calls
// it when a decoded GoodCRC arrives.
func (e *Engine) GoodCRC() {
	e.messageID = (e.messageID + 1) & 0x7
}

// generateHeader builds a transmit header. Data and power role bits are
// cleared explicitly: the sink always transmits as UFP/sink and a stale bit
// here would mis-identify us as a source.
func (e *Engine) generateHeader(t pdmsg.Type, objCount uint8, extended bool) pdmsg.Header {
	var h pdmsg.Header
	h.SetType(t)
	h.SetRevision(pdmsg.Revision30)
	h.SetID(e.messageID)
	h.SetDataObjectCount(objCount)
	h.SetExtended(extended)
	h.SetPowerRole(pdmsg.PowerRoleSink)
	h.SetDataRole(pdmsg.DataRoleUFP)
	e.txHeader = h
	return h
}

// HandleMessage dispatches a received message to its handler and accumulates
// any events produced into events.
func (e *Engine) HandleMessage(header pdmsg.Header, objs *[pdmsg.MaxDataObjects]uint32, events *Event) {
	e.msgState = lookup(header)
	e.rxHeader = header
	if e.msgState.handler != nil {
		e.msgState.handler(e, header, objs, events)
	}
}

// Respond synthesises the reply to the last handled message, if its dispatch
// row has a responder. It returns false when no reply is due.
func (e *Engine) Respond(m *pdmsg.Message) bool {
	if e.msgState == nil || e.msgState.responder == nil {
		return false
	}
	return e.msgState.responder(e, m)
}

// CreateGetSourceCap builds a Get_Source_Cap message.
func (e *Engine) CreateGetSourceCap(m *pdmsg.Message) {
	m.Header = e.generateHeader(pdmsg.TypeGetSourceCap, 0, false)
}

// CreateGetPPSStatus builds a Get_PPS_Status message.
func (e *Engine) CreateGetPPSStatus(m *pdmsg.Message) {
	m.Header = e.generateHeader(pdmsg.TypeGetPPSStatus, 0, false)
}

// CreateRequest builds a Request for the currently selected power data
// object. It returns false when no source capabilities are stored.
func (e *Engine) CreateRequest(m *pdmsg.Message) bool {
	if e.pdoCount == 0 {
		return false
	}
	return responderSourceCap(e, m)
}

// PowerInfo decodes the stored PDO at index.
func (e *Engine) PowerInfo(index uint8) (pdmsg.PowerInfo, bool) {
	if index >= e.pdoCount {
		return pdmsg.PowerInfo{}, false
	}
	return pdmsg.PDO(e.pdos[index]).PowerInfo(), true
}

// SelectedPower returns the index of the currently selected PDO.
func (e *Engine) SelectedPower() uint8 {
	return e.selected
}

// PDOCount returns the number of stored source capabilities.
func (e *Engine) PDOCount() uint8 {
	return e.pdoCount
}

// PPSVoltage returns the requested PPS voltage in 20mV units.
func (e *Engine) PPSVoltage() uint16 {
	return e.ppsVoltage
}

// PPSCurrent returns the requested PPS current in 50mA units.
func (e *Engine) PPSCurrent() uint8 {
	return e.ppsCurrent
}

// PPSStatus decodes the last received PPS status data block.
func (e *Engine) PPSStatus() pdmsg.PPSStatus {
	return pdmsg.DecodePPSStatus(&e.ppssdb)
}

// TxHeader returns the header of the last generated message.
func (e *Engine) TxHeader() pdmsg.Header {
	return e.txHeader
}

// RxHeader returns the header of the last handled message.
func (e *Engine) RxHeader() pdmsg.Header {
	return e.rxHeader
}

// SetPowerOption changes the power option and re-evaluates the stored
// capabilities. It returns true when a request should be re-sent.
func (e *Engine) SetPowerOption(option PowerOption) bool {
	e.option = option
	if e.pdoCount > 0 {
		e.evaluate()
		return true
	}
	return false
}

// SelectPower selects a stored PDO by index, bypassing the option policy. It
// returns true when a request should be re-sent.
func (e *Engine) SelectPower(index uint8) bool {
	if index < e.pdoCount {
		e.selected = index
		return true
	}
	return false
}

// SetPPS sets the programmable supply target: voltage in 20mV units, current
// in 50mA units. A zero voltage disables PPS and reverts to the power
// option policy.
//
// With strict set, the call fails without changing anything unless a stored
// augmented PDO covers the target. Without strict, the target is stored
// regardless and selection falls back to the power option policy when no
// augmented PDO qualifies.
//
// It returns true when a request should be re-sent.
func (e *Engine) SetPPS(voltage uint16, current uint8, strict bool) bool {
	if strict && voltage != 0 {
		qualified := false
		for n := uint8(0); n < e.pdoCount; n++ {
			if e.ppsQualifies(n, voltage, current) {
				qualified = true
				break
			}
		}
		if !qualified {
			return false
		}
	}
	e.ppsVoltage = voltage
	e.ppsCurrent = current
	if e.pdoCount > 0 {
		e.evaluate()
		return true
	}
	return false
}

// ppsQualifies reports whether the augmented PDO at index covers the given
// PPS target. voltage is in 20mV units, current in 50mA units; the stored
// PDO is normalised to 50mV and 10mA units.
func (e *Engine) ppsQualifies(index uint8, voltage uint16, current uint8) bool {
	info := pdmsg.PDO(e.pdos[index]).PowerInfo()
	if info.Type != pdmsg.PDOTypeAugmented {
		return false
	}
	v := uint16(uint32(voltage) * 2 / 5) // 20mV to 50mV units
	i := uint16(current) * 5             // 50mA to 10mA units
	return v >= info.MinV && v <= info.MaxV && i <= info.MaxI
}

// evaluate re-selects a stored PDO under the current power option and PPS
// target. A qualifying augmented PDO wins immediately; otherwise the highest
// index whose reduced power product fits the option limit is taken. With no
// qualifying PDO the selection falls to index 0, which the standard
// mandates to be the vSafe5V fixed supply.
func (e *Engine) evaluate() {
	setting := optionSettings[e.option&0x7]
	selected := uint8(0)
	for n := uint8(0); n < e.pdoCount; n++ {
		info := pdmsg.PDO(e.pdos[n]).PowerInfo()
		if info.Type == pdmsg.PDOTypeAugmented {
			if e.ppsVoltage != 0 && e.ppsQualifies(n, e.ppsVoltage, e.ppsCurrent) {
				e.selected = n
				return
			}
			continue
		}
		// Reduce the 10-bit fields to 8 bits so the product fits an 8x8
		// multiply on small MCUs.
		v, i := uint8(1), uint8(1)
		if setting.useVoltage {
			v = uint8(info.MaxV >> 2)
		}
		if setting.useCurrent {
			i = uint8(info.MaxI >> 2)
		}
		if uint16(v)*uint16(i) <= setting.limit {
			selected = n
		}
	}
	e.selected = selected
}

// Message handlers.

func handlerGoodCRC(e *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, _ *Event) {
	e.GoodCRC()
}

func handlerGotoMin(_ *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, _ *Event) {
	// Not implemented.
}

func handlerAccept(_ *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, events *Event) {
	events.Add(EventAccept)
}

func handlerReject(_ *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, events *Event) {
	// A source that rejects a PPS refresh has dropped us from the contract;
	// the policy engine decides what to fall back to.
	events.Add(EventReject)
}

func handlerPSReady(_ *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, events *Event) {
	events.Add(EventPSReady)
}

func handlerSoftReset(e *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, _ *Event) {
	// Soft reset re-zeroes the MessageID counters; the Accept we respond
	// with already carries ID 0.
	e.messageID = 0
}

func handlerSourceCap(e *Engine, header pdmsg.Header, objs *[pdmsg.MaxDataObjects]uint32, events *Event) {
	n := header.DataObjectCount()
	e.pdoCount = n
	for i := uint8(0); i < n; i++ {
		e.pdos[i] = objs[i]
	}
	e.evaluate()
	events.Add(EventSourceCap)
}

func handlerBIST(_ *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, _ *Event) {
	// Not implemented.
}

func handlerAlert(_ *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, _ *Event) {
	// Not implemented.
}

func handlerVendorDefined(_ *Engine, _ pdmsg.Header, _ *[pdmsg.MaxDataObjects]uint32, _ *Event) {
	// VDM parsing not implemented; the responder replies Not_Supported.
}

func handlerPPSStatus(e *Engine, _ pdmsg.Header, objs *[pdmsg.MaxDataObjects]uint32, events *Event) {
	// The status data block sits right after the 2 byte extended header in
	// the flattened payload, ie. bytes 2..5.
	e.ppssdb[0] = byte(objs[0] >> 16)
	e.ppssdb[1] = byte(objs[0] >> 24)
	e.ppssdb[2] = byte(objs[1])
	e.ppssdb[3] = byte(objs[1] >> 8)
	events.Add(EventPPSStatus)
}

// Responders.

func responderNotSupported(e *Engine, m *pdmsg.Message) bool {
	m.Header = e.generateHeader(pdmsg.TypeNotSupported, 0, false)
	return true
}

func responderReject(e *Engine, m *pdmsg.Message) bool {
	m.Header = e.generateHeader(pdmsg.TypeReject, 0, false)
	return true
}

func responderSoftReset(e *Engine, m *pdmsg.Message) bool {
	m.Header = e.generateHeader(pdmsg.TypeAccept, 0, false)
	return true
}

func responderGetSinkCap(e *Engine, m *pdmsg.Message) bool {
	m.Data[0] = uint32(pdmsg.SinkFixedPDO(pdmsg.PDV(5.0), pdmsg.PDA(1.0)))
	m.Header = e.generateHeader(pdmsg.TypeSinkCap, 1, false)
	return true
}

// responderSourceCap is the Request synthesis: it answers a received
// Source_Capabilities and rebuilds the Request whenever the policy engine
// re-sends (power option change, PPS refresh).
func responderSourceCap(e *Engine, m *pdmsg.Message) bool {
	info, ok := e.PowerInfo(e.selected)
	if !ok {
		return false
	}
	var rdo pdmsg.RequestDO
	switch info.Type {
	case pdmsg.PDOTypeAugmented:
		// Programmable request. The unchunked extended message support bit
		// stays clear for PD 2.0 PHY compatibility.
		rdo.SetPPSVoltage(e.ppsVoltage)
		rdo.SetPPSCurrent(e.ppsCurrent)
	case pdmsg.PDOTypeBattery:
		rdo.SetBatteryPower(info.MaxP)
	default:
		rdo.SetFixedCurrent(info.MaxI)
	}
	rdo.SetUSBCommCapable()
	rdo.SetObjectPosition(e.selected + 1)
	m.Data[0] = uint32(rdo)
	m.Header = e.generateHeader(pdmsg.TypeRequest, 1, false)
	return true
}

// skedbLen is the size of the Sink Capabilities Extended Data Block.
const skedbLen = 21

// responderGetSinkCapExt builds the chunked Sink_Capabilities_Extended
// reply: a 21 byte SKEDB advertising 5W minimum, 5W operational and 100W
// maximum PDP, PPS support and VBUS powered operation.
func responderGetSinkCapExt(e *Engine, m *pdmsg.Message) bool {
	var skedb [skedbLen]byte
	// VID, PID, XID, FW and HW revisions left zero.
	skedb[10] = 1    // SKEDB version
	skedb[17] = 0x03 // sink modes: PPS supported, VBUS powered
	skedb[18] = 5    // minimum PDP, watts
	skedb[19] = 5    // operational PDP, watts
	skedb[20] = 100  // maximum PDP, watts
	packExtended(e, pdmsg.TypeSinkCapExt, skedb[:], m)
	return true
}

// packExtended frames payload as a single chunk of a chunked extended
// message: the extended header goes in the low half of the first data
// object, the payload fills the rest.
func packExtended(e *Engine, t pdmsg.Type, payload []byte, m *pdmsg.Message) {
	var eh pdmsg.ExtendedHeader
	eh.SetDataSize(uint16(len(payload)))
	eh.SetChunked(true) // chunk number 0, not a request

	var b [2 + 4*pdmsg.MaxDataObjects]byte
	b[0] = byte(eh)
	b[1] = byte(eh >> 8)
	n := copy(b[2:], payload) + 2
	objCount := uint8((n + 3) / 4)
	for i := uint8(0); i < objCount; i++ {
		s := i * 4
		m.Data[i] = uint32(b[s]) | uint32(b[s+1])<<8 | uint32(b[s+2])<<16 | uint32(b[s+3])<<24
	}
	m.Header = e.generateHeader(t, objCount, true)
}
