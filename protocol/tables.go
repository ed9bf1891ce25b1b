package protocol

import "github.com/oxplot/go-pdsink/pdmsg"

// msgState is one row of a dispatch table. handler runs on reception,
// responder synthesises the reply once the PHY has acknowledged the message
// with GoodCRC. Either may be nil.
type msgState struct {
	name      string
	handler   func(e *Engine, header pdmsg.Header, objs *[pdmsg.MaxDataObjects]uint32, events *Event)
	responder func(e *Engine, m *pdmsg.Message) bool
}

// The three dispatch tables, keyed by message type. Indexing beyond a table
// clamps to its tail reserved row. Unimplemented messages respond
// Not_Supported as PD 3.0 requires of a sink; rows that must not generate a
// reply (GoodCRC, Accept, Reject, PS_RDY, ...) carry a nil responder.

var ctrlMsgStates = [25]msgState{
	0x00: {name: "[CONTROL 0]", responder: responderNotSupported},
	0x01: {name: "GoodCRC", handler: handlerGoodCRC},
	0x02: {name: "GotoMin", handler: handlerGotoMin},
	0x03: {name: "Accept", handler: handlerAccept},
	0x04: {name: "Reject", handler: handlerReject},
	0x05: {name: "Ping"},
	0x06: {name: "PS_RDY", handler: handlerPSReady},
	0x07: {name: "Get_Src_Cap", responder: responderNotSupported},
	0x08: {name: "Get_Sink_Cap", responder: responderGetSinkCap},
	0x09: {name: "DR_Swap", responder: responderReject},
	0x0A: {name: "PR_Swap", responder: responderNotSupported},
	0x0B: {name: "VCONN_Swap", responder: responderReject},
	0x0C: {name: "Wait"},
	0x0D: {name: "Soft_Reset", handler: handlerSoftReset, responder: responderSoftReset},
	0x0E: {name: "Data_Reset", responder: responderNotSupported},
	0x0F: {name: "Data_Reset_Complete", responder: responderNotSupported},
	0x10: {name: "Not_Supported"},
	0x11: {name: "Get_Src_Cap_Ext", responder: responderNotSupported},
	0x12: {name: "Get_Status", responder: responderNotSupported},
	0x13: {name: "FR_Swap", responder: responderNotSupported},
	0x14: {name: "Get_PPS_Status", responder: responderNotSupported},
	0x15: {name: "Get_Country_Codes", responder: responderNotSupported},
	0x16: {name: "Get_Sink_Cap_Ext", responder: responderGetSinkCapExt},
	0x17: {name: "Get_Source_Info", responder: responderNotSupported},
	0x18: {name: "[CONTROL ?]", responder: responderNotSupported},
}

var dataMsgStates = [17]msgState{
	0x00: {name: "[DATA 0]", responder: responderNotSupported},
	0x01: {name: "Src_Cap", handler: handlerSourceCap, responder: responderSourceCap},
	0x02: {name: "Request", responder: responderNotSupported},
	0x03: {name: "BIST", handler: handlerBIST},
	0x04: {name: "Sink_Cap", responder: responderNotSupported},
	0x05: {name: "Battery_Status", responder: responderNotSupported},
	0x06: {name: "Alert", handler: handlerAlert},
	0x07: {name: "Get_Country_Info", responder: responderNotSupported},
	0x08: {name: "Enter_USB", responder: responderNotSupported},
	0x09: {name: "[DATA 9]", responder: responderNotSupported},
	0x0A: {name: "[DATA 10]", responder: responderNotSupported},
	0x0B: {name: "[DATA 11]", responder: responderNotSupported},
	0x0C: {name: "[DATA 12]", responder: responderNotSupported},
	0x0D: {name: "[DATA 13]", responder: responderNotSupported},
	0x0E: {name: "[DATA 14]", responder: responderNotSupported},
	0x0F: {name: "VDM", handler: handlerVendorDefined, responder: responderNotSupported},
	0x10: {name: "[DATA ?]", responder: responderNotSupported},
}

var extMsgStates = [17]msgState{
	0x00: {name: "[EXT 0]", responder: responderNotSupported},
	0x01: {name: "Src_Cap_Ext", responder: responderNotSupported},
	0x02: {name: "Status", responder: responderNotSupported},
	0x03: {name: "Get_Battery_Cap", responder: responderNotSupported},
	0x04: {name: "Get_Battery_Status", responder: responderNotSupported},
	0x05: {name: "Battery_Cap", responder: responderNotSupported},
	0x06: {name: "Get_Mfr_Info", responder: responderNotSupported},
	0x07: {name: "Mfr_Info", responder: responderNotSupported},
	0x08: {name: "Security_Request", responder: responderNotSupported},
	0x09: {name: "Security_Response", responder: responderNotSupported},
	0x0A: {name: "FW_Update_Request", responder: responderNotSupported},
	0x0B: {name: "FW_Update_Response", responder: responderNotSupported},
	0x0C: {name: "PPS_Status", handler: handlerPPSStatus},
	0x0D: {name: "Country_Info", responder: responderNotSupported},
	0x0E: {name: "Country_Codes", responder: responderNotSupported},
	0x0F: {name: "Get_Sink_Cap_Ext", responder: responderGetSinkCapExt},
	0x10: {name: "[EXT ?]", responder: responderNotSupported},
}

// lookup picks the dispatch row for a received header, clamping out-of-range
// types to the tail reserved row of the relevant table.
func lookup(h pdmsg.Header) *msgState {
	t := int(h.Type())
	switch {
	case h.IsExtended():
		if t >= len(extMsgStates) {
			t = len(extMsgStates) - 1
		}
		return &extMsgStates[t]
	case h.DataObjectCount() > 0:
		if t >= len(dataMsgStates) {
			t = len(dataMsgStates) - 1
		}
		return &dataMsgStates[t]
	default:
		if t >= len(ctrlMsgStates) {
			t = len(ctrlMsgStates) - 1
		}
		return &ctrlMsgStates[t]
	}
}

// optionSetting is one row of the power option policy table. limit is the
// maximum reduced power product accepted by the option; the voltage and
// current flags pick which factors enter the product.
type optionSetting struct {
	limit      uint16
	useVoltage bool
	useCurrent bool
}

var optionSettings = [8]optionSetting{
	OptionMax5V:      {limit: 25, useVoltage: true},
	OptionMax9V:      {limit: 45, useVoltage: true},
	OptionMax12V:     {limit: 60, useVoltage: true},
	OptionMax15V:     {limit: 75, useVoltage: true},
	OptionMax20V:     {limit: 100, useVoltage: true},
	OptionMaxVoltage: {limit: 100, useVoltage: true},
	OptionMaxCurrent: {limit: 125, useCurrent: true},
	OptionMaxPower:   {limit: 12500, useVoltage: true, useCurrent: true},
}
