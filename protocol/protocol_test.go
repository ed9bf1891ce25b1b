package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxplot/go-pdsink/pdmsg"
)

func ctrlHeader(t pdmsg.Type, id uint8) pdmsg.Header {
	var h pdmsg.Header
	h.SetType(t)
	h.SetID(id)
	h.SetRevision(pdmsg.Revision30)
	h.SetPowerRole(pdmsg.PowerRoleSource)
	h.SetDataRole(pdmsg.DataRoleDFP)
	return h
}

func dataHeader(t pdmsg.Type, count, id uint8) pdmsg.Header {
	h := ctrlHeader(t, id)
	h.SetDataObjectCount(count)
	return h
}

func sourceCapObjs(pdos ...pdmsg.PowerInfo) (h pdmsg.Header, objs [pdmsg.MaxDataObjects]uint32) {
	for i, p := range pdos {
		objs[i] = uint32(p.Encode())
	}
	h = dataHeader(pdmsg.TypeSourceCap, uint8(len(pdos)), 0)
	return
}

// The standard four profile source of the tests: 5V/3A, 9V/3A, 15V/3A,
// 20V/2.25A.
func typicalSource() (pdmsg.Header, [pdmsg.MaxDataObjects]uint32) {
	return sourceCapObjs(
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(5.0), MaxI: pdmsg.PDA(3.0)},
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(9.0), MaxI: pdmsg.PDA(3.0)},
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(15.0), MaxI: pdmsg.PDA(3.0)},
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(20.0), MaxI: pdmsg.PDA(2.25)},
	)
}

func TestMessageIDFollowsGoodCRC(t *testing.T) {
	// message_id equals the number of received GoodCRCs modulo 8.
	e := New()
	var objs [pdmsg.MaxDataObjects]uint32
	for n := 1; n <= 20; n++ {
		var ev Event
		e.HandleMessage(ctrlHeader(pdmsg.TypeGoodCRC, uint8(n)&7), &objs, &ev)
		assert.Zero(t, ev)
		var m pdmsg.Message
		e.CreateGetSourceCap(&m)
		assert.Equal(t, uint8(n%8), m.Header.ID())
	}
	e.Reset()
	var m pdmsg.Message
	e.CreateGetSourceCap(&m)
	assert.Zero(t, m.Header.ID())
}

func TestNoRequestWithoutCapabilities(t *testing.T) {
	e := New()
	var m pdmsg.Message
	assert.False(t, e.CreateRequest(&m))
}

func TestSourceCapSelection(t *testing.T) {
	for _, tc := range []struct {
		option   PowerOption
		selected uint8
	}{
		{OptionMax5V, 0},
		{OptionMax9V, 1},
		{OptionMax12V, 1},
		{OptionMax15V, 2},
		{OptionMax20V, 3},
		{OptionMaxVoltage, 3},
		{OptionMaxCurrent, 3},
		{OptionMaxPower, 3},
	} {
		e := New()
		e.SetPowerOption(tc.option)
		h, objs := typicalSource()
		var ev Event
		e.HandleMessage(h, &objs, &ev)
		assert.True(t, ev.Has(EventSourceCap))
		assert.Equal(t, tc.selected, e.SelectedPower(), "option %d", tc.option)
		assert.Less(t, e.SelectedPower(), e.PDOCount())
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	e := New()
	e.SetPowerOption(OptionMax20V)
	h, objs := typicalSource()
	var ev Event
	e.HandleMessage(h, &objs, &ev)
	first := e.SelectedPower()
	e.SetPowerOption(OptionMax20V) // re-evaluates with unchanged state
	assert.Equal(t, first, e.SelectedPower())
}

func TestRequestSynthesisFixed(t *testing.T) {
	e := New()
	e.SetPowerOption(OptionMax20V)
	h, objs := typicalSource()
	var ev Event
	e.HandleMessage(h, &objs, &ev)

	var m pdmsg.Message
	require.True(t, e.CreateRequest(&m))
	assert.Equal(t, pdmsg.TypeRequest, m.Header.Type())
	assert.Equal(t, uint8(1), m.Header.DataObjectCount())
	assert.Equal(t, pdmsg.PowerRoleSink, m.Header.PowerRole())
	assert.Equal(t, pdmsg.DataRoleUFP, m.Header.DataRole())

	rdo := pdmsg.RequestDO(m.Data[0])
	assert.Equal(t, uint8(4), rdo.ObjectPosition())
	assert.Equal(t, uint16(225), rdo.FixedOperatingCurrent())
	assert.Equal(t, uint16(225), rdo.FixedMaxOperatingCurrent())
}

func TestRequestSynthesisPPS(t *testing.T) {
	e := New()
	e.SetPowerOption(OptionMax20V)
	e.SetPPS(pdmsg.PPSV(3.3), pdmsg.PPSA(2.0), false)
	h, objs := sourceCapObjs(
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(5.0), MaxI: pdmsg.PDA(3.0)},
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(9.0), MaxI: pdmsg.PDA(3.0)},
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeAugmented, MinV: pdmsg.PDV(3.3), MaxV: pdmsg.PDV(11.0), MaxI: pdmsg.PDA(3.0)},
	)
	var ev Event
	e.HandleMessage(h, &objs, &ev)
	assert.Equal(t, uint8(2), e.SelectedPower())

	var m pdmsg.Message
	require.True(t, e.CreateRequest(&m))
	rdo := pdmsg.RequestDO(m.Data[0])
	assert.Equal(t, uint8(3), rdo.ObjectPosition())
	assert.Equal(t, pdmsg.PPSV(3.3), rdo.PPSVoltage())
	assert.Equal(t, pdmsg.PPSA(2.0), rdo.PPSCurrent())
	assert.Zero(t, m.Data[0]&(1<<23), "unchunked extended support must stay clear")
}

func TestSetPPSStrict(t *testing.T) {
	e := New()
	e.SetPowerOption(OptionMax9V)
	h, objs := sourceCapObjs(
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(5.0), MaxI: pdmsg.PDA(3.0)},
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeAugmented, MinV: pdmsg.PDV(3.4), MaxV: pdmsg.PDV(11.0), MaxI: pdmsg.PDA(3.0)},
	)
	var ev Event
	e.HandleMessage(h, &objs, &ev)

	// Out of range target changes nothing under strict.
	assert.False(t, e.SetPPS(pdmsg.PPSV(20.0), pdmsg.PPSA(1.0), true))
	assert.Equal(t, uint8(0), e.SelectedPower())

	// Covered target selects the APDO.
	assert.True(t, e.SetPPS(pdmsg.PPSV(9.0), pdmsg.PPSA(2.0), true))
	assert.Equal(t, uint8(1), e.SelectedPower())

	// Non-strict out of range target falls back to the power option.
	assert.True(t, e.SetPPS(pdmsg.PPSV(20.0), pdmsg.PPSA(1.0), false))
	assert.Equal(t, uint8(0), e.SelectedPower())
}

func TestFallbackToVSafe5V(t *testing.T) {
	// When every higher PDO exceeds the option's limit, selection falls to
	// index 0 which the standard mandates to be the vSafe5V fixed supply.
	e := New()
	e.SetPowerOption(OptionMax5V)
	h, objs := sourceCapObjs(
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(5.0), MaxI: pdmsg.PDA(3.0)},
		pdmsg.PowerInfo{Type: pdmsg.PDOTypeFixedSupply, MaxV: pdmsg.PDV(20.0), MaxI: pdmsg.PDA(5.0)},
	)
	var ev Event
	e.HandleMessage(h, &objs, &ev)
	assert.Equal(t, uint8(0), e.SelectedPower())
}

func TestSoftResetZeroesMessageID(t *testing.T) {
	e := New()
	var objs [pdmsg.MaxDataObjects]uint32
	var ev Event
	for i := 0; i < 3; i++ {
		e.HandleMessage(ctrlHeader(pdmsg.TypeGoodCRC, uint8(i)), &objs, &ev)
	}

	e.HandleMessage(ctrlHeader(pdmsg.TypeSoftReset, 0), &objs, &ev)
	var m pdmsg.Message
	require.True(t, e.Respond(&m))
	assert.Equal(t, pdmsg.TypeAccept, m.Header.Type())
	assert.Zero(t, m.Header.DataObjectCount())
	assert.Zero(t, m.Header.ID(), "accept after soft reset carries message id 0")
}

func TestResponders(t *testing.T) {
	var objs [pdmsg.MaxDataObjects]uint32
	for _, tc := range []struct {
		name     string
		rx       pdmsg.Header
		respond  bool
		replyTyp pdmsg.Type
		replyLen uint8
	}{
		{"get_sink_cap", ctrlHeader(pdmsg.TypeGetSinkCap, 0), true, pdmsg.TypeSinkCap, 1},
		{"dr_swap", ctrlHeader(pdmsg.TypeDRSwap, 0), true, pdmsg.TypeReject, 0},
		{"vconn_swap", ctrlHeader(pdmsg.TypeVCONNSwap, 0), true, pdmsg.TypeReject, 0},
		{"pr_swap", ctrlHeader(pdmsg.TypePRSwap, 0), true, pdmsg.TypeNotSupported, 0},
		{"get_src_cap", ctrlHeader(pdmsg.TypeGetSourceCap, 0), true, pdmsg.TypeNotSupported, 0},
		{"enter_usb", dataHeader(pdmsg.TypeEnterUSB, 1, 0), true, pdmsg.TypeNotSupported, 0},
		{"vdm", dataHeader(pdmsg.TypeVendorDefined, 2, 0), true, pdmsg.TypeNotSupported, 0},
		{"goodcrc", ctrlHeader(pdmsg.TypeGoodCRC, 0), false, 0, 0},
		{"accept", ctrlHeader(pdmsg.TypeAccept, 0), false, 0, 0},
		{"ps_rdy", ctrlHeader(pdmsg.TypePSReady, 0), false, 0, 0},
		{"wait", ctrlHeader(pdmsg.TypeWait, 0), false, 0, 0},
		{"not_supported", ctrlHeader(pdmsg.TypeNotSupported, 0), false, 0, 0},
		{"ctrl_reserved_tail", ctrlHeader(0x1F, 0), true, pdmsg.TypeNotSupported, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := New()
			var ev Event
			e.HandleMessage(tc.rx, &objs, &ev)
			var m pdmsg.Message
			ok := e.Respond(&m)
			require.Equal(t, tc.respond, ok)
			if ok {
				assert.Equal(t, tc.replyTyp, m.Header.Type())
				assert.Equal(t, tc.replyLen, m.Header.DataObjectCount())
				assert.False(t, m.Header.IsExtended())
			}
		})
	}
}

func TestGetSinkCapReply(t *testing.T) {
	e := New()
	var objs [pdmsg.MaxDataObjects]uint32
	var ev Event
	e.HandleMessage(ctrlHeader(pdmsg.TypeGetSinkCap, 0), &objs, &ev)
	var m pdmsg.Message
	require.True(t, e.Respond(&m))
	info := pdmsg.PDO(m.Data[0]).PowerInfo()
	assert.Equal(t, pdmsg.PDV(5.0), info.MaxV)
	assert.Equal(t, pdmsg.PDA(1.0), info.MaxI)
}

func extHeader(t pdmsg.Type, count uint8) pdmsg.Header {
	h := ctrlHeader(t, 0)
	h.SetDataObjectCount(count)
	h.SetExtended(true)
	return h
}

func TestGetSinkCapExtended(t *testing.T) {
	e := New()
	var objs [pdmsg.MaxDataObjects]uint32
	var reqEH pdmsg.ExtendedHeader
	reqEH.SetChunked(true)
	objs[0] = uint32(reqEH)
	var ev Event
	e.HandleMessage(extHeader(pdmsg.TypeSinkCapExt, 1), &objs, &ev)

	var m pdmsg.Message
	require.True(t, e.Respond(&m))
	assert.True(t, m.Header.IsExtended())
	assert.Equal(t, pdmsg.TypeSinkCapExt, m.Header.Type())
	require.Equal(t, uint8(6), m.Header.DataObjectCount())

	// Flatten the objects back into bytes: extended header first, then the
	// 21 byte SKEDB.
	var b [4 * pdmsg.MaxDataObjects]byte
	for i := uint8(0); i < 6; i++ {
		d := m.Data[i]
		b[i*4], b[i*4+1], b[i*4+2], b[i*4+3] = byte(d), byte(d>>8), byte(d>>16), byte(d>>24)
	}
	eh := pdmsg.ExtendedHeader(uint16(b[0]) | uint16(b[1])<<8)
	assert.Equal(t, uint16(21), eh.DataSize())
	assert.True(t, eh.IsChunked())
	assert.Zero(t, eh.ChunkNumber())
	assert.False(t, eh.IsRequestChunk())

	skedb := b[2 : 2+21]
	assert.Equal(t, byte(0x03), skedb[17], "sink modes: PPS supported, VBUS powered")
	assert.Equal(t, []byte{5, 5, 100}, skedb[18:21], "min/operational/max PDP")
}

func TestExtendedNotSupported(t *testing.T) {
	e := New()
	var objs [pdmsg.MaxDataObjects]uint32
	var ev Event
	e.HandleMessage(extHeader(pdmsg.TypeStatus, 2), &objs, &ev)
	var m pdmsg.Message
	require.True(t, e.Respond(&m))
	assert.Equal(t, pdmsg.TypeNotSupported, m.Header.Type())
	assert.False(t, m.Header.IsExtended())
}

func TestPPSStatusHandler(t *testing.T) {
	e := New()
	var objs [pdmsg.MaxDataObjects]uint32
	var eh pdmsg.ExtendedHeader
	eh.SetDataSize(4)
	eh.SetChunked(true)
	// SDB bytes sit at flattened offsets 2..5.
	objs[0] = uint32(eh) | 0xAA<<16 | 0x01<<24
	objs[1] = 0x28 | uint32(0b0110)<<8
	var ev Event
	e.HandleMessage(extHeader(pdmsg.TypePPSStatus, 2), &objs, &ev)
	assert.True(t, ev.Has(EventPPSStatus))

	s := e.PPSStatus()
	assert.Equal(t, uint16(0x01AA), s.OutputVoltage)
	assert.Equal(t, uint8(0x28), s.OutputCurrent)
	assert.Equal(t, uint8(pdmsg.PTFOverTemperature), s.FlagPTF)
}

func TestHandlerEvents(t *testing.T) {
	e := New()
	var objs [pdmsg.MaxDataObjects]uint32
	for _, tc := range []struct {
		typ pdmsg.Type
		ev  Event
	}{
		{pdmsg.TypeAccept, EventAccept},
		{pdmsg.TypeReject, EventReject},
		{pdmsg.TypePSReady, EventPSReady},
	} {
		var ev Event
		e.HandleMessage(ctrlHeader(tc.typ, 0), &objs, &ev)
		assert.Equal(t, tc.ev, ev)
	}
}

func TestSelectPower(t *testing.T) {
	e := New()
	h, objs := typicalSource()
	var ev Event
	e.HandleMessage(h, &objs, &ev)
	assert.True(t, e.SelectPower(2))
	assert.Equal(t, uint8(2), e.SelectedPower())
	assert.False(t, e.SelectPower(7), "out of range index is refused")
	assert.Equal(t, uint8(2), e.SelectedPower())
}
