// Package fusb302 implements a PD sink PHY driver for the FUSB302 from
// ONSemi.
//
// The FUSB302 supports PD3.0 with limitations and workarounds:
//   - Not enough FIFO for unchunked messages, chunked messages only.
//   - VBUS sense low threshold at 4V; VBUS sense must be disabled while a
//     PPS contract below 4V is active.
package fusb302

import (
	"errors"

	pdsink "github.com/oxplot/go-pdsink"
	"github.com/oxplot/go-pdsink/pdmsg"
)

// DefaultAddr is the 7 bit bus address of the FUSB302B part.
const DefaultAddr = 0x22

// Register map. 15 R/W control registers at 0x01, 7 R/O status registers at
// 0x3C and the FIFO port at 0x43. Bit positions are those of the FUSB302
// datasheet and must be preserved bit-exact.
const (
	regDeviceID   = 0x01
	regSwitches0  = 0x02
	regSwitches1  = 0x03
	regMeasure    = 0x04
	regSlice      = 0x05
	regControl0   = 0x06
	regControl1   = 0x07
	regControl2   = 0x08
	regControl3   = 0x09
	regMask       = 0x0A
	regPower      = 0x0B
	regReset      = 0x0C
	regOCPreg     = 0x0D
	regMaskA      = 0x0E
	regMaskB      = 0x0F
	regStatus0A   = 0x3C
	regStatus1A   = 0x3D
	regInterruptA = 0x3E
	regInterruptB = 0x3F
	regStatus0    = 0x40
	regStatus1    = 0x41
	regInterrupt  = 0x42
	regFIFOs      = 0x43
)

// Switches0 : 02h
const (
	swPUEn2    = 1 << 7
	swPUEn1    = 1 << 6
	swVConnCC2 = 1 << 5
	swVConnCC1 = 1 << 4
	swMeasCC2  = 1 << 3
	swMeasCC1  = 1 << 2
	swPdwn2    = 1 << 1
	swPdwn1    = 1 << 0
)

// Switches1 : 03h
const (
	swPowerRole = 1 << 7
	swSpecRev1  = 1 << 6
	swSpecRev0  = 1 << 5
	swDataRole  = 1 << 4
	swAutoCRC   = 1 << 2
	swTxCC2     = 1 << 1
	swTxCC1     = 1 << 0
)

// Measure : 04h
const (
	measVBus = 1 << 6

	// MDAC reference for the CC comparator, 49 * 42mV ~= 1.6V which sits
	// between vRd-1.5 and vRd-3.0 thresholds.
	measMDACDefault = 49
)

// Control0 : 06h
const (
	ctl0TxFlush    = 1 << 6
	ctl0IntMask    = 1 << 5
	ctl0HostCur3A0 = 0b11 << 2
	ctl0HostCur1A5 = 0b10 << 2
	ctl0HostCurUSB = 0b01 << 2
	ctl0AutoPre    = 1 << 1
	ctl0TxStart    = 1 << 0
)

// Control1 : 07h
const (
	ctl1EnSOP2DB = 1 << 6
	ctl1EnSOP1DB = 1 << 5
	ctl1BISTMode = 1 << 4
	ctl1RxFlush  = 1 << 2
	ctl1EnSOP2   = 1 << 1
	ctl1EnSOP1   = 1 << 0
)

// Control2 : 08h
const (
	ctl2WakeEn  = 1 << 3
	ctl2ModeDFP = 0b11 << 1
	ctl2ModeUFP = 0b10 << 1
	ctl2ModeDRP = 0b01 << 1
	ctl2Toggle  = 1 << 0
)

// Control3 : 09h
const (
	ctl3SendHardReset = 1 << 6
	ctl3BISTTMode     = 1 << 5
	ctl3AutoHardReset = 1 << 4
	ctl3AutoSoftReset = 1 << 3
	ctl3NRetriesMask  = 0b11 << 1
	ctl3AutoRetry     = 1 << 0
)

func ctl3NRetries(n uint8) uint8 { return n << 1 }

// Mask : 0Ah
const (
	maskVBusOK   = 1 << 7
	maskActivity = 1 << 6
	maskCompChng = 1 << 5
	maskCRCChk   = 1 << 4
	maskAlert    = 1 << 3
	maskWake     = 1 << 2
	maskCollsion = 1 << 1
	maskBCLvl    = 1 << 0
)

// Power : 0Bh
const (
	pwrIntOsc   = 1 << 3 // internal oscillator
	pwrMeasure  = 1 << 2 // measure block
	pwrReceiver = 1 << 1 // receiver and current references
	pwrBandgap  = 1 << 0 // bandgap and wake circuitry
)

// Reset : 0Ch
const (
	rstPDReset = 1 << 1
	rstSWReset = 1 << 0
)

// MaskA : 0Eh
const (
	maskAOCPTemp   = 1 << 7
	maskATogDone   = 1 << 6
	maskASoftFail  = 1 << 5
	maskARetryFail = 1 << 4
	maskAHardSent  = 1 << 3
	maskATxSent    = 1 << 2
	maskASoftReset = 1 << 1
	maskAHardReset = 1 << 0
)

// MaskB : 0Fh
const maskBGCRCSent = 1 << 0

// Status0A : 3Ch
const (
	st0ASoftFail  = 1 << 5
	st0ARetryFail = 1 << 4
	st0APower32   = 1 << 2
	st0ASoftReset = 1 << 1
	st0AHardReset = 1 << 0
)

// InterruptA : 3Eh
const (
	intAOCPTemp   = 1 << 7
	intATogDone   = 1 << 6
	intASoftFail  = 1 << 5
	intARetryFail = 1 << 4
	intAHardSent  = 1 << 3
	intATxSent    = 1 << 2
	intASoftReset = 1 << 1
	intAHardReset = 1 << 0
)

// InterruptB : 3Fh
const intBGCRCSent = 1 << 0

// Status0 : 40h
const (
	st0VBusOK    = 1 << 7
	st0Activity  = 1 << 6
	st0Comp      = 1 << 5
	st0CRCChk    = 1 << 4
	st0Alert     = 1 << 3
	st0Wake      = 1 << 2
	st0BCLvlMask = 0b11
)

// Status1 : 41h
const (
	st1RxSOP2  = 1 << 7
	st1RxSOP1  = 1 << 6
	st1RxEmpty = 1 << 5
	st1RxFull  = 1 << 4
	st1TxEmpty = 1 << 3
	st1TxFull  = 1 << 2
)

// Interrupt : 42h
const (
	intVBusOK   = 1 << 7
	intActivity = 1 << 6
	intCompChng = 1 << 5
	intCRCChk   = 1 << 4
	intAlert    = 1 << 3
	intWake     = 1 << 2
	intCollsion = 1 << 1
	intBCLvl    = 1 << 0
)

// TX FIFO tokens.
const (
	fifoTokenTxOn    = 0xA1
	fifoTokenSOP1    = 0x12
	fifoTokenSOP2    = 0x13
	fifoTokenSOP3    = 0x1B
	fifoTokenReset1  = 0x15
	fifoTokenReset2  = 0x16
	fifoTokenPackSym = 0x80
	fifoTokenJamCRC  = 0xFF
	fifoTokenEOP     = 0x14
	fifoTokenTxOff   = 0xFE
)

var (
	// ErrInvalidParam is returned by Init when the driver was constructed
	// with a nil bus or delay, or a zero bus address.
	ErrInvalidParam = errors.New("fusb302: invalid bus, delay or address")

	// ErrDeviceID is returned by Init when the device ID register does not
	// identify a FUSB302.
	ErrDeviceID = errors.New("fusb302: invalid device version")

	// ErrCCBusy is returned when the CC level keeps changing between
	// consecutive reads, usually due to LFPS or BMC activity on the line.
	ErrCCBusy = errors.New("fusb302: cc level unstable")

	// ErrTxOversize is returned by TxSOP when the header announces more data
	// objects than are passed.
	ErrTxOversize = errors.New("fusb302: message too large for tx fifo")
)

// PHY is a sink-only driver for the FUSB302. The register bus and the
// millisecond delay are injected; the driver does not own the hardware.
type PHY struct {
	bus   pdsink.Bus
	addr  uint8
	delay pdsink.Delay

	// Shadows of the R/W control bank (0x01..0x0F) and the R/O status bank
	// (0x3C..0x42). The control shadow avoids read-modify-write transactions
	// on every register update.
	ctl    [15]uint8
	status [7]uint8

	cc1, cc2  uint8
	attached  bool
	vbusSense bool

	// Latched interrupt bytes, accumulated across Alert scans.
	intA, intB uint8

	rxHeader uint16
	rxBuf    [32]byte

	// Scratch for bus bursts, sized for the largest TX frame. Allocated once
	// here to keep the steady state heap-free.
	buf [pdmsg.MaxMessageBytes + 9]byte
}

// New creates a driver for a FUSB302 at the given bus address. Init must be
// called before any other method.
func New(bus pdsink.Bus, addr uint8, delay pdsink.Delay) *PHY {
	return &PHY{bus: bus, addr: addr, delay: delay}
}

// Control shadow accessors; reg must be in the R/W bank.
func (p *PHY) shadow(reg uint8) *uint8 {
	return &p.ctl[reg-regDeviceID]
}

func (p *PHY) read(reg uint8, d []byte) error {
	if err := p.bus.ReadReg(p.addr, reg, d); err != nil {
		return pdsink.ErrBusRead
	}
	return nil
}

func (p *PHY) write(reg uint8, d []byte) error {
	if err := p.bus.WriteReg(p.addr, reg, d); err != nil {
		return pdsink.ErrBusWrite
	}
	return nil
}

func (p *PHY) writeShadow(reg uint8, count uint8) error {
	return p.write(reg, p.ctl[reg-regDeviceID:reg-regDeviceID+count])
}

// Init verifies the device ID, resets the chip and writes the canonical sink
// configuration: both CC pins pulled down, comparator reference at ~1.6V,
// three automatic retries, interrupts unmasked for VBUSOK, activity,
// collision, alert, CRC check, retry/hard-reset/tx-sent events and GoodCRC
// acknowledgments. VBUS sense is enabled.
func (p *PHY) Init() error {
	if p.bus == nil || p.delay == nil || p.addr == 0 {
		return ErrInvalidParam
	}

	if err := p.read(regDeviceID, p.ctl[:1]); err != nil {
		return err
	}
	if p.ctl[0]&0x80 == 0 {
		return ErrDeviceID
	}

	p.attached = false
	p.cc1, p.cc2 = 0, 0
	p.intA, p.intB = 0, 0
	p.rxHeader = 0

	// Restore default register values.

	*p.shadow(regReset) = rstSWReset
	if err := p.writeShadow(regReset, 1); err != nil {
		return err
	}

	// Fetch the whole R/W bank into the shadow.

	if err := p.read(regDeviceID, p.ctl[:]); err != nil {
		return err
	}

	// Pull down both CC pins and set the comparator reference.

	*p.shadow(regSwitches0) = swPdwn1 | swPdwn2
	*p.shadow(regSwitches1) = swSpecRev0
	*p.shadow(regMeasure) = measMDACDefault
	if err := p.writeShadow(regSwitches0, 3); err != nil {
		return err
	}

	// Automatic retries.

	*p.shadow(regControl3) &^= ctl3NRetriesMask
	*p.shadow(regControl3) |= ctl3NRetries(3) | ctl3AutoRetry
	if err := p.writeShadow(regControl3, 1); err != nil {
		return err
	}

	// Interrupt masks.

	*p.shadow(regMask) = 0xFF &^ (maskVBusOK | maskActivity | maskCollsion | maskAlert | maskCRCChk)
	if err := p.writeShadow(regMask, 1); err != nil {
		return err
	}
	*p.shadow(regMaskA) = 0xFF &^ (maskARetryFail | maskAHardSent | maskATxSent | maskAHardReset)
	if err := p.writeShadow(regMaskA, 1); err != nil {
		return err
	}
	*p.shadow(regMaskB) = 0xFF &^ maskBGCRCSent
	if err := p.writeShadow(regMaskB, 1); err != nil {
		return err
	}

	// Enable the interrupt pin.

	*p.shadow(regControl0) &^= ctl0IntMask
	if err := p.writeShadow(regControl0, 1); err != nil {
		return err
	}

	// Power on everything but the internal oscillator; that comes up on
	// attach.

	*p.shadow(regPower) = pwrBandgap | pwrReceiver | pwrMeasure
	if err := p.writeShadow(regPower, 1); err != nil {
		return err
	}

	p.vbusSense = true
	return nil
}

// ID returns the version and revision fields of the device ID register.
// Valid after a successful Init.
func (p *PHY) ID() (version, revision uint8) {
	return (p.ctl[0] >> 4) & 0x7, p.ctl[0] & 0xF
}

// PDReset resets the PHY's internal PD logic.
func (p *PHY) PDReset() error {
	p.buf[0] = rstPDReset
	return p.write(regReset, p.buf[:1])
}

// SetCCPullDown enables or disables the Rd pull down on both CC pins.
func (p *PHY) SetCCPullDown(enable bool) error {
	if enable {
		*p.shadow(regSwitches0) = swPdwn1 | swPdwn2
	} else {
		*p.shadow(regSwitches0) = 0
	}
	return p.writeShadow(regSwitches0, 1)
}

// SetVBusSense enables or disables detach detection through the VBUSOK
// comparator by masking its interrupt. The comparator threshold is 4V, so
// sense must be off while a PPS contract below 4V is active.
func (p *PHY) SetVBusSense(enable bool) error {
	if p.vbusSense == enable {
		return nil
	}
	if enable {
		*p.shadow(regMask) &^= maskVBusOK
	} else {
		*p.shadow(regMask) |= maskVBusOK
	}
	if err := p.writeShadow(regMask, 1); err != nil {
		return err
	}
	p.vbusSense = enable
	return nil
}

// CC returns the Rd levels measured on attach:
//
//	0: < 200mV          : vRa
//	1: > 200mV, < 660mV : vRd-USB
//	2: > 660mV, < 1.23V : vRd-1.5
//	3: > 1.23V          : vRd-3.0
func (p *PHY) CC() (cc1, cc2 uint8) {
	return p.cc1, p.cc2
}

// VBusLevel reads the VBUSOK comparator.
func (p *PHY) VBusLevel() (bool, error) {
	if err := p.read(regStatus0, p.buf[:1]); err != nil {
		return false, err
	}
	return p.buf[0]&st0VBusOK != 0, nil
}

// Message copies out the last packet latched by Alert and returns its
// header.
func (p *PHY) Message(objs *[pdmsg.MaxDataObjects]uint32) (header uint16) {
	n := (p.rxHeader >> 12) & 0x7
	for i := uint16(0); i < n; i++ {
		s := i * 4
		objs[i] = uint32(p.rxBuf[s]) | uint32(p.rxBuf[s+1])<<8 |
			uint32(p.rxBuf[s+2])<<16 | uint32(p.rxBuf[s+3])<<24
	}
	return p.rxHeader
}

// TxSOP packs a SOP ordered set, the header, the data objects and the
// trailing CRC/EOP tokens into a single FIFO burst and starts the
// transmitter.
func (p *PHY) TxSOP(header uint16, objs []uint32) error {
	objCount := uint8((header >> 12) & 0x7)
	if int(objCount) > len(objs) {
		return ErrTxOversize
	}
	b := p.buf[:0]
	b = append(b, fifoTokenSOP1, fifoTokenSOP1, fifoTokenSOP1, fifoTokenSOP2)
	b = append(b, fifoTokenPackSym|(objCount<<2+2))
	b = append(b, byte(header), byte(header>>8))
	for _, d := range objs[:objCount] {
		b = append(b, byte(d), byte(d>>8), byte(d>>16), byte(d>>24))
	}
	b = append(b, fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn)
	if err := p.write(regFIFOs, b); err != nil {
		return err
	}
	p.delay(1)
	return nil
}

// TxHardReset transmits a hard reset ordered set and resets the internal PD
// logic. The source will respond by power cycling VBUS.
func (p *PHY) TxHardReset() error {
	p.buf[0] = *p.shadow(regControl3) | ctl3SendHardReset
	if err := p.write(regControl3, p.buf[:1]); err != nil {
		return err
	}
	p.delay(5)
	p.buf[0] = rstPDReset
	return p.write(regReset, p.buf[:1])
}

// readCCLevel reads BC_LVL once and then five more times consecutively, and
// requires the same reading on all six, filtering out LFPS and BMC
// transitions.
func (p *PHY) readCCLevel() (uint8, error) {
	if err := p.read(regStatus0, p.buf[:1]); err != nil {
		return 0, err
	}
	cc := p.buf[0] & st0BCLvlMask
	for i := 0; i < 5; i++ {
		if err := p.read(regStatus0, p.buf[:1]); err != nil {
			return 0, err
		}
		if p.buf[0]&st0BCLvlMask != cc {
			return 0, ErrCCBusy
		}
	}
	return cc, nil
}

// measureCC routes one CC pin to the measure block and reads its level,
// retrying with 1ms delays while the reading flaps.
func (p *PHY) measureCC(meas uint8) (uint8, error) {
	*p.shadow(regSwitches0) = swPdwn1 | swPdwn2 | meas
	if err := p.writeShadow(regSwitches0, 1); err != nil {
		return 0, err
	}
	p.delay(1)
	var err error
	for i := 0; i < 5; i++ {
		var cc uint8
		if cc, err = p.readCCLevel(); err == nil {
			return cc, nil
		}
		if err != ErrCCBusy {
			return 0, err
		}
		p.delay(1)
	}
	return 0, err
}

// alertUnattached waits for VBUS, then measures both CC pins, fixes the TX
// polarity and enables the automatic GoodCRC responder.
func (p *PHY) alertUnattached() (e pdsink.PHYEvent, err error) {
	if err = p.read(regStatus0, p.status[regStatus0-regStatus0A:regStatus0-regStatus0A+1]); err != nil {
		return
	}
	if p.status[regStatus0-regStatus0A]&st0VBusOK == 0 {
		return
	}

	// Enable the internal oscillator for the BMC receiver.

	*p.shadow(regPower) = pwrBandgap | pwrReceiver | pwrMeasure | pwrIntOsc
	if err = p.writeShadow(regPower, 1); err != nil {
		return
	}
	p.delay(1)

	// Measure each CC pin in turn, keeping both pull downs asserted.

	*p.shadow(regSwitches1) = swSpecRev0
	*p.shadow(regMeasure) = measMDACDefault
	if err = p.writeShadow(regSwitches1, 2); err != nil {
		return
	}
	if p.cc1, err = p.measureCC(swMeasCC1); err != nil {
		return
	}
	if p.cc2, err = p.measureCC(swMeasCC2); err != nil {
		return
	}

	// Drop interrupts that accumulated while measuring.

	if err = p.read(regInterruptA, p.status[regInterruptA-regStatus0A:regInterruptA-regStatus0A+2]); err != nil {
		return
	}
	p.intA, p.intB = 0, 0

	// Fix TX polarity on the pin presenting Rd and enable the hardware
	// GoodCRC responder.

	switch {
	case p.cc1 > 0 && p.cc2 == 0:
		*p.shadow(regSwitches0) = swPdwn1 | swPdwn2 | swMeasCC1
		*p.shadow(regSwitches1) = swSpecRev0 | swAutoCRC | swTxCC1
	case p.cc2 > 0 && p.cc1 == 0:
		*p.shadow(regSwitches0) = swPdwn1 | swPdwn2 | swMeasCC2
		*p.shadow(regSwitches1) = swSpecRev0 | swAutoCRC | swTxCC2
	default:
		*p.shadow(regSwitches0) = swPdwn1 | swPdwn2
		*p.shadow(regSwitches1) = swSpecRev0
	}
	if err = p.writeShadow(regSwitches0, 2); err != nil {
		return
	}

	p.attached = true
	e.Add(pdsink.PHYEventAttached)
	return
}

// alertAttached scans the latched interrupts and drains the RX FIFO.
func (p *PHY) alertAttached() (e pdsink.PHYEvent, err error) {
	if err = p.read(regStatus0A, p.status[:]); err != nil {
		return
	}
	p.intA |= p.status[regInterruptA-regStatus0A]
	p.intB |= p.status[regInterruptB-regStatus0A]

	if p.vbusSense && p.status[regStatus0-regStatus0A]&st0VBusOK == 0 {

		// Revert CC pins to pull down only and stop the oscillator.

		*p.shadow(regSwitches0) = swPdwn1 | swPdwn2
		*p.shadow(regSwitches1) = swSpecRev0
		*p.shadow(regMeasure) = measMDACDefault
		if err = p.writeShadow(regSwitches0, 3); err != nil {
			return
		}
		*p.shadow(regPower) = pwrBandgap | pwrReceiver | pwrMeasure
		if err = p.writeShadow(regPower, 1); err != nil {
			return
		}

		p.attached = false
		e.Add(pdsink.PHYEventDetached)
		return
	}

	if p.status[regStatus0A-regStatus0A]&st0AHardReset != 0 {
		err = p.PDReset()
		return
	}

	if p.intB&intBGCRCSent != 0 {
		p.intB &^= intBGCRCSent
		e.Add(pdsink.PHYEventGoodCRCSent)
	}

	if p.status[regStatus1-regStatus0A]&st1RxEmpty == 0 {
		if rxErr := p.readIncomingPacket(); rxErr != nil {
			// Flush whatever is left so the FIFO doesn't stay wedged.
			p.buf[0] = *p.shadow(regControl1) | ctl1RxFlush
			p.write(regControl1, p.buf[:1])
		} else {
			e.Add(pdsink.PHYEventRxSOP)
		}
	}
	return
}

// readIncomingPacket drains one packet from the RX FIFO: the SOP token and
// two header bytes first, then the data objects plus the four CRC bytes.
func (p *PHY) readIncomingPacket() error {
	if err := p.read(regFIFOs, p.buf[:3]); err != nil {
		return err
	}
	p.rxHeader = uint16(p.buf[2])<<8 | uint16(p.buf[1])
	n := (p.rxHeader >> 12) & 0x7
	return p.read(regFIFOs, p.rxBuf[:n*4+4])
}

// Alert runs the attach state machine and returns the events produced. It is
// the single scan entrypoint: the policy engine calls it on its polling
// cadence and whenever the interrupt line is asserted.
func (p *PHY) Alert() (pdsink.PHYEvent, error) {
	if p.attached {
		return p.alertAttached()
	}
	return p.alertUnattached()
}
