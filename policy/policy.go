// Package policy implements the sink power delivery policy engine: the
// timing state machine that sequences attach, capability discovery, power
// requests and PPS refresh on top of the protocol engine and a PD PHY.
//
// The engine is passive and single threaded. The application calls Run on a
// polling cadence and, ideally, whenever the PHY interrupt line is asserted.
// Run never blocks beyond the short delays used inside PHY reset sequences.
package policy

import (
	pdsink "github.com/oxplot/go-pdsink"
	"github.com/oxplot/go-pdsink/pdmsg"
	"github.com/oxplot/go-pdsink/protocol"
)

// Timer values in milliseconds, from the PD standard where applicable.
const (
	tPDPolling        = 100  // minimum interval at which Run issues work
	tTypeCSinkWaitCap = 350  // retry interval for Get_Src_Cap after attach
	tRequestToPSReady = 580  // t_SenderResponse and t_PSTransition combined
	tPPSRequest       = 5000 // PPS refresh interval, must be < 10s
)

// PowerStatus is the kind of supply currently negotiated.
type PowerStatus uint8

// Power statuses.
const (
	PowerNA      PowerStatus = iota // nothing negotiated
	PowerTypical                    // fixed, variable or battery supply, or non-PD 5V
	PowerPPS                        // programmable supply under periodic refresh
)

// Pin drives a single output pin, eg. a status LED or the load switch
// enable. Injected through Config; the stack does not own the GPIO.
type Pin func(on bool)

// Config carries the collaborators and tunables injected into the policy
// engine. Clock and Delay are required.
type Config struct {

	// Clock returns a monotonic millisecond reading.
	Clock pdsink.Clock

	// Delay pauses for the given number of milliseconds.
	Delay pdsink.Delay

	// IntAsserted samples the PHY interrupt line and returns true when it is
	// asserted (the line is active low; the conversion is the caller's).
	// Optional: with nil, the engine runs on the polling timer alone.
	IntAsserted func() bool

	// Prescaler divides the Clock reading, for hosts whose millisecond clock
	// ticks faster than wall time. Zero means 1.
	Prescaler uint8

	// TwoStageThreshold is the PPS voltage in 20mV units below which startup
	// goes through an initial 5V request. Many sources will not enter PPS
	// directly below vSafe5V; some accept requests down to 3.3V. Zero means
	// 5V.
	TwoStageThreshold uint16

	// LoadSwitch enables the output load switch. Optional.
	LoadSwitch Pin

	// VoltageLEDs is the 4 segment voltage indicator bar. Optional.
	VoltageLEDs [4]Pin

	// CurrentLEDs is the 2 segment current indicator. Optional.
	CurrentLEDs [2]Pin

	// LogLevel selects the status log detail. Defaults to LevelCompact.
	LogLevel LogLevel
}

// Engine is the policy engine. Create one with New.
type Engine struct {
	phy   pdsink.PHY
	proto *protocol.Engine
	cfg   Config

	prescaler uint8

	initialized bool
	status      PowerStatus

	// Negotiated supply. Voltage and current are in 50mV and 10mA units for
	// typical supplies, and 20mV and 50mA units for PPS.
	readyVoltage uint16
	readyCurrent uint16

	// Staged target of a two-stage sub-5V PPS startup.
	ppsVoltageNext uint16
	ppsCurrentNext uint8

	// 16 bit wrap-safe timestamps.
	timePolling    uint16
	timeWaitSrcCap uint16
	timeWaitPSRdy  uint16
	timePPSRequest uint16

	waitSrcCap       bool
	waitPSRdy        bool
	sendRequest      bool
	psTransition     bool
	srcCapRetryCount uint8

	events pdsink.Event // accumulated during the current Run

	// LED state.
	ledBlinkEnable bool
	ledBlinkOn     bool
	timeLEDBlink   uint16
	periodLEDBlink uint16
	ledVoltage     uint8 // 0 off, 1..5 for 5/9/12/15/20V
	ledCurrent     uint8 // 0 off, 1..3 for <1.5A/<3A/>=3A
	loadSwitchOn   bool

	log statusLog

	txMsg  pdmsg.Message
	rxObjs [pdmsg.MaxDataObjects]uint32
}

// New creates a policy engine driving the given PHY. Init or InitPPS must be
// called before Run.
func New(phy pdsink.PHY, cfg Config) *Engine {
	e := &Engine{
		phy:       phy,
		proto:     protocol.New(),
		cfg:       cfg,
		prescaler: cfg.Prescaler,
	}
	if e.prescaler == 0 {
		e.prescaler = 1
	}
	if e.cfg.TwoStageThreshold == 0 {
		e.cfg.TwoStageThreshold = pdmsg.PPSV(5.0)
	}
	e.log.level = cfg.LogLevel
	return e
}

func (e *Engine) clockMS() uint16 {
	return uint16(e.cfg.Clock() / uint32(e.prescaler))
}

func (e *Engine) delay(ms uint32) {
	e.cfg.Delay(ms / uint32(e.prescaler))
}

// Init initializes the PHY and starts negotiation under the given power
// option.
func (e *Engine) Init(option protocol.PowerOption) error {
	return e.InitPPS(0, 0, option)
}

// InitPPS initializes the PHY and starts negotiation targeting a
// programmable supply at the given voltage (20mV units) and current (50mA
// units), falling back to the power option when the source offers no
// covering APDO. A target below the two-stage threshold is staged: the
// first request goes out at 5V and the true target is committed on the
// first PS_RDY.
func (e *Engine) InitPPS(ppsVoltage uint16, ppsCurrent uint8, option protocol.PowerOption) error {
	err := e.phy.Init()
	e.initialized = err == nil

	if ppsVoltage != 0 && ppsVoltage < e.cfg.TwoStageThreshold {
		e.ppsVoltageNext = ppsVoltage
		e.ppsCurrentNext = ppsCurrent
		ppsVoltage = pdmsg.PPSV(5.0)
	}

	e.proto = protocol.New()
	e.proto.SetPowerOption(option)
	e.proto.SetPPS(ppsVoltage, ppsCurrent, false)

	e.status = PowerNA
	e.readyVoltage, e.readyCurrent = 0, 0
	e.waitSrcCap, e.waitPSRdy, e.sendRequest = false, false, false
	e.psTransition = false
	e.srcCapRetryCount = 0

	e.log.add(e, logDev, nil)
	return err
}

// Run is the single tick of the stack. It scans the PHY when the polling
// timer fires or the interrupt line is asserted, dispatches the resulting
// events and services the protocol timers. The returned set holds the
// caller-facing events produced by this tick.
func (e *Engine) Run() pdsink.Event {
	e.events = 0
	if e.timer() || (e.cfg.IntAsserted != nil && e.cfg.IntAsserted()) {
		var ev pdsink.PHYEvent
		var err error
		for i := 0; i < 3; i++ {
			if ev, err = e.phy.Alert(); err == nil {
				break
			}
		}
		if err == nil && ev != 0 {
			e.handlePHYEvent(ev)
		}
	}
	e.handleLED()
	return e.events
}

// SetPPS retargets an active programmable contract. Voltage is in 20mV
// units, current in 50mA units. It returns false when no PPS contract is
// active or no stored APDO covers the target.
func (e *Engine) SetPPS(voltage uint16, current uint8) bool {
	if e.status == PowerPPS && e.proto.SetPPS(voltage, current, true) {
		e.sendRequest = true
		return true
	}
	return false
}

// SetPowerOption changes the power option; an updated request goes out on
// the next tick if capabilities are already stored.
func (e *Engine) SetPowerOption(option protocol.PowerOption) {
	if e.proto.SetPowerOption(option) {
		e.sendRequest = true
	}
}

// RequestPPSStatus asks the source for a PPS status data block. The decoded
// reply is available through Protocol().PPSStatus once it arrives. Returns
// false when no programmable contract is active.
func (e *Engine) RequestPPSStatus() bool {
	if e.status != PowerPPS {
		return false
	}
	e.proto.CreateGetPPSStatus(&e.txMsg)
	e.log.add(e, logMsgTx, nil)
	e.events.Add(pdsink.EventMsgTx)
	return e.phy.TxSOP(uint16(e.txMsg.Header), nil) == nil
}

// SetClockPrescaler sets the clock divisor. Zero is ignored.
func (e *Engine) SetClockPrescaler(prescaler uint8) {
	if prescaler != 0 {
		e.prescaler = prescaler
	}
}

// Voltage returns the negotiated voltage: 50mV units for typical supplies,
// 20mV units for PPS.
func (e *Engine) Voltage() uint16 {
	return e.readyVoltage
}

// Current returns the negotiated current: 10mA units for typical supplies,
// 50mA units for PPS.
func (e *Engine) Current() uint16 {
	return e.readyCurrent
}

// Status returns the kind of supply currently negotiated.
func (e *Engine) Status() PowerStatus {
	return e.status
}

// IsPowerReady returns true once a supply, PD or not, has been negotiated.
func (e *Engine) IsPowerReady() bool {
	return e.status != PowerNA
}

// IsPPSReady returns true while a programmable contract is active.
func (e *Engine) IsPPSReady() bool {
	return e.status == PowerPPS
}

// IsPSTransition returns true between our request being accepted and the
// supply signalling ready.
func (e *Engine) IsPSTransition() bool {
	return e.psTransition
}

// Protocol exposes the underlying protocol engine for inspection.
func (e *Engine) Protocol() *protocol.Engine {
	return e.proto
}

// SetOutput drives the load switch.
func (e *Engine) SetOutput(enable bool) {
	if e.cfg.LoadSwitch != nil {
		e.cfg.LoadSwitch(enable)
	}
	if e.loadSwitchOn != enable {
		e.loadSwitchOn = enable
		if enable {
			e.log.add(e, logLoadSwOn, nil)
			e.events.Add(pdsink.EventLoadSwitchOn)
		} else {
			e.log.add(e, logLoadSwOff, nil)
			e.events.Add(pdsink.EventLoadSwitchOff)
		}
	}
}

// timer services the protocol timers and returns true when the polling
// interval has elapsed. All comparisons are on 16 bit timestamps and are
// wrap safe.
func (e *Engine) timer() bool {
	t := e.clockMS()

	if e.waitSrcCap && t-e.timeWaitSrcCap > tTypeCSinkWaitCap {
		e.timeWaitSrcCap = t
		if e.srcCapRetryCount < 3 {
			e.srcCapRetryCount++
			// Ask for capabilities; this does not power cycle VBUS.
			e.proto.CreateGetSourceCap(&e.txMsg)
			e.log.add(e, logMsgTx, nil)
			e.events.Add(pdsink.EventMsgTx)
			e.phy.TxSOP(uint16(e.txMsg.Header), nil)
		} else {
			e.srcCapRetryCount = 0
			// Out of retries. Hard reset makes the source power cycle VBUS.
			e.phy.TxHardReset()
			e.proto.Reset()
		}
	}

	if e.waitPSRdy {
		if t-e.timeWaitPSRdy > tRequestToPSReady {
			e.waitPSRdy = false
			e.psTransition = false
			e.setDefaultPower()
		}
	} else if e.sendRequest || (e.status == PowerPPS && t-e.timePPSRequest > tPPSRequest) {
		e.sendRequest = false
		e.timePPSRequest = t
		// Send a request if the target changed, or regularly in PPS mode to
		// keep the contract alive.
		if e.proto.CreateRequest(&e.txMsg) {
			e.waitPSRdy = true
			e.timeWaitPSRdy = e.clockMS()
			e.log.add(e, logMsgTx, &e.txMsg.Data)
			e.events.Add(pdsink.EventMsgTx)
			e.phy.TxSOP(uint16(e.txMsg.Header), e.txMsg.Data[:])
		}
	}

	if t-e.timePolling > tPDPolling {
		e.timePolling = t
		return true
	}
	return false
}

func (e *Engine) handlePHYEvent(ev pdsink.PHYEvent) {
	if ev.Has(pdsink.PHYEventDetached) {
		e.proto.Reset()
		e.status = PowerNA
		e.readyVoltage, e.readyCurrent = 0, 0
		e.waitSrcCap, e.waitPSRdy, e.sendRequest = false, false, false
		e.psTransition = false
		e.events.Add(pdsink.EventDetached)
		return
	}
	if ev.Has(pdsink.PHYEventAttached) {
		cc1, cc2 := e.phy.CC()
		e.proto.Reset()
		var cc uint8
		if cc1 != 0 && cc2 == 0 {
			cc = cc1
		} else if cc2 != 0 && cc1 == 0 {
			cc = cc2
		}
		if cc > 1 {
			// The pull up advertises 1.5A or 3A: a PD source worth talking
			// to. Wait out t_TypeCSinkWaitCap before prompting it.
			e.waitSrcCap = true
			e.timeWaitSrcCap = e.clockMS()
		} else {
			e.setDefaultPower()
		}
		e.log.add(e, logCC, nil)
		e.events.Add(pdsink.EventAttached)
		e.events.Add(pdsink.EventCCReported)
	}
	if ev.Has(pdsink.PHYEventRxSOP) {
		header := e.phy.Message(&e.rxObjs)
		var pev protocol.Event
		e.proto.HandleMessage(pdmsg.Header(header), &e.rxObjs, &pev)
		e.log.add(e, logMsgRx, &e.rxObjs)
		e.events.Add(pdsink.EventMsgRx)
		if pev != 0 {
			e.handleProtocolEvent(pev)
		}
	}
	if ev.Has(pdsink.PHYEventGoodCRCSent) {
		// Delay the reply so it cannot collide with retries of the message
		// we just acknowledged.
		e.delay(2)
		if e.proto.Respond(&e.txMsg) {
			e.log.add(e, logMsgTx, &e.txMsg.Data)
			e.events.Add(pdsink.EventMsgTx)
			e.phy.TxSOP(uint16(e.txMsg.Header), e.txMsg.Data[:])
		}
	}
}

func (e *Engine) handleProtocolEvent(ev protocol.Event) {
	if ev.Has(protocol.EventSourceCap) {
		e.waitSrcCap = false
		e.srcCapRetryCount = 0
		// The request goes out through the GoodCRC-sent responder path;
		// start the ready timer now.
		e.waitPSRdy = true
		e.timeWaitPSRdy = e.clockMS()
		e.log.add(e, logSrcCap, nil)
		e.events.Add(pdsink.EventSourceCap)
	}
	if ev.Has(protocol.EventAccept) {
		e.psTransition = true
	}
	if ev.Has(protocol.EventReject) {
		if e.waitPSRdy {
			// Leave waitPSRdy set: the ready timer performs the fallback to
			// the default contract.
			e.psTransition = false
			e.log.add(e, logPowerReject, nil)
			e.events.Add(pdsink.EventPowerRejected)
		}
	}
	if ev.Has(protocol.EventPSReady) {
		info, _ := e.proto.PowerInfo(e.proto.SelectedPower())
		e.waitPSRdy = false
		e.psTransition = false
		if info.Type == pdmsg.PDOTypeAugmented {
			// A PPS contract below 4V would trip the PHY's VBUSOK threshold.
			e.phy.SetVBusSense(false)
			if e.ppsVoltageNext != 0 {
				// Commit the staged sub-5V target and request again.
				e.proto.SetPPS(e.ppsVoltageNext, e.ppsCurrentNext, false)
				e.ppsVoltageNext = 0
				e.sendRequest = true
				e.log.add(e, logPPSStartup, nil)
				e.events.Add(pdsink.EventPPSStartup)
			} else {
				e.timePPSRequest = e.clockMS()
				e.powerReady(PowerPPS, e.proto.PPSVoltage(), uint16(e.proto.PPSCurrent()))
				e.log.add(e, logPowerReady, nil)
				e.events.Add(pdsink.EventPowerReadyPPS)
			}
		} else {
			e.phy.SetVBusSense(true)
			e.powerReady(PowerTypical, info.MaxV, info.MaxI)
			e.log.add(e, logPowerReady, nil)
			e.events.Add(pdsink.EventPowerReady)
		}
	}
}

// setDefaultPower records the implicit 5V 1A contract of a non-PD source or
// a failed negotiation.
func (e *Engine) setDefaultPower() {
	e.powerReady(PowerTypical, pdmsg.PDV(5.0), pdmsg.PDA(1.0))
	e.log.add(e, logPowerReady, nil)
	e.events.Add(pdsink.EventPowerReady)
}

func (e *Engine) powerReady(status PowerStatus, voltage, current uint16) {
	e.readyVoltage = voltage
	e.readyCurrent = current
	e.status = status
	if status == PowerPPS {
		e.calculateLEDPPS(voltage, uint8(current))
	} else {
		e.calculateLED(voltage, current)
	}
}
