// Package pdsink defines high level interfaces and types for implementing a
// USB power delivery sink (UFP) stack on top of a register-accessed PD PHY.
package pdsink

import (
	"errors"
	"time"

	"github.com/oxplot/go-pdsink/pdmsg"
)

// Event can store multiple caller-facing events and return them in priority
// order.
type Event uint16

// Pop returns the next high priority event and clears it.
func (e *Event) Pop() Event {
	if *e == 0 {
		return EventNone
	}
	for r := Event(1); r <= 0x8000; r <<= 1 {
		if *e&r != 0 {
			*e &= ^r
			return r
		}
	}
	return EventNone // will never get here
}

// Add adds the events v to the set.
func (e *Event) Add(v Event) {
	*e |= v
}

// Has returns true if the event v is set without clearing it.
func (e Event) Has(v Event) bool {
	return e&v != 0
}

func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventAttached:
		return "Attached"
	case EventDetached:
		return "Detached"
	case EventPowerReady:
		return "PowerReady"
	case EventPowerReadyPPS:
		return "PowerReadyPPS"
	case EventPPSStartup:
		return "PPSStartup"
	case EventPowerRejected:
		return "PowerRejected"
	case EventSourceCap:
		return "SourceCap"
	case EventCCReported:
		return "CCReported"
	case EventLoadSwitchOn:
		return "LoadSwitchOn"
	case EventLoadSwitchOff:
		return "LoadSwitchOff"
	case EventMsgTx:
		return "MsgTx"
	case EventMsgRx:
		return "MsgRx"
	default:
		return "INVALID"
	}
}

// EventNone represents no event.
const EventNone Event = 0

// The events are listed in order of priority from highest to lowest. In
// presence of multiple pending events, the highest priority one is attended
// to first.
const (
	EventDetached      Event = 1 << iota // VBUS power lost
	EventAttached                        // VBUS power detected, CC polarity fixed
	EventPowerRejected                   // Source rejected our request
	EventPowerReady                      // Negotiated fixed/variable/battery power is on
	EventPowerReadyPPS                   // Negotiated programmable power is on
	EventPPSStartup                      // First stage of a sub-5V PPS startup committed
	EventSourceCap                       // Source capabilities received
	EventCCReported                      // CC pull-up level measured on attach
	EventLoadSwitchOn                    // Load switch driven on
	EventLoadSwitchOff                   // Load switch driven off
	EventMsgTx                           // A message was transmitted
	EventMsgRx                           // A message was received
)

// PHYEvent is a set of events reported by the PHY driver on each Alert scan.
type PHYEvent uint8

// Has returns true if the event v is set.
func (e PHYEvent) Has(v PHYEvent) bool {
	return e&v != 0
}

// Add adds the events v to the set.
func (e *PHYEvent) Add(v PHYEvent) {
	*e |= v
}

// PHY driver events.
const (
	PHYEventAttached    PHYEvent = 1 << iota // VBUS present, CC polarity selected
	PHYEventDetached                         // VBUS lost
	PHYEventRxSOP                            // A SOP packet is latched in the driver
	PHYEventGoodCRCSent                      // PHY auto-acknowledged our partner's message
)

// PHY is the contract between the policy engine and a PD PHY driver such as
// the one in package fusb302.
//
// PHY drivers must:
//
//   - Detect attachment through VBUS and fix the CC polarity before reporting
//     PHYEventAttached.
//   - Auto-acknowledge valid SOP packets with GoodCRC (in hardware or
//     otherwise) and surface each GoodCRC they send for a received packet
//     as PHYEventGoodCRCSent.
//   - Avoid heap allocation after initialization, since they may be running
//     on microcontrollers with limited/expensive garbage collectors.
type PHY interface {

	// Init (re-)initializes the PHY to a known working sink configuration.
	// It must be called at least once before any other method.
	Init() error

	// Alert scans the PHY interrupt state, runs the attach state machine and
	// returns the set of events produced. It is called by the policy engine
	// either periodically or when the interrupt line is asserted.
	Alert() (PHYEvent, error)

	// CC returns the Rd levels measured on CC1 and CC2 at attach time. Levels
	// are 0 (vRa), 1 (vRd-USB), 2 (vRd-1.5) and 3 (vRd-3.0).
	CC() (cc1, cc2 uint8)

	// Message copies out the packet latched by the last PHYEventRxSOP and
	// returns its header. Data objects are written into objs.
	Message(objs *[pdmsg.MaxDataObjects]uint32) (header uint16)

	// TxSOP frames and transmits a SOP packet.
	TxSOP(header uint16, objs []uint32) error

	// TxHardReset transmits a hard reset ordered set and resets the PHY's
	// internal PD logic. The source will power cycle VBUS in response.
	TxHardReset() error

	// PDReset resets the PHY's internal PD logic without touching the wire.
	PDReset() error

	// SetVBusSense enables or disables detach detection through the VBUSOK
	// comparator. It must be disabled while a PPS contract below the
	// comparator threshold is active.
	SetVBusSense(enable bool) error
}

// Bus is the register bus the PHY driver drives, typically I2C. The
// implementation is injected at driver construction; the stack does not own
// the hardware. See package periphbus for a host-side implementation.
type Bus interface {

	// ReadReg reads len(p) bytes from device dev starting at register reg.
	ReadReg(dev uint8, reg uint8, p []byte) error

	// WriteReg writes len(p) bytes to device dev starting at register reg.
	WriteReg(dev uint8, reg uint8, p []byte) error
}

// Delay pauses execution for the given number of milliseconds. PHY reset
// sequences use pauses of at most 5ms.
type Delay func(ms uint32)

// Clock returns a monotonic millisecond reading. Only the low 16 bits are
// used by the policy engine; wrap-around is handled.
type Clock func() uint32

// SystemDelay is a Delay backed by time.Sleep.
func SystemDelay(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// SystemClock is a Clock backed by time.Since of the process start.
func SystemClock() uint32 {
	return uint32(time.Since(clockEpoch) / time.Millisecond)
}

var clockEpoch = time.Now()

var (
	// ErrBusRead is returned when a register read transaction fails.
	ErrBusRead = errors.New("failed to read pd phy register")

	// ErrBusWrite is returned when a register write transaction fails.
	ErrBusWrite = errors.New("failed to write pd phy register")
)
