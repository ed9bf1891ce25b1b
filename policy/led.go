package policy

import "github.com/oxplot/go-pdsink/pdmsg"

// Voltage LED indexes.
const (
	VoltageLEDOff  = 0
	VoltageLED5V   = 1
	VoltageLED9V   = 2
	VoltageLED12V  = 3
	VoltageLED15V  = 4
	VoltageLED20V  = 5
	VoltageLEDAuto = 6
)

// Current LED indexes.
const (
	CurrentLEDOff  = 0
	CurrentLEDLE1A = 1
	CurrentLEDLE3A = 2
	CurrentLEDGT3A = 3
	CurrentLEDAuto = 4
)

// SetLED turns the indicator LEDs on at the levels matching the negotiated
// supply, or off. Disables blinking.
func (e *Engine) SetLED(enable bool) {
	e.ledBlinkEnable = false
	if enable {
		e.updateVoltageLED(VoltageLEDAuto)
		e.updateCurrentLED(CurrentLEDAuto)
	} else {
		e.updateVoltageLED(VoltageLEDOff)
		e.updateCurrentLED(CurrentLEDOff)
	}
}

// SetLEDLevels drives the indicator LEDs at explicit levels. Disables
// blinking.
func (e *Engine) SetLEDLevels(voltage, current uint8) {
	e.ledBlinkEnable = false
	e.updateVoltageLED(voltage)
	e.updateCurrentLED(current)
}

// BlinkLED blinks the indicator LEDs with the given period in milliseconds.
func (e *Engine) BlinkLED(period uint16) {
	e.ledBlinkEnable = true
	e.periodLEDBlink = period >> 1
}

// calculateLED derives the LED levels from a typical contract, voltage in
// 50mV units and current in 10mA units.
func (e *Engine) calculateLED(voltage, current uint16) {
	vLevel := [4]uint16{pdmsg.PDV(9.0), pdmsg.PDV(12.0), pdmsg.PDV(15.0), pdmsg.PDV(20.0)}
	aLevel := [2]uint16{pdmsg.PDA(1.5), pdmsg.PDA(3.0)}
	i := uint8(0)
	for ; i < 4 && voltage >= vLevel[i]; i++ {
	}
	e.ledVoltage = VoltageLED5V + i
	i = 0
	for ; i < 2 && current >= aLevel[i]; i++ {
	}
	e.ledCurrent = CurrentLEDLE1A + i
}

// calculateLEDPPS derives the LED levels from a programmable contract,
// voltage in 20mV units and current in 50mA units.
func (e *Engine) calculateLEDPPS(voltage uint16, current uint8) {
	vLevel := [4]uint16{pdmsg.PPSV(9.0), pdmsg.PPSV(12.0), pdmsg.PPSV(15.0), pdmsg.PPSV(20.0)}
	aLevel := [2]uint8{pdmsg.PPSA(1.5), pdmsg.PPSA(3.0)}
	i := uint8(0)
	for ; i < 4 && voltage >= vLevel[i]; i++ {
	}
	e.ledVoltage = VoltageLED5V + i
	i = 0
	for ; i < 2 && current >= aLevel[i]; i++ {
	}
	e.ledCurrent = CurrentLEDLE1A + i
}

func (e *Engine) updateVoltageLED(index uint8) {
	if index >= VoltageLEDAuto {
		index = e.ledVoltage
	}
	var led1, led2, led3, led4 bool
	if index != VoltageLEDOff {
		// Bar patterns for 5/9/12/15/20V.
		led1 = [5]bool{false, false, false, false, true}[index-1]
		led2 = [5]bool{true, false, false, false, true}[index-1]
		led3 = [5]bool{true, true, false, false, true}[index-1]
		led4 = [5]bool{true, true, true, false, true}[index-1]
	}
	for i, on := range [4]bool{led1, led2, led3, led4} {
		if e.cfg.VoltageLEDs[i] != nil {
			e.cfg.VoltageLEDs[i](on)
		}
	}
}

func (e *Engine) updateCurrentLED(index uint8) {
	if index >= CurrentLEDAuto {
		index = e.ledCurrent
	}
	var led1, led2 bool
	if index != CurrentLEDOff {
		led1 = [3]bool{false, true, true}[index-1]
		led2 = [3]bool{false, false, true}[index-1]
	}
	for i, on := range [2]bool{led1, led2} {
		if e.cfg.CurrentLEDs[i] != nil {
			e.cfg.CurrentLEDs[i](on)
		}
	}
}

func (e *Engine) handleLED() {
	if !e.ledBlinkEnable {
		return
	}
	t := e.clockMS()
	if t-e.timeLEDBlink > e.periodLEDBlink {
		e.timeLEDBlink = t
		if e.ledBlinkOn {
			e.updateVoltageLED(VoltageLEDOff)
			e.updateCurrentLED(CurrentLEDOff)
		} else {
			e.updateVoltageLED(VoltageLEDAuto)
			e.updateCurrentLED(CurrentLEDAuto)
		}
		e.ledBlinkOn = !e.ledBlinkOn
	}
}
