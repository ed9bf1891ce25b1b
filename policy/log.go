package policy

import (
	"fmt"

	"github.com/oxplot/go-pdsink/pdmsg"
	"github.com/oxplot/go-pdsink/protocol"
)

// LogLevel selects the status log detail.
type LogLevel uint8

// Log levels.
const (
	LevelCompact LogLevel = iota
	LevelVerbose
)

type logStatus uint8

const (
	logMsgTx logStatus = iota
	logMsgRx
	logDev
	logCC
	logSrcCap
	logPowerReady
	logPPSStartup
	logPowerReject
	logLoadSwOn
	logLoadSwOff
)

const (
	logMask    = 16 - 1 // entry ring, power of two
	logObjMask = 16 - 1 // data object ring, power of two
)

// statusLog is an asynchronous ring of status events with minimal impact on
// PD timing: add only records, the formatting cost is paid by whoever drains
// Readline.
type statusLog struct {
	level LogLevel

	entries  [logMask + 1]logEntry
	objs     [logObjMask + 1]uint32
	write    uint8
	read     uint8
	objWrite uint8
	objRead  uint8

	// Progress through the multi-line expansions (message objects, source
	// capability dumps) of the entry currently being read.
	counter uint8

	scratch [96]byte
}

type logEntry struct {
	time      uint16
	status    logStatus
	msgHeader pdmsg.Header
	objCount  uint8
}

func (l *statusLog) addObjs(header pdmsg.Header, objs *[pdmsg.MaxDataObjects]uint32) uint8 {
	if objs == nil {
		return 0
	}
	n := protocol.GetMsgInfo(header).NumObj
	var i uint8
	for ; i < n && l.objWrite-l.objRead < logObjMask; i++ {
		l.objs[l.objWrite&logObjMask] = objs[i]
		l.objWrite++
	}
	return i
}

func (l *statusLog) add(e *Engine, status logStatus, objs *[pdmsg.MaxDataObjects]uint32) {
	if l.write-l.read >= logMask {
		return // full, drop
	}
	entry := &l.entries[l.write&logMask]
	*entry = logEntry{time: e.clockMS(), status: status}
	switch status {
	case logMsgTx:
		entry.msgHeader = e.proto.TxHeader()
		entry.objCount = l.addObjs(entry.msgHeader, objs)
	case logMsgRx:
		entry.msgHeader = e.proto.RxHeader()
		entry.objCount = l.addObjs(entry.msgHeader, objs)
	}
	l.write++
}

// Readline formats the next pending status log line into buf and returns the
// number of bytes written, zero when the log is drained. Lines end in a
// newline; a multi-object message or a capability dump takes several calls.
func (e *Engine) Readline(buf []byte) int {
	l := &e.log
	if l.write == l.read {
		return 0
	}
	entry := &l.entries[l.read&logMask]
	b := l.scratch[:0]
	b = fmt.Appendf(b, "%04d: ", entry.time)
	done := true

	switch entry.status {
	case logMsgTx, logMsgRx:
		b, done = l.appendMsg(b, entry)
	case logDev:
		if e.initialized {
			if ider, ok := e.phy.(interface{ ID() (uint8, uint8) }); ok {
				version, revision := ider.ID()
				b = fmt.Appendf(b, "PHY ver ID:%c_rev%c", 'A'+version, 'A'+revision)
			} else {
				b = append(b, "PHY ready"...)
			}
		} else {
			b = append(b, "PHY init error"...)
		}
	case logCC:
		b = l.appendCC(b, e)
	case logSrcCap:
		b, done = l.appendSrcCap(b, e)
	case logPowerReady:
		v, a := e.readyVoltage, e.readyCurrent
		if e.status == PowerPPS {
			b = fmt.Appendf(b, "PPS %d.%02dV %d.%02dA supply ready", v/50, (v*2)%100, a/20, (a*5)%100)
		} else {
			b = fmt.Appendf(b, "%d.%02dV %d.%02dA supply ready", v/20, (v*5)%100, a/100, a%100)
		}
	case logPPSStartup:
		b = append(b, "PPS 2-stage startup"...)
	case logPowerReject:
		b = append(b, "Request Rejected"...)
	case logLoadSwOn:
		b = append(b, "Load SW ON"...)
	case logLoadSwOff:
		b = append(b, "Load SW OFF"...)
	}
	b = append(b, '\n')

	if done {
		l.read++
		l.counter = 0
	}
	return copy(buf, b)
}

func (l *statusLog) appendMsg(b []byte, entry *logEntry) ([]byte, bool) {
	info := protocol.GetMsgInfo(entry.msgHeader)
	dir := byte('R')
	if entry.status == logMsgTx {
		dir = 'T'
	}
	if l.counter == 0 {
		if l.level >= LevelVerbose {
			ext := ""
			if info.Extended {
				ext = "ext, "
			}
			b = fmt.Appendf(b, "%cX %s id=%d %sraw=0x%04X", dir, info.Name, info.ID, ext, uint16(entry.msgHeader))
			if entry.objCount > 0 {
				l.counter++
				return b, false
			}
		} else {
			b = fmt.Appendf(b, "%cX %s", dir, info.Name)
		}
		return b, true
	}
	obj := l.objs[l.objRead&logObjMask]
	l.objRead++
	b = fmt.Appendf(b, " obj%d=0x%08X", l.counter-1, obj)
	l.counter++
	return b, l.counter > entry.objCount
}

func (l *statusLog) appendCC(b []byte, e *Engine) []byte {
	levels := [3]string{"USB", "1.5", "3.0"}
	cc1, cc2 := e.phy.CC()
	switch {
	case cc1 == 0 && cc2 == 0:
		return append(b, "USB attached vRa"...)
	case cc1 != 0 && cc2 == 0:
		return fmt.Appendf(b, "USB attached CC1 vRd-%s", levels[cc1-1])
	case cc2 != 0 && cc1 == 0:
		return fmt.Appendf(b, "USB attached CC2 vRd-%s", levels[cc2-1])
	default:
		return append(b, "USB attached unknown"...)
	}
}

func (l *statusLog) appendSrcCap(b []byte, e *Engine) ([]byte, bool) {
	info, ok := e.proto.PowerInfo(l.counter)
	if !ok {
		return append(b, "Src Cap end"...), true
	}
	kind := [4]string{"", " BAT", " VAR", " PPS"}[info.Type]
	sel := ""
	if l.counter == e.proto.SelectedPower() {
		sel = " *"
	}
	if info.MinV != 0 {
		b = fmt.Appendf(b, "  [%d] %d.%02dV-", l.counter, info.MinV/20, (info.MinV*5)%100)
	} else {
		b = fmt.Appendf(b, "  [%d] ", l.counter)
	}
	b = fmt.Appendf(b, "%d.%02dV ", info.MaxV/20, (info.MaxV*5)%100)
	if info.MaxI != 0 {
		b = fmt.Appendf(b, "%d.%02dA", info.MaxI/100, info.MaxI%100)
	} else {
		b = fmt.Appendf(b, "%d.%02dW", info.MaxP/4, (info.MaxP%4)*25)
	}
	b = fmt.Appendf(b, "%s%s", kind, sel)
	l.counter++
	return b, l.counter >= e.proto.PDOCount()
}
