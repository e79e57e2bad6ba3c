package timer

import (
	"bytes"
	"encoding/gob"
)

// Register addresses.
const (
	AddrDIV  = 0xFF04
	AddrTIMA = 0xFF05
	AddrTMA  = 0xFF06
	AddrTAC  = 0xFF07
)

const (
	tacClkSelMask = 0x03
	tacEnableMask = 0x04
)

// timaPrescaler maps TAC[1:0] to the TIMA divider in master cycles.
var timaPrescaler = [4]uint32{1024, 16, 64, 256}

// Timer maintains DIV/TIMA/TMA/TAC in lockstep with the master clock.
// On TIMA overflow it reloads from TMA and raises the timer interrupt
// through the injected request callback.
type Timer struct {
	div      uint16 // free-running counter; DIV reads the upper 8 bits
	tima     byte
	tma      byte
	tac      byte
	timaCnt  uint32 // prescaler counter for TIMA

	requestIRQ func()
}

func New(requestIRQ func()) *Timer {
	return &Timer{requestIRQ: requestIRQ}
}

// Tick advances the timer by one master cycle.
func (t *Timer) Tick() {
	t.div++

	if t.tac&tacEnableMask != 0 {
		t.timaCnt++
		if t.timaCnt >= timaPrescaler[t.tac&tacClkSelMask] {
			t.timaCnt = 0
			t.tima++
			if t.tima == 0 {
				t.tima = t.tma
				if t.requestIRQ != nil {
					t.requestIRQ()
				}
			}
		}
	}
}

// DIV returns the visible divider byte.
func (t *Timer) DIV() byte { return byte(t.div >> 8) }

// DivBit5 reports bit 5 of DIV; the APU frame sequencer steps on its toggles.
func (t *Timer) DivBit5() bool { return t.div&(1<<13) != 0 }

func (t *Timer) Read(addr uint16) byte {
	switch addr {
	case AddrDIV:
		return t.DIV()
	case AddrTIMA:
		return t.tima
	case AddrTMA:
		return t.tma
	case AddrTAC:
		return 0xF8 | (t.tac & 0x07)
	default:
		return 0xFF
	}
}

func (t *Timer) Write(addr uint16, v byte) {
	switch addr {
	case AddrDIV:
		// Any write clears the whole counter and the TIMA prescaler.
		t.div = 0
		t.timaCnt = 0
	case AddrTIMA:
		t.tima = v
	case AddrTMA:
		t.tma = v
	case AddrTAC:
		t.tac = v & 0x07
	}
}

type timerState struct {
	DIV     uint16
	TIMA    byte
	TMA     byte
	TAC     byte
	TimaCnt uint32
}

func (t *Timer) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(timerState{DIV: t.div, TIMA: t.tima, TMA: t.tma, TAC: t.tac, TimaCnt: t.timaCnt})
	return buf.Bytes()
}

func (t *Timer) LoadState(data []byte) {
	var s timerState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	t.div, t.tima, t.tma, t.tac, t.timaCnt = s.DIV, s.TIMA, s.TMA, s.TAC, s.TimaCnt
}
