package apu

import (
	"bytes"
	"encoding/gob"
)

// MaxSamples is the high-water mark of the stereo sample ring. When the
// writer reaches it, the host handshake blocks until the samples have
// been collected.
const MaxSamples = 550

// Channel clock prescalers, in master cycles (4 MiHz base).
const (
	squarePeriodPrescaler = 4  // 1.000 MHz
	wavePeriodPrescaler   = 2  // 2.000 MHz
	lfsrBasePrescaler     = 16 // 262.144 kHz
)

// Frame-sequencer subdividers, in 512 Hz steps.
const (
	sweepPrescaler    = 4 // 128 Hz
	lengthPrescaler   = 2 // 256 Hz
	envelopePrescaler = 8 // 64 Hz
)

const (
	periodOverflow  = 0x800
	lengthOverflow  = 64 // ch1/2/4 (ch3 wraps at 256)
)

// Duty-cycle patterns: 12.5%, 25%, 50%, 75%.
var dutyPatterns = [4]byte{0x01, 0x03, 0x0F, 0xFC}

// squareChannel is the live state of CH1/CH2, latched from the register
// shadow on trigger. CH2 simply never arms its sweep.
type squareChannel struct {
	running bool
	output  byte

	dcPattern byte
	dcBit     byte
	waveHigh  bool

	period        uint16
	periodCounter uint16
	periodPresc   byte

	volume   byte
	envInc   bool
	envPace  byte
	envCnt   byte
	envPresc byte

	lengthEnable bool
	length       uint16
	lenPresc     byte

	sweepPace  byte
	sweepSub   bool
	sweepStep  byte
	sweepCnt   byte
	sweepPresc byte
}

type waveChannel struct {
	running bool
	dacEn   bool
	output  byte

	period        uint16
	periodCounter uint16
	periodPresc   byte

	sample     byte // latched 4-bit sample
	sampleSel  byte // 0..31, bit 0 selects the nibble
	levelShift byte // 4=mute, 0/1/2

	lengthEnable bool
	length       byte // 8-bit, wraps at 256
	lenPresc     byte
}

type noiseChannel struct {
	running bool
	output  byte

	lfsr      uint16
	width7    bool
	lfsrPresc uint32
	lfsrCnt   uint32

	volume   byte
	envInc   bool
	envPace  byte
	envCnt   byte
	envPresc byte

	lengthEnable bool
	length       uint16
	lenPresc     byte
}

// APU is the four-channel sound unit. It is clocked one master cycle
// at a time by the bus (which throttles it to native pitch), samples
// the mixer at 32,768 Hz, and hands full rings to the host through the
// wait-for-collection handshake.
type APU struct {
	power bool

	// register shadow, needed for readback and trigger latching
	ch1Sweep   byte // FF10
	ch1LenDuty byte // FF11
	ch1Env     byte // FF12
	ch1PerLo   byte // FF13
	ch1PerHi   byte // FF14
	ch2LenDuty byte // FF16
	ch2Env     byte // FF17
	ch2PerLo   byte // FF18
	ch2PerHi   byte // FF19
	ch3DacEn   byte // FF1A
	ch3Len     byte // FF1B
	ch3Lvl     byte // FF1C
	ch3PerLo   byte // FF1D
	ch3PerHi   byte // FF1E
	ch4Len     byte // FF20
	ch4Env     byte // FF21
	ch4Freq    byte // FF22
	nr50       byte // FF24
	nr51       byte // FF25

	waveRAM [16]byte

	ch1 squareChannel
	ch2 squareChannel
	ch3 waveChannel
	ch4 noiseChannel

	lastDivBit bool
	sampling   byte // 0..127; one sample per 128 cycles

	capL, capR int64

	left  [MaxSamples]byte
	right [MaxSamples]byte
	idx   int

	// waitForCollection blocks until the host has drained the ring.
	waitForCollection func()
}

func New(waitForCollection func()) *APU {
	a := &APU{waitForCollection: waitForCollection}
	a.ch1.dcPattern = dutyPatterns[0]
	a.ch2.dcPattern = dutyPatterns[0]
	// CH2 has no sweep; keep its parameters inert
	a.ch2.sweepSub = true
	return a
}

// Tick advances the APU one master cycle. divBit5 is the current state
// of DIV bit 5; the 512 Hz frame sequencer steps on its toggles.
func (a *APU) Tick(divBit5 bool) {
	step := divBit5 != a.lastDivBit
	a.lastDivBit = divBit5

	if a.power {
		a.tickSquare(&a.ch1, true, step)
		a.tickSquare(&a.ch2, false, step)
		a.tickWave(step)
		a.tickNoise(step)
	}

	a.sampling = (a.sampling + 1) & 0x7F
	if a.sampling == 0 {
		a.sample()
	}
}

func (a *APU) tickSquare(ch *squareChannel, isCh1 bool, step bool) {
	if !ch.running {
		ch.output = 0
		return
	}

	if ch.waveHigh {
		ch.output = ch.volume & 0x0F
	} else {
		ch.output = 0
	}

	// period counter at 1 MHz drives the duty pattern
	ch.periodPresc++
	if ch.periodPresc >= squarePeriodPrescaler {
		ch.periodPresc = 0
		ch.waveHigh = ch.dcPattern&(1<<ch.dcBit) != 0
		ch.periodCounter++
		if ch.periodCounter >= periodOverflow {
			ch.dcBit = (ch.dcBit + 1) & 0x07
			ch.periodCounter = ch.period
		}
	}

	// sweep at 128 Hz (CH1 only; CH2 keeps pace 0)
	if step && ch.sweepPace != 0 {
		ch.sweepPresc++
		if ch.sweepPresc >= sweepPrescaler {
			ch.sweepPresc = 0
			ch.sweepCnt++
			if ch.sweepCnt >= ch.sweepPace {
				ch.sweepCnt = 0
				var newPeriod uint16
				if ch.sweepSub {
					newPeriod = ch.period - ch.period>>ch.sweepStep
				} else {
					newPeriod = ch.period + ch.period>>ch.sweepStep
				}
				if newPeriod >= periodOverflow {
					ch.running = false
				}
				ch.period = newPeriod & (periodOverflow - 1)
				if isCh1 {
					// mirror the swept period into the registers and
					// re-latch the sweep parameters
					a.ch1PerLo = byte(ch.period)
					a.ch1PerHi = a.ch1PerHi&^0x07 | byte(ch.period>>8)&0x07
					ch.sweepPace = a.ch1Sweep >> 4 & 0x07
					ch.sweepSub = a.ch1Sweep&0x08 != 0
					ch.sweepStep = a.ch1Sweep & 0x07
				}
			}
		}
	}

	// length timer at 256 Hz
	if step && ch.lengthEnable {
		ch.lenPresc++
		if ch.lenPresc >= lengthPrescaler {
			ch.lenPresc = 0
			ch.length++
			if ch.length >= lengthOverflow {
				ch.length = 0
				ch.running = false
			}
		}
	}

	// envelope at 64 Hz
	if step && ch.envPace != 0 {
		ch.envPresc++
		if ch.envPresc >= envelopePrescaler {
			ch.envPresc = 0
			ch.envCnt++
			if ch.envCnt >= ch.envPace {
				ch.envCnt = 0
				if ch.envInc {
					if ch.volume < 15 {
						ch.volume++
					}
				} else if ch.volume > 0 {
					ch.volume--
				}
			}
		}
	}

	if ch.volume == 0 && !ch.envInc {
		ch.running = false
	}
}

func (a *APU) tickWave(step bool) {
	ch := &a.ch3
	if !ch.running {
		ch.output = 0
		return
	}

	ch.output = ch.sample >> ch.levelShift

	// period counter at 2 MHz selects the next wave-RAM nibble
	ch.periodPresc++
	if ch.periodPresc >= wavePeriodPrescaler {
		ch.periodPresc = 0
		ch.periodCounter++
		if ch.periodCounter >= periodOverflow {
			ch.periodCounter = ch.period
			b := a.waveRAM[ch.sampleSel>>1&0x0F]
			if ch.sampleSel&1 == 0 {
				ch.sample = b >> 4
			} else {
				ch.sample = b & 0x0F
			}
			ch.sampleSel = (ch.sampleSel + 1) & 0x1F
		}
	}

	if step && ch.lengthEnable {
		ch.lenPresc++
		if ch.lenPresc >= lengthPrescaler {
			ch.lenPresc = 0
			ch.length++
			if ch.length == 0 {
				ch.running = false
			}
		}
	}
}

func (a *APU) tickNoise(step bool) {
	ch := &a.ch4
	if !ch.running {
		ch.output = 0
		return
	}

	if ch.lfsr&0x01 == 0 {
		ch.output = ch.volume
	} else {
		ch.output = 0
	}

	ch.lfsrCnt++
	if ch.lfsrCnt >= ch.lfsrPresc {
		ch.lfsrCnt = 0
		// xnor of the two low bits feeds bit 15 (and bit 7 in 7-bit mode)
		xnor := ch.lfsr&0x01 == ch.lfsr>>1&0x01
		msk := uint16(1 << 15)
		if ch.width7 {
			msk |= 1 << 7
		}
		if xnor {
			ch.lfsr |= msk
		} else {
			ch.lfsr &^= msk
		}
		ch.lfsr >>= 1
	}

	if step && ch.lengthEnable {
		ch.lenPresc++
		if ch.lenPresc >= lengthPrescaler {
			ch.lenPresc = 0
			ch.length++
			if ch.length >= lengthOverflow {
				ch.length = 0
				ch.running = false
			}
		}
	}

	if step && ch.envPace != 0 {
		ch.envPresc++
		if ch.envPresc >= envelopePrescaler {
			ch.envPresc = 0
			ch.envCnt++
			if ch.envCnt >= ch.envPace {
				ch.envCnt = 0
				if ch.envInc {
					if ch.volume < 15 {
						ch.volume++
					}
				} else if ch.volume > 0 {
					ch.volume--
				}
			}
		}
	}

	if ch.volume == 0 && !ch.envInc {
		ch.running = false
	}
}

// sample mixes one stereo sample, high-pass filters each side, and
// pushes it into the ring. Filling the ring triggers the host
// handshake.
func (a *APU) sample() {
	var l, r byte
	if a.nr51&0x01 != 0 {
		r += a.ch1.output
	}
	if a.nr51&0x02 != 0 {
		r += a.ch2.output
	}
	if a.nr51&0x04 != 0 {
		r += a.ch3.output
	}
	if a.nr51&0x08 != 0 {
		r += a.ch4.output
	}
	if a.nr51&0x10 != 0 {
		l += a.ch1.output
	}
	if a.nr51&0x20 != 0 {
		l += a.ch2.output
	}
	if a.nr51&0x40 != 0 {
		l += a.ch3.output
	}
	if a.nr51&0x80 != 0 {
		l += a.ch4.output
	}

	a.right[a.idx] = highPass(r, &a.capR)
	a.left[a.idx] = highPass(l, &a.capL)
	a.idx++
	if a.idx >= MaxSamples {
		if a.waitForCollection != nil {
			a.waitForCollection()
		}
		a.idx = 0
	}
}

// highPass removes the DC offset with the hardware charge factor
// 0.994638 in 1e6-style fixed point (1042954 / 2^20).
func highPass(in byte, capacitor *int64) byte {
	inScaled := int64(in) << 20
	out := (inScaled - *capacitor) >> 20
	*capacitor = inScaled - out*1042954
	if out < 0 {
		out = 0
	} else if out > 0xFF {
		out = 0xFF
	}
	return byte(out)
}

// GetAudioData copies the buffered samples into the given slices and
// resets the ring. The host calls this from its wait-for-collection
// handshake; the buffers must hold at least MaxSamples entries.
func (a *APU) GetAudioData(outLeft, outRight []byte) int {
	n := a.idx
	copy(outLeft, a.left[:n])
	copy(outRight, a.right[:n])
	a.idx = 0
	return n
}

// Buffered returns the number of samples currently in the ring.
func (a *APU) Buffered() int { return a.idx }

// --- register access ---

func (a *APU) CPURead(addr uint16) byte {
	switch addr {
	case 0xFF10:
		return 0x80 | a.ch1Sweep
	case 0xFF11:
		return 0x3F | a.ch1LenDuty
	case 0xFF12:
		return a.ch1Env
	case 0xFF14:
		return 0xBF | a.ch1PerHi
	case 0xFF16:
		return 0x3F | a.ch2LenDuty
	case 0xFF17:
		return a.ch2Env
	case 0xFF19:
		return 0xBF | a.ch2PerHi
	case 0xFF1A:
		return 0x7F | a.ch3DacEn
	case 0xFF1C:
		return 0x9F | a.ch3Lvl
	case 0xFF1E:
		return 0xBF | a.ch3PerHi
	case 0xFF21:
		return a.ch4Env
	case 0xFF22:
		return a.ch4Freq
	case 0xFF23:
		return 0xBF | a.ch4Ctrl()
	case 0xFF24:
		return a.nr50
	case 0xFF25:
		return a.nr51
	case 0xFF26:
		var v byte = 0x70
		if a.power {
			v |= 0x80
		}
		if a.ch1.running {
			v |= 0x01
		}
		if a.ch2.running {
			v |= 0x02
		}
		if a.ch3.running {
			v |= 0x04
		}
		if a.ch4.running {
			v |= 0x08
		}
		return v
	case 0xFF76: // PCM12
		return a.ch1.output&0x0F | a.ch2.output<<4
	case 0xFF77: // PCM34
		return a.ch3.output&0x0F | a.ch4.output<<4
	default:
		if addr >= 0xFF30 && addr <= 0xFF3F {
			return a.waveRAM[addr&0x0F]
		}
		// write-only or reserved
		return 0xFF
	}
}

func (a *APU) ch4Ctrl() byte {
	if a.ch4.lengthEnable {
		return 0x40
	}
	return 0
}

func (a *APU) CPUWrite(addr uint16, val byte) {
	switch addr {
	case 0xFF10:
		a.ch1Sweep = val
	case 0xFF11:
		a.ch1LenDuty = val
		a.ch1.dcPattern = dutyPatterns[val>>6&0x03]
		a.ch1.length = uint16(val & 0x3F)
	case 0xFF12:
		a.ch1Env = val
		if dacOff(val) {
			a.ch1.running = false
		}
	case 0xFF13:
		a.ch1PerLo = val
	case 0xFF14:
		a.ch1PerHi = val
		a.ch1.lengthEnable = val&0x40 != 0
		if val&0x80 != 0 {
			a.triggerCh1()
		}
	case 0xFF16:
		a.ch2LenDuty = val
		a.ch2.dcPattern = dutyPatterns[val>>6&0x03]
		a.ch2.length = uint16(val & 0x3F)
	case 0xFF17:
		a.ch2Env = val
		if dacOff(val) {
			a.ch2.running = false
		}
	case 0xFF18:
		a.ch2PerLo = val
	case 0xFF19:
		a.ch2PerHi = val
		a.ch2.lengthEnable = val&0x40 != 0
		if val&0x80 != 0 {
			a.triggerCh2()
		}
	case 0xFF1A:
		a.ch3DacEn = val
		a.ch3.dacEn = val&0x80 != 0
		if !a.ch3.dacEn {
			a.ch3.running = false
		}
	case 0xFF1B:
		a.ch3Len = val
		a.ch3.length = val
	case 0xFF1C:
		a.ch3Lvl = val
		// shift per output level: mute, 100%, 50%, 25%
		shiftLUT := [4]byte{4, 0, 1, 2}
		a.ch3.levelShift = shiftLUT[val>>5&0x03]
	case 0xFF1D:
		a.ch3PerLo = val
	case 0xFF1E:
		a.ch3PerHi = val
		a.ch3.lengthEnable = val&0x40 != 0
		if val&0x80 != 0 {
			a.triggerCh3()
		}
	case 0xFF20:
		a.ch4Len = val
		a.ch4.length = uint16(val & 0x3F)
	case 0xFF21:
		a.ch4Env = val
		if dacOff(val) {
			a.ch4.running = false
		}
	case 0xFF22:
		a.ch4Freq = val
		shift := val >> 4
		div := uint32(val & 0x07)
		if div == 0 {
			// divider 0 acts as 0.5
			a.ch4.lfsrPresc = lfsrBasePrescaler >> 1 << shift
		} else {
			a.ch4.lfsrPresc = lfsrBasePrescaler * div << shift
		}
		a.ch4.width7 = val&0x08 != 0
	case 0xFF23:
		a.ch4.lengthEnable = val&0x40 != 0
		if val&0x80 != 0 {
			a.triggerCh4()
		}
	case 0xFF24:
		a.nr50 = val
	case 0xFF25:
		a.nr51 = val
	case 0xFF26:
		a.power = val&0x80 != 0
	default:
		if addr >= 0xFF30 && addr <= 0xFF3F {
			// wave RAM is held by the channel while it plays
			if !a.ch3.running {
				a.waveRAM[addr&0x0F] = val
			}
		}
	}
}

// dacOff reports the "DAC disabled" register pattern: initial volume 0
// with a decreasing envelope.
func dacOff(env byte) bool { return env&0xF8 == 0 }

func (a *APU) triggerCh1() {
	ch := &a.ch1
	ch.running = true

	ch.sweepPace = a.ch1Sweep >> 4 & 0x07
	ch.sweepSub = a.ch1Sweep&0x08 != 0
	ch.sweepStep = a.ch1Sweep & 0x07
	ch.period = uint16(a.ch1PerLo) | uint16(a.ch1PerHi&0x07)<<8
	ch.volume = a.ch1Env >> 4
	ch.envInc = a.ch1Env&0x08 != 0
	ch.envPace = a.ch1Env & 0x07

	if ch.length == 0 {
		ch.length = uint16(a.ch1LenDuty & 0x3F)
		ch.lenPresc = 0
	}

	ch.periodCounter = ch.period
	ch.periodPresc = 0
	ch.sweepCnt = 0
	ch.sweepPresc = 0
	ch.envCnt = 0
	ch.envPresc = 0
	ch.dcBit = 0
	ch.waveHigh = false

	// a trigger that would immediately sweep out of range never starts
	if ch.sweepStep != 0 && !ch.sweepSub {
		if ch.period+ch.period>>ch.sweepStep >= periodOverflow {
			ch.running = false
		}
	}
	if ch.volume == 0 && !ch.envInc {
		ch.running = false
	}
}

func (a *APU) triggerCh2() {
	ch := &a.ch2
	ch.running = true

	ch.period = uint16(a.ch2PerLo) | uint16(a.ch2PerHi&0x07)<<8
	ch.volume = a.ch2Env >> 4
	ch.envInc = a.ch2Env&0x08 != 0
	ch.envPace = a.ch2Env & 0x07

	if ch.length == 0 {
		ch.length = uint16(a.ch2LenDuty & 0x3F)
		ch.lenPresc = 0
	}

	ch.periodCounter = ch.period
	ch.periodPresc = 0
	ch.envCnt = 0
	ch.envPresc = 0
	ch.dcBit = 0
	ch.waveHigh = false

	// CH2 never sweeps
	ch.sweepSub = true
	ch.sweepPace = 0

	if ch.volume == 0 && !ch.envInc {
		ch.running = false
	}
}

func (a *APU) triggerCh3() {
	ch := &a.ch3
	ch.running = true

	ch.period = uint16(a.ch3PerLo) | uint16(a.ch3PerHi&0x07)<<8
	if ch.length == 0 {
		ch.length = a.ch3Len
		ch.lenPresc = 0
	}

	ch.periodCounter = ch.period
	ch.periodPresc = 0
	ch.sampleSel = 1 // hardware quirk: playback starts at sample 1

	if !ch.dacEn {
		ch.running = false
	}
}

func (a *APU) triggerCh4() {
	ch := &a.ch4
	ch.running = true

	ch.volume = a.ch4Env >> 4
	ch.envInc = a.ch4Env&0x08 != 0
	ch.envPace = a.ch4Env & 0x07

	if ch.length == 0 {
		ch.length = uint16(a.ch4Len & 0x3F)
		ch.lenPresc = 0
	}

	ch.envCnt = 0
	ch.envPresc = 0
	ch.lfsr = 0
	ch.lfsrCnt = 0

	if ch.volume == 0 && !ch.envInc {
		ch.running = false
	}
}

// ChannelRunning reports the running flag of channel n (1..4).
func (a *APU) ChannelRunning(n int) bool {
	switch n {
	case 1:
		return a.ch1.running
	case 2:
		return a.ch2.running
	case 3:
		return a.ch3.running
	case 4:
		return a.ch4.running
	}
	return false
}

// --- snapshotting ---

type apuState struct {
	Power      bool
	Regs       [19]byte
	WaveRAM    [16]byte
	Ch1, Ch2   squareState
	Ch3        waveState
	Ch4        noiseState
	LastDivBit bool
	Sampling   byte
	CapL, CapR int64
}

type squareState struct {
	Running                    bool
	DCPattern, DCBit           byte
	WaveHigh                   bool
	Period, PeriodCounter      uint16
	PeriodPresc                byte
	Volume                     byte
	EnvInc                     bool
	EnvPace, EnvCnt, EnvPresc  byte
	LengthEnable               bool
	Length                     uint16
	LenPresc                   byte
	SweepPace                  byte
	SweepSub                   bool
	SweepStep, SweepCnt        byte
	SweepPresc                 byte
}

type waveState struct {
	Running, DacEn        bool
	Period, PeriodCounter uint16
	PeriodPresc           byte
	Sample, SampleSel     byte
	LevelShift            byte
	LengthEnable          bool
	Length, LenPresc      byte
}

type noiseState struct {
	Running                   bool
	LFSR                      uint16
	Width7                    bool
	LFSRPresc, LFSRCnt        uint32
	Volume                    byte
	EnvInc                    bool
	EnvPace, EnvCnt, EnvPresc byte
	LengthEnable              bool
	Length                    uint16
	LenPresc                  byte
}

func (a *APU) regShadow() [19]byte {
	return [19]byte{
		a.ch1Sweep, a.ch1LenDuty, a.ch1Env, a.ch1PerLo, a.ch1PerHi,
		a.ch2LenDuty, a.ch2Env, a.ch2PerLo, a.ch2PerHi,
		a.ch3DacEn, a.ch3Len, a.ch3Lvl, a.ch3PerLo, a.ch3PerHi,
		a.ch4Len, a.ch4Env, a.ch4Freq,
		a.nr50, a.nr51,
	}
}

func (a *APU) setRegShadow(r [19]byte) {
	a.ch1Sweep, a.ch1LenDuty, a.ch1Env, a.ch1PerLo, a.ch1PerHi = r[0], r[1], r[2], r[3], r[4]
	a.ch2LenDuty, a.ch2Env, a.ch2PerLo, a.ch2PerHi = r[5], r[6], r[7], r[8]
	a.ch3DacEn, a.ch3Len, a.ch3Lvl, a.ch3PerLo, a.ch3PerHi = r[9], r[10], r[11], r[12], r[13]
	a.ch4Len, a.ch4Env, a.ch4Freq = r[14], r[15], r[16]
	a.nr50, a.nr51 = r[17], r[18]
}

func (a *APU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(apuState{
		Power: a.power, Regs: a.regShadow(), WaveRAM: a.waveRAM,
		Ch1: saveSquare(&a.ch1), Ch2: saveSquare(&a.ch2),
		Ch3: waveState{
			Running: a.ch3.running, DacEn: a.ch3.dacEn,
			Period: a.ch3.period, PeriodCounter: a.ch3.periodCounter, PeriodPresc: a.ch3.periodPresc,
			Sample: a.ch3.sample, SampleSel: a.ch3.sampleSel, LevelShift: a.ch3.levelShift,
			LengthEnable: a.ch3.lengthEnable, Length: a.ch3.length, LenPresc: a.ch3.lenPresc,
		},
		Ch4: noiseState{
			Running: a.ch4.running, LFSR: a.ch4.lfsr, Width7: a.ch4.width7,
			LFSRPresc: a.ch4.lfsrPresc, LFSRCnt: a.ch4.lfsrCnt,
			Volume: a.ch4.volume, EnvInc: a.ch4.envInc,
			EnvPace: a.ch4.envPace, EnvCnt: a.ch4.envCnt, EnvPresc: a.ch4.envPresc,
			LengthEnable: a.ch4.lengthEnable, Length: a.ch4.length, LenPresc: a.ch4.lenPresc,
		},
		LastDivBit: a.lastDivBit, Sampling: a.sampling, CapL: a.capL, CapR: a.capR,
	})
	return buf.Bytes()
}

func saveSquare(ch *squareChannel) squareState {
	return squareState{
		Running: ch.running, DCPattern: ch.dcPattern, DCBit: ch.dcBit, WaveHigh: ch.waveHigh,
		Period: ch.period, PeriodCounter: ch.periodCounter, PeriodPresc: ch.periodPresc,
		Volume: ch.volume, EnvInc: ch.envInc,
		EnvPace: ch.envPace, EnvCnt: ch.envCnt, EnvPresc: ch.envPresc,
		LengthEnable: ch.lengthEnable, Length: ch.length, LenPresc: ch.lenPresc,
		SweepPace: ch.sweepPace, SweepSub: ch.sweepSub, SweepStep: ch.sweepStep,
		SweepCnt: ch.sweepCnt, SweepPresc: ch.sweepPresc,
	}
}

func loadSquare(ch *squareChannel, s squareState) {
	ch.running, ch.dcPattern, ch.dcBit, ch.waveHigh = s.Running, s.DCPattern, s.DCBit, s.WaveHigh
	ch.period, ch.periodCounter, ch.periodPresc = s.Period, s.PeriodCounter, s.PeriodPresc
	ch.volume, ch.envInc = s.Volume, s.EnvInc
	ch.envPace, ch.envCnt, ch.envPresc = s.EnvPace, s.EnvCnt, s.EnvPresc
	ch.lengthEnable, ch.length, ch.lenPresc = s.LengthEnable, s.Length, s.LenPresc
	ch.sweepPace, ch.sweepSub, ch.sweepStep = s.SweepPace, s.SweepSub, s.SweepStep
	ch.sweepCnt, ch.sweepPresc = s.SweepCnt, s.SweepPresc
}

func (a *APU) LoadState(data []byte) {
	var s apuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	a.power = s.Power
	a.setRegShadow(s.Regs)
	a.waveRAM = s.WaveRAM
	loadSquare(&a.ch1, s.Ch1)
	loadSquare(&a.ch2, s.Ch2)
	a.ch3.running, a.ch3.dacEn = s.Ch3.Running, s.Ch3.DacEn
	a.ch3.period, a.ch3.periodCounter, a.ch3.periodPresc = s.Ch3.Period, s.Ch3.PeriodCounter, s.Ch3.PeriodPresc
	a.ch3.sample, a.ch3.sampleSel, a.ch3.levelShift = s.Ch3.Sample, s.Ch3.SampleSel, s.Ch3.LevelShift
	a.ch3.lengthEnable, a.ch3.length, a.ch3.lenPresc = s.Ch3.LengthEnable, s.Ch3.Length, s.Ch3.LenPresc
	a.ch4.running, a.ch4.lfsr, a.ch4.width7 = s.Ch4.Running, s.Ch4.LFSR, s.Ch4.Width7
	a.ch4.lfsrPresc, a.ch4.lfsrCnt = s.Ch4.LFSRPresc, s.Ch4.LFSRCnt
	a.ch4.volume, a.ch4.envInc = s.Ch4.Volume, s.Ch4.EnvInc
	a.ch4.envPace, a.ch4.envCnt, a.ch4.envPresc = s.Ch4.EnvPace, s.Ch4.EnvCnt, s.Ch4.EnvPresc
	a.ch4.lengthEnable, a.ch4.length, a.ch4.lenPresc = s.Ch4.LengthEnable, s.Ch4.Length, s.Ch4.LenPresc
	a.lastDivBit, a.sampling, a.capL, a.capR = s.LastDivBit, s.Sampling, s.CapL, s.CapR
}
