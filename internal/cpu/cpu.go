package cpu

import (
	"bytes"
	"encoding/gob"
)

// Bus is the memory fabric the CPU fetches and stores through.
type Bus interface {
	Read(addr uint16) byte
	Write(addr uint16, v byte)
}

// CPU is a Sharp SM83 interpreter. One instruction (or one interrupt
// service) executes per Step; Tick spreads the cost over master cycles
// so the bus can interleave the other subsystems.
type CPU struct {
	// 8-bit registers
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	SP uint16
	PC uint16

	IME     bool
	halted  bool
	stopped bool
	// EI enables IME after the following instruction
	eiPending bool
	// HALT with IME=0 and a pending interrupt skips the PC increment
	// on the next fetch
	haltBug bool

	// cycle bookkeeping
	cycleCnt uint64 // cumulative master cycles
	pending  int    // T-states left of the current instruction
	stall    int    // T-states the bus parked us for (VRAM DMA)

	bus Bus

	// stopHandler is invoked on STOP; it returns true when the STOP
	// was consumed by a speed switch and execution should continue.
	stopHandler func() bool
}

// New creates a CPU attached to the given bus.
func New(b Bus) *CPU {
	return &CPU{bus: b, SP: 0xFFFE, PC: 0x0000}
}

// SetStopHandler installs the bus's STOP callback (speed switching).
func (c *CPU) SetStopHandler(h func() bool) { c.stopHandler = h }

// SetPC allows tests or a boot stub to set the program counter.
func (c *CPU) SetPC(pc uint16) { c.PC = pc }

// Stopped reports whether the CPU has executed STOP without a pending
// speed switch.
func (c *CPU) Stopped() bool { return c.stopped }

// CycleCount returns the cumulative master-cycle counter.
func (c *CPU) CycleCount() uint64 { return c.cycleCnt }

// Stall parks the CPU for n T-states; used by the VRAM DMA engines.
func (c *CPU) Stall(n int) { c.stall += n }

// ResetNoBoot sets registers to typical DMG post-boot state.
func (c *CPU) ResetNoBoot() {
	c.A, c.F = 0x01, 0xB0
	c.B, c.C = 0x00, 0x13
	c.D, c.E = 0x00, 0xD8
	c.H, c.L = 0x01, 0x4D
	c.SP = 0xFFFE
	c.IME = false
	c.halted = false
	c.stopped = false
	c.eiPending = false
	c.haltBug = false
	c.pending = 0
	c.stall = 0
}

// Flag bits in F.
const (
	flagZ byte = 1 << 7
	flagN byte = 1 << 6
	flagH byte = 1 << 5
	flagC byte = 1 << 4
)

func (c *CPU) setZNHC(z, n, h, carry bool) {
	var f byte
	if z {
		f |= flagZ
	}
	if n {
		f |= flagN
	}
	if h {
		f |= flagH
	}
	if carry {
		f |= flagC
	}
	c.F = f
}

// Tick advances the CPU by one master cycle. A running instruction is
// paid off one T-state at a time; a stalled CPU just burns the cycle.
func (c *CPU) Tick() {
	c.cycleCnt++
	if c.stall > 0 {
		c.stall--
		return
	}
	if c.pending > 0 {
		c.pending--
		return
	}
	n := c.Step()
	if n > 0 {
		c.pending = n - 1
	}
}

// --- 8-bit ALU helpers ---

func (c *CPU) add8(a, b byte) (res byte, z, n, h, cy bool) {
	r := uint16(a) + uint16(b)
	res = byte(r)
	z = res == 0
	n = false
	h = ((a & 0x0F) + (b & 0x0F)) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) adc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := uint16(a) + uint16(b) + uint16(ci)
	res = byte(r)
	z = res == 0
	n = false
	h = ((a & 0x0F) + (b & 0x0F) + ci) > 0x0F
	cy = r > 0xFF
	return
}

func (c *CPU) sub8(a, b byte) (res byte, z, n, h, cy bool) {
	r := int16(a) - int16(b)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < (b & 0x0F)
	cy = int16(a) < int16(b)
	return
}

func (c *CPU) sbc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := int16(a) - int16(b) - int16(ci)
	res = byte(r)
	z = res == 0
	n = true
	h = (a & 0x0F) < ((b & 0x0F) + ci)
	cy = int16(a) < int16(b)+int16(ci)
	return
}

// --- memory helpers ---

func (c *CPU) read8(addr uint16) byte     { return c.bus.Read(addr) }
func (c *CPU) write8(addr uint16, v byte) { c.bus.Write(addr, v) }

func (c *CPU) fetch8() byte {
	b := c.read8(c.PC)
	if c.haltBug {
		c.haltBug = false
	} else {
		c.PC++
	}
	return b
}

func (c *CPU) fetch16() uint16 {
	lo := uint16(c.fetch8())
	hi := uint16(c.fetch8())
	return lo | (hi << 8)
}

func (c *CPU) read16(addr uint16) uint16 {
	lo := uint16(c.read8(addr))
	hi := uint16(c.read8(addr + 1))
	return lo | (hi << 8)
}

func (c *CPU) write16(addr uint16, v uint16) {
	c.write8(addr, byte(v))
	c.write8(addr+1, byte(v>>8))
}

// --- 16-bit register pair views ---

func (c *CPU) getAF() uint16  { return uint16(c.A)<<8 | uint16(c.F&0xF0) }
func (c *CPU) setAF(v uint16) { c.A = byte(v >> 8); c.F = byte(v) & 0xF0 }
func (c *CPU) getBC() uint16  { return uint16(c.B)<<8 | uint16(c.C) }
func (c *CPU) setBC(v uint16) { c.B = byte(v >> 8); c.C = byte(v) }
func (c *CPU) getDE() uint16  { return uint16(c.D)<<8 | uint16(c.E) }
func (c *CPU) setDE(v uint16) { c.D = byte(v >> 8); c.E = byte(v) }
func (c *CPU) getHL() uint16  { return uint16(c.H)<<8 | uint16(c.L) }
func (c *CPU) setHL(v uint16) { c.H = byte(v >> 8); c.L = byte(v) }

func (c *CPU) push16(v uint16) {
	c.SP -= 2
	c.write16(c.SP, v)
}

func (c *CPU) pop16() uint16 {
	v := c.read16(c.SP)
	c.SP += 2
	return v
}

// getReg reads the 8-bit register selected by a 3-bit opcode field;
// index 6 is the (HL) indirect slot.
func (c *CPU) getReg(idx byte) byte {
	switch idx & 7 {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return c.read8(c.getHL())
	default:
		return c.A
	}
}

func (c *CPU) setReg(idx byte, v byte) {
	switch idx & 7 {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		c.write8(c.getHL(), v)
	default:
		c.A = v
	}
}

// getPair / setPair select the 16-bit pair from opcode bits 4-5.
func (c *CPU) getPair(idx byte) uint16 {
	switch idx & 3 {
	case 0:
		return c.getBC()
	case 1:
		return c.getDE()
	case 2:
		return c.getHL()
	default:
		return c.SP
	}
}

func (c *CPU) setPair(idx byte, v uint16) {
	switch idx & 3 {
	case 0:
		c.setBC(v)
	case 1:
		c.setDE(v)
	case 2:
		c.setHL(v)
	default:
		c.SP = v
	}
}

// cond evaluates the condition selected by opcode bits 3-4
// (NZ, Z, NC, C).
func (c *CPU) cond(idx byte) bool {
	switch idx & 3 {
	case 0:
		return c.F&flagZ == 0
	case 1:
		return c.F&flagZ != 0
	case 2:
		return c.F&flagC == 0
	default:
		return c.F&flagC != 0
	}
}

// --- interrupt dispatch ---

// serviceInterrupt performs one interrupt dispatch if IE&IF has a set
// bit: push PC, clear IME and the highest-priority flag, and jump to
// the matching vector. Returns the T-states consumed, 0 if none.
func (c *CPU) serviceInterrupt() int {
	ie := c.bus.Read(0xFFFF)
	ifReg := c.bus.Read(0xFF0F) & 0x1F
	pending := ie & ifReg
	if pending == 0 {
		return 0
	}
	// priority order: VBlank(0) < LCD STAT(1) < Timer(2) < Serial(3) < Joypad(4)
	var bit uint
	for bit = 0; bit < 5; bit++ {
		if pending&(1<<bit) != 0 {
			break
		}
	}
	c.bus.Write(0xFF0F, (ifReg&^(1<<bit))&0x1F)
	c.halted = false
	c.IME = false
	c.push16(c.PC)
	c.PC = 0x40 + uint16(bit)*8
	// 2 wait cycles + push + vector jump
	return 20
}

// Step executes one instruction or one interrupt service and returns
// the T-states consumed.
func (c *CPU) Step() (cycles int) {
	// EI arms eiPending during its own step; IME turns on only once
	// the following instruction has completed. A DI in that window
	// clears eiPending and cancels the enable.
	enabling := c.eiPending
	defer func() {
		if enabling && c.eiPending && cycles > 0 {
			c.IME = true
			c.eiPending = false
		}
	}()

	if c.halted {
		if c.IME {
			if cyc := c.serviceInterrupt(); cyc != 0 {
				return cyc
			}
			return 4
		}
		// wake on pending interrupt without servicing
		ifReg := c.bus.Read(0xFF0F) & 0x1F
		ie := c.bus.Read(0xFFFF)
		if ifReg&ie != 0 {
			c.halted = false
		} else {
			return 4
		}
	}

	if c.IME && !c.eiPending {
		if cyc := c.serviceInterrupt(); cyc != 0 {
			return cyc
		}
	}

	op := c.fetch8()
	return c.execute(op)
}

// --- snapshotting ---

type cpuState struct {
	A, F, B, C, D, E, H, L byte
	SP, PC                 uint16
	IME                    bool
	Halted                 bool
	Stopped                bool
	EIPending              bool
	HaltBug                bool
	CycleCnt               uint64
	Pending                int
	Stall                  int
}

func (c *CPU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(cpuState{
		A: c.A, F: c.F, B: c.B, C: c.C, D: c.D, E: c.E, H: c.H, L: c.L,
		SP: c.SP, PC: c.PC,
		IME: c.IME, Halted: c.halted, Stopped: c.stopped,
		EIPending: c.eiPending, HaltBug: c.haltBug,
		CycleCnt: c.cycleCnt, Pending: c.pending, Stall: c.stall,
	})
	return buf.Bytes()
}

func (c *CPU) LoadState(data []byte) {
	var s cpuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	c.A, c.F, c.B, c.C, c.D, c.E, c.H, c.L = s.A, s.F, s.B, s.C, s.D, s.E, s.H, s.L
	c.SP, c.PC = s.SP, s.PC
	c.IME, c.halted, c.stopped = s.IME, s.Halted, s.Stopped
	c.eiPending, c.haltBug = s.EIPending, s.HaltBug
	c.cycleCnt, c.pending, c.stall = s.CycleCnt, s.Pending, s.Stall
}
