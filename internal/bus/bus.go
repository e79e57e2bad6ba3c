package bus

import (
	"bytes"
	"encoding/gob"
	"io"
	"log"

	"github.com/phiral/gbcemu/internal/apu"
	"github.com/phiral/gbcemu/internal/cart"
	"github.com/phiral/gbcemu/internal/ppu"
	"github.com/phiral/gbcemu/internal/timer"
)

// IRQ bits in IF/IE.
const (
	IRQVBlank = 1 << 0
	IRQStat   = 1 << 1
	IRQTimer  = 1 << 2
	IRQSerial = 1 << 3
	IRQJoypad = 1 << 4
)

// Joypad input bits, as delivered by the host snapshot callback.
const (
	JoypA = 1 << iota
	JoypB
	JoypSelectBtn
	JoypStart
	JoypRight
	JoypLeft
	JoypUp
	JoypDown
)

// KEY1 bits.
const (
	key1SwitchArmed  = 1 << 0
	key1CurrentSpeed = 1 << 7
)

// CPULike is what the bus drives each master tick and stalls for DMA.
type CPULike interface {
	Tick()
	Stall(n int)
}

// oamDMA is the 0xFF46 sprite-table copy engine: one byte every 4
// master cycles for offsets 0..159.
type oamDMA struct {
	Src    byte // source page
	Offset byte // 0..159
	Presc  byte // 4-cycle prescaler
	Active bool
}

// vramDMA is the CGB 0xFF51-0xFF55 engine, either one immediate
// general-purpose copy or 16-byte chunks on each HBlank.
type vramDMA struct {
	Src       uint16
	Dst       uint16
	Remaining uint16
	HBlank    bool
	Active    bool
}

// Bus is the address-decoded memory fabric. It owns WRAM, HRAM, the
// interrupt flags, KEY1/SVBK, the joypad and serial stubs, and the two
// DMA engines, and fans the master tick out to every subsystem in a
// fixed order.
type Bus struct {
	crt cart.Cartridge

	wram [8][0x1000]byte
	hram [127]byte

	ifReg byte
	ieReg byte

	key1 byte
	svbk byte // WRAM bank select, 1..7 (0 remaps to 1)

	joypSelect byte // JOYP bits 4-5 as written
	joypLast   byte // last sampled input, for IRQ edge detection

	sb, sc       byte
	serialWriter io.Writer

	oam  oamDMA
	vdma vramDMA

	dmgMode  bool
	cartType byte

	cpu CPULike
	tmr *timer.Timer
	gpu *ppu.PPU
	snd *apu.APU

	// emulator speed in [10,20] (100%..200%); the APU is throttled
	// against it to keep native pitch
	speedFn func() int
	apuAcc  int

	inputFn func() byte

	debugLog bool
}

// New wires a bus around a loaded cartridge. The interrupt lines of the
// timer and PPU, and the APU's wait-for-collection handshake, are
// connected here.
func New(crt cart.Cartridge, hdr *cart.Header, waitForCollection func()) *Bus {
	b := &Bus{
		crt:  crt,
		svbk: 1,
	}
	if hdr != nil {
		b.cartType = hdr.CartType
		b.dmgMode = !hdr.CGB()
	}
	b.tmr = timer.New(func() { b.SetIRQ(IRQTimer) })
	b.gpu = ppu.New(func(bit int) {
		if bit == 0 {
			b.SetIRQ(IRQVBlank)
		} else {
			b.SetIRQ(IRQStat)
		}
	})
	b.gpu.SetHBlankCallback(b.hblankCallback)
	b.gpu.SetCGBMode(!b.dmgMode)
	b.snd = apu.New(waitForCollection)
	return b
}

// AttachCPU connects the CPU after construction (it needs the bus to
// be built first).
func (b *Bus) AttachCPU(c CPULike) { b.cpu = c }

// SetInputFunc installs the host input-snapshot callback.
func (b *Bus) SetInputFunc(fn func() byte) { b.inputFn = fn }

// SetSpeedFunc installs the host speed override, an integer in [10,20]
// meaning 100%..200% of original speed.
func (b *Bus) SetSpeedFunc(fn func() int) { b.speedFn = fn }

// SetSerialWriter connects an io.Writer that receives bytes written to
// the serial port; useful for test ROMs that report over serial.
func (b *Bus) SetSerialWriter(w io.Writer) { b.serialWriter = w }

// SetDebugLog enables diagnostics for prohibited accesses.
func (b *Bus) SetDebugLog(on bool) { b.debugLog = on }

// DMGMode reports whether the bus runs with DMG semantics.
func (b *Bus) DMGMode() bool { return b.dmgMode }

// Component accessors.
func (b *Bus) PPU() *ppu.PPU       { return b.gpu }
func (b *Bus) APU() *apu.APU       { return b.snd }
func (b *Bus) Timer() *timer.Timer { return b.tmr }
func (b *Bus) Cart() cart.Cartridge { return b.crt }

// DoubleSpeed reports the KEY1 current-speed bit.
func (b *Bus) DoubleSpeed() bool { return b.key1&key1CurrentSpeed != 0 }

// SetIRQ ORs mask into IF.
func (b *Bus) SetIRQ(mask byte) { b.ifReg |= mask & 0x1F }

func (b *Bus) speed() int {
	if b.speedFn == nil {
		return 10
	}
	s := b.speedFn()
	if s < 10 {
		s = 10
	} else if s > 20 {
		s = 20
	}
	return s
}

// Tick advances the machine by one master cycle. In double speed the
// CPU, timer and OAM DMA run twice; the PPU always runs one dot; the
// APU is throttled so its pitch tracks real time regardless of the
// emulator speed override.
func (b *Bus) Tick() {
	times := 1
	if b.DoubleSpeed() {
		times = 2
	}
	for i := 0; i < times; i++ {
		if b.cpu != nil {
			b.cpu.Tick()
		}
		b.tmr.Tick()
		b.tickOAMDMA()
	}
	b.gpu.Tick()

	b.apuAcc += 10
	if sp := b.speed(); b.apuAcc >= sp {
		b.apuAcc -= sp
		b.snd.Tick(b.tmr.DivBit5())
	}
}

// StopSwitch is the CPU's STOP callback: with KEY1 armed it toggles the
// speed and resumes, otherwise the STOP stands.
func (b *Bus) StopSwitch() bool {
	if b.key1&key1SwitchArmed != 0 {
		b.key1 = (b.key1 ^ key1CurrentSpeed) &^ key1SwitchArmed
		return true
	}
	return false
}

// --- DMA engines ---

func (b *Bus) startOAMDMA(src byte) {
	// sources above 0xDF fold back into the WRAM echo
	if src >= 0xE0 {
		src -= 0x20
	}
	b.oam = oamDMA{Src: src, Active: true}
}

func (b *Bus) tickOAMDMA() {
	if !b.oam.Active {
		return
	}
	b.oam.Presc = (b.oam.Presc + 1) & 3
	if b.oam.Presc != 0 {
		return
	}
	v := b.Read(uint16(b.oam.Src)<<8 | uint16(b.oam.Offset))
	b.gpu.CPUWrite(0xFE00|uint16(b.oam.Offset), v)
	b.oam.Offset++
	if b.oam.Offset >= 160 {
		b.oam.Active = false
	}
}

func (b *Bus) writeHDMAControl(val byte) {
	if b.vdma.Active && b.vdma.HBlank && val&0x80 == 0 {
		// clearing bit 7 mid-transfer cancels an HBlank DMA
		b.vdma.Active = false
		return
	}
	length := (uint16(val&0x7F) + 1) * 16
	b.vdma.Remaining = length
	b.vdma.HBlank = val&0x80 != 0
	if b.vdma.HBlank {
		b.vdma.Active = true
		return
	}
	// general purpose: the whole block copies within this write and the
	// CPU pays for it afterwards
	for b.vdma.Remaining > 0 {
		b.copyVRAMChunk()
	}
	b.vdma.Active = false
	stall := 8 * int(length/16)
	if b.DoubleSpeed() {
		stall *= 2
	}
	if b.cpu != nil {
		b.cpu.Stall(stall)
	}
}

// copyVRAMChunk moves 16 bytes and advances the cursors.
func (b *Bus) copyVRAMChunk() {
	for i := 0; i < 16; i++ {
		b.gpu.CPUWrite(b.vdma.Dst, b.Read(b.vdma.Src))
		b.vdma.Src++
		b.vdma.Dst = 0x8000 | (b.vdma.Dst+1)&0x1FFF
	}
	b.vdma.Remaining -= 16
}

// hblankCallback runs on each PPU mode-0 entry.
func (b *Bus) hblankCallback() {
	if !b.vdma.Active || !b.vdma.HBlank {
		return
	}
	b.copyVRAMChunk()
	stall := 32
	if b.DoubleSpeed() {
		stall *= 2
	}
	if b.cpu != nil {
		b.cpu.Stall(stall)
	}
	if b.vdma.Remaining == 0 {
		b.vdma.Active = false
	}
}

func (b *Bus) readHDMAStatus() byte {
	if b.vdma.Active {
		return 0x80 | byte(b.vdma.Remaining/16-1)
	}
	return 0x00
}

// --- joypad ---

func (b *Bus) readJoypad() byte {
	var input byte
	if b.inputFn != nil {
		input = b.inputFn()
	}
	// joypad interrupt on fresh presses
	if newly := input &^ b.joypLast; newly != 0 {
		b.SetIRQ(IRQJoypad)
	}
	b.joypLast = input

	v := 0xC0 | b.joypSelect | 0x0F
	if b.joypSelect&0x10 == 0 { // d-pad group
		v &^= input >> 4 & 0x0F
	}
	if b.joypSelect&0x20 == 0 { // button group
		v &^= input & 0x0F
	}
	return v
}

// --- address decode ---

func (b *Bus) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		return b.crt.Read(addr)
	case addr < 0xA000:
		return b.gpu.CPURead(addr)
	case addr < 0xC000:
		return b.crt.Read(addr)
	case addr < 0xD000:
		return b.wram[0][addr-0xC000]
	case addr < 0xE000:
		return b.wram[b.svbk][addr-0xD000]
	case addr < 0xFE00:
		// echo of 0xC000-0xDDFF
		return b.Read(addr - 0x2000)
	case addr < 0xFEA0:
		return b.gpu.CPURead(addr)
	case addr < 0xFF00:
		if b.debugLog {
			log.Printf("bus: prohibited read at %#04x", addr)
		}
		return 0xFF
	case addr < 0xFF80:
		return b.readIO(addr)
	case addr < 0xFFFF:
		return b.hram[addr-0xFF80]
	default:
		return b.ieReg
	}
}

func (b *Bus) Write(addr uint16, val byte) {
	switch {
	case addr < 0x8000:
		b.crt.Write(addr, val)
	case addr < 0xA000:
		b.gpu.CPUWrite(addr, val)
	case addr < 0xC000:
		b.crt.Write(addr, val)
	case addr < 0xD000:
		b.wram[0][addr-0xC000] = val
	case addr < 0xE000:
		b.wram[b.svbk][addr-0xD000] = val
	case addr < 0xFE00:
		b.Write(addr-0x2000, val)
	case addr < 0xFEA0:
		b.gpu.CPUWrite(addr, val)
	case addr < 0xFF00:
		if b.debugLog {
			log.Printf("bus: prohibited write of %#02x at %#04x", val, addr)
		}
	case addr < 0xFF80:
		b.writeIO(addr, val)
	case addr < 0xFFFF:
		b.hram[addr-0xFF80] = val
	default:
		b.ieReg = val
	}
}

func (b *Bus) readIO(addr uint16) byte {
	switch {
	case addr == 0xFF00:
		return b.readJoypad()
	case addr == 0xFF01:
		return b.sb
	case addr == 0xFF02:
		return 0x7E | b.sc
	case addr >= 0xFF04 && addr <= 0xFF07:
		return b.tmr.Read(addr)
	case addr == 0xFF0F:
		return 0xE0 | b.ifReg
	case addr >= 0xFF10 && addr <= 0xFF3F:
		return b.snd.CPURead(addr)
	case addr == 0xFF46:
		return b.oam.Src
	case addr >= 0xFF40 && addr <= 0xFF4B:
		return b.gpu.CPURead(addr)
	case addr == 0xFF4D:
		return 0x7E | b.key1
	case addr == 0xFF4F:
		return b.gpu.CPURead(addr)
	case addr >= 0xFF51 && addr <= 0xFF54:
		return 0xFF
	case addr == 0xFF55:
		return b.readHDMAStatus()
	case addr >= 0xFF68 && addr <= 0xFF6C:
		return b.gpu.CPURead(addr)
	case addr == 0xFF70:
		return 0xF8 | b.svbk
	case addr == 0xFF76 || addr == 0xFF77:
		return b.snd.CPURead(addr)
	default:
		return 0xFF
	}
}

func (b *Bus) writeIO(addr uint16, val byte) {
	switch {
	case addr == 0xFF00:
		b.joypSelect = val & 0x30
	case addr == 0xFF01:
		b.sb = val
	case addr == 0xFF02:
		b.sc = val
		if val&0x80 != 0 {
			if b.serialWriter != nil {
				b.serialWriter.Write([]byte{b.sb})
			}
			// no link partner: the shifted-in byte is all ones
			b.sb = 0xFF
			b.sc &^= 0x80
			b.SetIRQ(IRQSerial)
		}
	case addr >= 0xFF04 && addr <= 0xFF07:
		b.tmr.Write(addr, val)
	case addr == 0xFF0F:
		b.ifReg = val & 0x1F
	case addr >= 0xFF10 && addr <= 0xFF3F:
		b.snd.CPUWrite(addr, val)
	case addr == 0xFF46:
		b.startOAMDMA(val)
	case addr >= 0xFF40 && addr <= 0xFF4B:
		b.gpu.CPUWrite(addr, val)
	case addr == 0xFF4D:
		b.key1 = b.key1&^key1SwitchArmed | val&key1SwitchArmed
	case addr == 0xFF4F:
		b.gpu.CPUWrite(addr, val)
	case addr == 0xFF51:
		b.vdma.Src = b.vdma.Src&0x00FF | uint16(val)<<8
	case addr == 0xFF52:
		b.vdma.Src = b.vdma.Src&0xFF00 | uint16(val&0xF0)
	case addr == 0xFF53:
		// top 3 destination bits are hardwired to 0b100
		b.vdma.Dst = b.vdma.Dst&0x00FF | 0x8000 | uint16(val&0x1F)<<8
	case addr == 0xFF54:
		b.vdma.Dst = b.vdma.Dst&0xFF00 | uint16(val&0xF0)
	case addr == 0xFF55:
		b.writeHDMAControl(val)
	case addr >= 0xFF68 && addr <= 0xFF6C:
		b.gpu.CPUWrite(addr, val)
	case addr == 0xFF70:
		b.svbk = val & 0x07
		if b.svbk == 0 {
			b.svbk = 1
		}
	default:
		if b.debugLog {
			log.Printf("bus: unhandled IO write of %#02x at %#04x", val, addr)
		}
	}
}

// --- snapshotting ---

type busState struct {
	WRAM       [8][0x1000]byte
	HRAM       [127]byte
	IF, IE     byte
	KEY1, SVBK byte
	JoypSelect byte
	SB, SC     byte
	OAMDMA     oamDMA
	VRAMDMA    vramDMA
	APUAcc     int
	Cart       []byte
}

func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(busState{
		WRAM: b.wram, HRAM: b.hram,
		IF: b.ifReg, IE: b.ieReg, KEY1: b.key1, SVBK: b.svbk,
		JoypSelect: b.joypSelect, SB: b.sb, SC: b.sc,
		OAMDMA: b.oam, VRAMDMA: b.vdma, APUAcc: b.apuAcc,
		Cart: b.crt.SaveState(),
	})
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	var s busState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	b.wram, b.hram = s.WRAM, s.HRAM
	b.ifReg, b.ieReg, b.key1, b.svbk = s.IF, s.IE, s.KEY1, s.SVBK
	if b.svbk == 0 {
		b.svbk = 1
	}
	b.joypSelect, b.sb, b.sc = s.JoypSelect, s.SB, s.SC
	b.oam, b.vdma, b.apuAcc = s.OAMDMA, s.VRAMDMA, s.APUAcc
	b.crt.LoadState(s.Cart)
}
