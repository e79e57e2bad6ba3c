package emu

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/phiral/gbcemu/internal/apu"
	"github.com/phiral/gbcemu/internal/bus"
	"github.com/phiral/gbcemu/internal/cart"
	"github.com/phiral/gbcemu/internal/cpu"
	"github.com/phiral/gbcemu/internal/ppu"
)

// CyclesPerFrame is one full PPU frame in master cycles.
const CyclesPerFrame = 154 * 456

// Host bundles the callbacks the core needs from its embedder. A nil
// InputSnapshot, WaitForDataCollection, MonotonicMillis or GetSpeed
// falls back to a no-op default; with a nil WriteToSave or ReadFromSave,
// WriteSaveFile or LoadSaveFile returns an error.
type Host struct {
	// InputSnapshot returns the current joypad state (bus.Joyp* bits
	// set while pressed). Must not block.
	InputSnapshot func() byte
	// WaitForDataCollection blocks until the host has drained the
	// audio ring via GetAudioData.
	WaitForDataCollection func()
	// MonotonicMillis returns a monotonic millisecond clock.
	MonotonicMillis func() uint32
	// GetSpeed returns the emulation speed in [10,20] (100%..200%).
	GetSpeed func() int
	// WriteToSave / ReadFromSave persist tagged snapshot sections.
	// Sections are read back in the order they were written.
	WriteToSave  func(data []byte, tag string) error
	ReadFromSave func() ([]byte, error)
}

// Machine owns the full core: bus, CPU and the subsystems hanging off
// the bus. All mutation happens on the tick loop.
type Machine struct {
	cfg  Config
	host Host

	bus *bus.Bus
	cpu *cpu.CPU
	hdr *cart.Header

	romPath string
}

func New(cfg Config, host Host) *Machine {
	return &Machine{cfg: cfg, host: host}
}

// ErrNoCartridge is returned by operations that need a loaded ROM.
var ErrNoCartridge = errors.New("emu: no cartridge loaded")

// LoadCartridge reads a ROM from disk, validates it and initializes
// every subsystem.
func (m *Machine) LoadCartridge(path string) error {
	crt, hdr, err := cart.LoadFile(path)
	if err != nil {
		return err
	}
	m.romPath = path
	m.initMachine(crt, hdr)
	return nil
}

// LoadCartridgeData is LoadCartridge for an in-memory ROM image.
func (m *Machine) LoadCartridgeData(rom []byte) error {
	crt, hdr, err := cart.Load(rom)
	if err != nil {
		return err
	}
	m.initMachine(crt, hdr)
	return nil
}

func (m *Machine) initMachine(crt cart.Cartridge, hdr *cart.Header) {
	m.hdr = hdr
	b := bus.New(crt, hdr, m.host.WaitForDataCollection)
	b.SetInputFunc(m.host.InputSnapshot)
	b.SetSpeedFunc(m.host.GetSpeed)
	b.SetDebugLog(m.cfg.DebugBus)
	c := cpu.New(b)
	c.SetStopHandler(b.StopSwitch)
	b.AttachCPU(c)
	m.bus = b
	m.cpu = c
	m.reset()
}

// reset puts CPU and IO into post-boot state. CGB-capable carts see
// A=0x11 so they detect CGB hardware.
func (m *Machine) reset() {
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	if m.hdr.CGB() {
		m.cpu.A = 0x11
	}
	m.applyPostBootIO()
}

// applyPostBootIO seeds IO registers the way the boot ROM leaves them,
// so games can start from PC=0x0100 directly.
func (m *Machine) applyPostBootIO() {
	b := m.bus
	b.Write(0xFF00, 0xCF) // JOYP: bits 4-5 low, both groups selected
	b.Write(0xFF05, 0x00) // TIMA
	b.Write(0xFF06, 0x00) // TMA
	b.Write(0xFF07, 0x00) // TAC
	b.Write(0xFF40, 0x91) // LCDC: LCD+BG on, tile data 8000
	b.Write(0xFF42, 0x00) // SCY
	b.Write(0xFF43, 0x00) // SCX
	b.Write(0xFF45, 0x00) // LYC
	b.Write(0xFF47, 0xFC) // BGP
	b.Write(0xFF48, 0xFF) // OBP0
	b.Write(0xFF49, 0xFF) // OBP1
	b.Write(0xFF4A, 0x00) // WY
	b.Write(0xFF4B, 0x00) // WX
	b.Write(0xFFFF, 0x00) // IE
	b.Write(0xFF26, 0x80) // NR52 power
	b.Write(0xFF25, 0xF3) // NR51 routing
	b.Write(0xFF24, 0x77) // NR50 volume
}

// Bus and CPU accessors for tests and tools.
func (m *Machine) Bus() *bus.Bus { return m.bus }
func (m *Machine) CPU() *cpu.CPU { return m.cpu }

// ROMPath returns the path of the loaded ROM, if it came from disk.
func (m *Machine) ROMPath() string { return m.romPath }

// Header returns the parsed cartridge header.
func (m *Machine) Header() *cart.Header { return m.hdr }

// Run drives the tick loop until the CPU executes STOP (without a
// pending speed switch).
func (m *Machine) Run() error {
	if m.bus == nil {
		return ErrNoCartridge
	}
	var start uint32
	if m.host.MonotonicMillis != nil {
		start = m.host.MonotonicMillis()
	}
	for !m.cpu.Stopped() {
		m.bus.Tick()
	}
	if m.cfg.Trace && m.host.MonotonicMillis != nil {
		elapsed := m.host.MonotonicMillis() - start
		frames := m.cpu.CycleCount() / CyclesPerFrame
		log.Printf("emu: stopped after %d cycles (%d frames) in %dms",
			m.cpu.CycleCount(), frames, elapsed)
	}
	return nil
}

// StepFrame advances the machine until the PPU finishes the next frame
// (or two frames worth of cycles while the LCD is off).
func (m *Machine) StepFrame() {
	if m.bus == nil {
		return
	}
	p := m.bus.PPU()
	target := p.FrameCount() + 1
	for i := 0; i < 2*CyclesPerFrame; i++ {
		m.bus.Tick()
		if p.FrameCount() >= target || m.cpu.Stopped() {
			return
		}
	}
}

// Tick advances a single master cycle.
func (m *Machine) Tick() {
	if m.bus != nil {
		m.bus.Tick()
	}
}

// GetAudioData drains the APU sample ring into the given buffers and
// returns the number of samples per side. Buffers should hold
// apu.MaxSamples entries.
func (m *Machine) GetAudioData(outLeft, outRight []byte) int {
	if m.bus == nil {
		return 0
	}
	return m.bus.APU().GetAudioData(outLeft, outRight)
}

// GetVideoData copies the frame finished at the last VBlank. The
// destination must hold 160*144*4 bytes of RGBA.
func (m *Machine) GetVideoData(out []byte) {
	if m.bus == nil {
		return
	}
	copy(out, m.bus.PPU().ReadyFrame())
}

// FrameSize returns the RGBA frame dimensions.
func FrameSize() (w, h int) { return ppu.ScreenW, ppu.ScreenH }

// AudioRingSize returns the capacity of the audio ring per side.
func AudioRingSize() int { return apu.MaxSamples }

// --- save files ---

// Save-section tags, written and read back in this fixed order.
var saveTags = [5]string{"CPU", "BUS", "PPU", "APU", "TIM"}

// ErrSaveFormat is returned when a save file cannot be read back; the
// machine keeps its pre-call state in that case.
var ErrSaveFormat = errors.New("emu: malformed save data")

// WriteSaveFile snapshots every subsystem through the host callback.
func (m *Machine) WriteSaveFile() error {
	if m.bus == nil {
		return ErrNoCartridge
	}
	if m.host.WriteToSave == nil {
		return errors.New("emu: no save sink configured")
	}
	sections := [5][]byte{
		m.cpu.SaveState(),
		m.bus.SaveState(),
		m.bus.PPU().SaveState(),
		m.bus.APU().SaveState(),
		m.bus.Timer().SaveState(),
	}
	for i, data := range sections {
		if err := m.host.WriteToSave(data, saveTags[i]); err != nil {
			return fmt.Errorf("emu: write save section %s: %w", saveTags[i], err)
		}
	}
	return nil
}

// LoadSaveFile restores a snapshot written by WriteSaveFile. All
// sections are read before any state is touched, so a failed read or a
// missing section leaves the machine unchanged. Section payloads are not
// validated here: a subsystem that cannot decode its section keeps its
// own state while the other sections are still applied, and no error is
// returned for it.
func (m *Machine) LoadSaveFile() error {
	if m.bus == nil {
		return ErrNoCartridge
	}
	if m.host.ReadFromSave == nil {
		return errors.New("emu: no save source configured")
	}
	var sections [5][]byte
	for i := range sections {
		data, err := m.host.ReadFromSave()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrSaveFormat
			}
			return fmt.Errorf("%w: section %s: %v", ErrSaveFormat, saveTags[i], err)
		}
		sections[i] = data
	}
	m.cpu.LoadState(sections[0])
	m.bus.LoadState(sections[1])
	m.bus.PPU().LoadState(sections[2])
	m.bus.APU().LoadState(sections[3])
	m.bus.Timer().LoadState(sections[4])
	return nil
}

// --- battery RAM ---

// SaveBattery returns external cartridge RAM when the MBC is battery
// backed.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.bus == nil {
		return nil, false
	}
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		data := bb.SaveRAM()
		if len(data) == 0 {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

// LoadBattery restores external RAM bytes into the cartridge.
func (m *Machine) LoadBattery(data []byte) bool {
	if m.bus == nil {
		return false
	}
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		bb.LoadRAM(data)
		return true
	}
	return false
}

// SetSerialWriter forwards serial-port bytes to w (test ROM output).
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// LoadBatteryFile loads a .sav next to the ROM if present.
func (m *Machine) LoadBatteryFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if m.LoadBattery(data) {
		log.Printf("emu: loaded battery RAM from %s (%d bytes)", path, len(data))
	}
}

// SaveBatteryFile persists battery RAM next to the ROM.
func (m *Machine) SaveBatteryFile(path string) {
	data, ok := m.SaveBattery()
	if !ok {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err == nil {
		log.Printf("emu: wrote battery RAM to %s (%d bytes)", path, len(data))
	}
}
