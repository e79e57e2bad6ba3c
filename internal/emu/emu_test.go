package emu

import (
	"errors"
	"testing"

	"github.com/phiral/gbcemu/internal/cart"
)

// memSaveIO keeps tagged save sections in memory for round trips.
type memSaveIO struct {
	sections [][]byte
	tags     []string
	readIdx  int
}

func (s *memSaveIO) write(data []byte, tag string) error {
	s.sections = append(s.sections, append([]byte(nil), data...))
	s.tags = append(s.tags, tag)
	return nil
}

func (s *memSaveIO) read() ([]byte, error) {
	if s.readIdx >= len(s.sections) {
		return nil, errors.New("exhausted")
	}
	data := s.sections[s.readIdx]
	s.readIdx++
	return data, nil
}

// testROM is a 32 KiB ROM-only image with a valid header checksum.
func testROM() []byte {
	rom := make([]byte, 0x8000)
	rom[0x014D] = 0xE7
	// an idle loop at the entry point: JR -2
	rom[0x0100] = 0x18
	rom[0x0101] = 0xFE
	return rom
}

func newTestMachine(t *testing.T, sio *memSaveIO) *Machine {
	t.Helper()
	if sio == nil {
		sio = &memSaveIO{}
	}
	var m *Machine
	drainL := make([]byte, AudioRingSize())
	drainR := make([]byte, AudioRingSize())
	host := Host{
		InputSnapshot:         func() byte { return 0 },
		WaitForDataCollection: func() { m.GetAudioData(drainL, drainR) },
		MonotonicMillis:       func() uint32 { return 0 },
		GetSpeed:              func() int { return 10 },
		WriteToSave:           sio.write,
		ReadFromSave:          sio.read,
	}
	m = New(Config{}, host)
	if err := m.LoadCartridgeData(testROM()); err != nil {
		t.Fatalf("load cartridge: %v", err)
	}
	return m
}

func TestMachine_LoadRejectsBadROM(t *testing.T) {
	m := New(Config{}, Host{})
	if err := m.LoadCartridgeData(make([]byte, 0x8000)); !errors.Is(err, cart.ErrHeaderChecksum) {
		t.Fatalf("bad checksum: got %v", err)
	}
	if err := m.LoadCartridgeData(make([]byte, 0x40)); !errors.Is(err, cart.ErrTooSmall) {
		t.Fatalf("short ROM: got %v", err)
	}
}

func TestMachine_PostBootState(t *testing.T) {
	m := newTestMachine(t, nil)
	c := m.CPU()
	if c.PC != 0x0100 || c.SP != 0xFFFE {
		t.Fatalf("post-boot PC/SP got %04X/%04X", c.PC, c.SP)
	}
	if c.A != 0x01 {
		t.Fatalf("DMG post-boot A got %02X want 01", c.A)
	}
	if got := m.Bus().Read(0xFF40); got != 0x91 {
		t.Fatalf("LCDC got %02X want 91", got)
	}

	// CGB-flagged ROM gets A=0x11
	rom := testROM()
	rom[0x0143] = 0x80
	var sum byte
	for addr := 0x0134; addr <= 0x014C; addr++ {
		sum = sum - rom[addr] - 1
	}
	rom[0x014D] = sum
	m2 := New(Config{}, Host{})
	if err := m2.LoadCartridgeData(rom); err != nil {
		t.Fatalf("load CGB cart: %v", err)
	}
	if m2.CPU().A != 0x11 {
		t.Fatalf("CGB post-boot A got %02X want 11", m2.CPU().A)
	}
}

func TestMachine_StepFrameAdvancesPPU(t *testing.T) {
	m := newTestMachine(t, nil)
	before := m.Bus().PPU().FrameCount()
	m.StepFrame()
	if got := m.Bus().PPU().FrameCount(); got != before+1 {
		t.Fatalf("frame count got %d want %d", got, before+1)
	}
}

func TestMachine_SaveFileRoundTripIsDeterministic(t *testing.T) {
	sio := &memSaveIO{}
	m1 := newTestMachine(t, sio)
	for i := 0; i < 100000; i++ {
		m1.Tick()
	}
	if err := m1.WriteSaveFile(); err != nil {
		t.Fatalf("write save: %v", err)
	}
	if len(sio.tags) != 5 {
		t.Fatalf("section count got %d want 5", len(sio.tags))
	}
	for i, want := range []string{"CPU", "BUS", "PPU", "APU", "TIM"} {
		if sio.tags[i] != want {
			t.Fatalf("tag %d got %q want %q", i, sio.tags[i], want)
		}
	}

	m2 := newTestMachine(t, sio)
	if err := m2.LoadSaveFile(); err != nil {
		t.Fatalf("load save: %v", err)
	}
	if m2.CPU().PC != m1.CPU().PC || m2.CPU().CycleCount() != m1.CPU().CycleCount() {
		t.Fatalf("restored CPU diverges: PC %04X/%04X cycles %d/%d",
			m1.CPU().PC, m2.CPU().PC, m1.CPU().CycleCount(), m2.CPU().CycleCount())
	}

	// both machines must now evolve in lockstep
	for i := 0; i < 50000; i++ {
		m1.Tick()
		m2.Tick()
	}
	if m1.CPU().PC != m2.CPU().PC || m1.CPU().CycleCount() != m2.CPU().CycleCount() {
		t.Fatalf("machines diverged after restore: PC %04X/%04X",
			m1.CPU().PC, m2.CPU().PC)
	}
	if m1.Bus().PPU().LY() != m2.Bus().PPU().LY() {
		t.Fatalf("PPU diverged after restore: LY %d/%d",
			m1.Bus().PPU().LY(), m2.Bus().PPU().LY())
	}
}

func TestMachine_LoadSaveFileFailureKeepsState(t *testing.T) {
	short := &memSaveIO{}
	m := newTestMachine(t, short)
	for i := 0; i < 1000; i++ {
		m.Tick()
	}
	pc := m.CPU().PC
	cycles := m.CPU().CycleCount()
	// only two sections available: load must fail cleanly
	short.sections = [][]byte{{1}, {2}}
	if err := m.LoadSaveFile(); err == nil {
		t.Fatal("short save accepted")
	}
	if m.CPU().PC != pc || m.CPU().CycleCount() != cycles {
		t.Fatal("machine state touched by failed load")
	}
}

func TestMachine_RegisterReadbackWriteIsNoOp(t *testing.T) {
	m := newTestMachine(t, nil)
	b := m.Bus()
	regs := []uint16{0xFF42, 0xFF43, 0xFF45, 0xFF47, 0xFF48, 0xFF49, 0xFF4A, 0xFF4B, 0xFF24, 0xFF25, 0xFFFF}
	for _, addr := range regs {
		b.Write(addr, 0x5A)
		v1 := b.Read(addr)
		b.Write(addr, v1)
		if v2 := b.Read(addr); v2 != v1 {
			t.Fatalf("register %04X not idempotent: %02X -> %02X", addr, v1, v2)
		}
	}
}

func TestMachine_AudioHandshakeFires(t *testing.T) {
	collected := 0
	var m *Machine
	drainL := make([]byte, AudioRingSize())
	drainR := make([]byte, AudioRingSize())
	host := Host{
		InputSnapshot: func() byte { return 0 },
		WaitForDataCollection: func() {
			collected++
			m.GetAudioData(drainL, drainR)
		},
		GetSpeed: func() int { return 10 },
	}
	m = New(Config{}, host)
	if err := m.LoadCartridgeData(testROM()); err != nil {
		t.Fatalf("load: %v", err)
	}
	// one audio sample per 128 master cycles; one ring is 550 samples
	for i := 0; i < AudioRingSize()*128+256; i++ {
		m.Tick()
	}
	if collected != 1 {
		t.Fatalf("handshake count got %d want 1", collected)
	}
}
