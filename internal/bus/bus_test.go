package bus

import (
	"testing"

	"github.com/phiral/gbcemu/internal/cart"
	"github.com/phiral/gbcemu/internal/cpu"
)

func newTestBus(rom []byte) (*Bus, *cpu.CPU) {
	if rom == nil {
		rom = make([]byte, 0x8000)
	}
	b := New(cart.NewROMOnly(rom), nil, nil)
	c := cpu.New(b)
	c.SetStopHandler(b.StopSwitch)
	b.AttachCPU(c)
	return b, c
}

func TestBus_WRAMAndEcho(t *testing.T) {
	b, _ := newTestBus(nil)
	b.Write(0xC123, 0x42)
	if got := b.Read(0xC123); got != 0x42 {
		t.Fatalf("WRAM read got %02x want 42", got)
	}
	if got := b.Read(0xE123); got != 0x42 {
		t.Fatalf("echo read got %02x want 42", got)
	}
	b.Write(0xE200, 0x24)
	if got := b.Read(0xC200); got != 0x24 {
		t.Fatalf("echo write did not land in WRAM: %02x", got)
	}
}

func TestBus_WRAMBankSelect(t *testing.T) {
	b, _ := newTestBus(nil)
	b.Write(0xD000, 0x11) // bank 1 (default)
	b.Write(0xFF70, 0x02)
	if got := b.Read(0xFF70); got != 0xFA {
		t.Fatalf("SVBK readback got %02x want FA", got)
	}
	if got := b.Read(0xD000); got != 0x00 {
		t.Fatalf("bank 2 should be empty, got %02x", got)
	}
	b.Write(0xD000, 0x22)
	b.Write(0xFF70, 0x01)
	if got := b.Read(0xD000); got != 0x11 {
		t.Fatalf("bank 1 data lost: %02x", got)
	}
	// bank 0 select remaps to 1
	b.Write(0xFF70, 0x00)
	if got := b.Read(0xD000); got != 0x11 {
		t.Fatalf("SVBK=0 should map to bank 1, got %02x", got)
	}
}

func TestBus_ProhibitedRange(t *testing.T) {
	b, _ := newTestBus(nil)
	b.Write(0xFEA0, 0x55) // dropped
	if got := b.Read(0xFEA0); got != 0xFF {
		t.Fatalf("prohibited read got %02x want FF", got)
	}
}

func TestBus_IFMaskAndIE(t *testing.T) {
	b, _ := newTestBus(nil)
	b.Write(0xFF0F, 0xFF)
	if got := b.Read(0xFF0F); got != 0xFF {
		t.Fatalf("IF read got %02x want FF (upper bits read as 1)", got)
	}
	b.Write(0xFF0F, 0x00)
	b.SetIRQ(IRQTimer)
	if got := b.Read(0xFF0F); got != 0xE4 {
		t.Fatalf("IF after SetIRQ got %02x want E4", got)
	}
	b.Write(0xFFFF, 0x15)
	if got := b.Read(0xFFFF); got != 0x15 {
		t.Fatalf("IE got %02x want 15", got)
	}
}

func TestBus_JoypadGroups(t *testing.T) {
	b, _ := newTestBus(nil)
	input := byte(0)
	b.SetInputFunc(func() byte { return input })

	input = JoypA | JoypUp
	b.Write(0xFF00, 0x20) // select d-pad (bit 4 low)
	if got := b.Read(0xFF00) & 0x0F; got != 0x0B {
		t.Fatalf("d-pad group got %01x want b (up pressed)", got)
	}
	b.Write(0xFF00, 0x10) // select buttons (bit 5 low)
	if got := b.Read(0xFF00) & 0x0F; got != 0x0E {
		t.Fatalf("button group got %01x want e (A pressed)", got)
	}
	b.Write(0xFF00, 0x30) // nothing selected
	if got := b.Read(0xFF00) & 0x0F; got != 0x0F {
		t.Fatalf("deselected joypad got %01x want f", got)
	}
}

func TestBus_JoypadInterruptOnPress(t *testing.T) {
	b, _ := newTestBus(nil)
	pressed := byte(0)
	b.SetInputFunc(func() byte { return pressed })
	b.Write(0xFF00, 0x10)
	b.Read(0xFF00)
	if b.Read(0xFF0F)&IRQJoypad != 0 {
		t.Fatal("joypad IRQ with nothing pressed")
	}
	pressed = JoypStart
	b.Read(0xFF00)
	if b.Read(0xFF0F)&IRQJoypad == 0 {
		t.Fatal("joypad IRQ missing on fresh press")
	}
}

func TestBus_OAMDMA(t *testing.T) {
	b, _ := newTestBus(nil)
	for i := 0; i < 160; i++ {
		b.Write(0xC000+uint16(i), byte(i)^0x5A)
	}
	b.Write(0xFF46, 0xC0)
	if got := b.Read(0xFF46); got != 0xC0 {
		t.Fatalf("DMA register readback got %02x want C0", got)
	}
	// one byte per 4 master cycles, 160 bytes
	for i := 0; i < 160*4; i++ {
		b.Tick()
	}
	for i := 0; i < 160; i++ {
		want := byte(i) ^ 0x5A
		if got := b.PPU().RawOAM(0xFE00 + uint16(i)); got != want {
			t.Fatalf("OAM[%d] got %02x want %02x", i, got, want)
		}
	}
}

func TestBus_GeneralPurposeVRAMDMA(t *testing.T) {
	b, _ := newTestBus(nil)
	for i := 0; i < 0x40; i++ {
		b.Write(0xC000+uint16(i), byte(i)+1)
	}
	b.Write(0xFF51, 0xC0) // src high
	b.Write(0xFF52, 0x00) // src low
	b.Write(0xFF53, 0x10) // dst high (forced into 0x8000-0x9FF0)
	b.Write(0xFF54, 0x00) // dst low
	b.Write(0xFF55, 0x03) // general purpose, 4 blocks
	if got := b.Read(0xFF55); got != 0x00 {
		t.Fatalf("HDMA5 after general DMA got %02x want 00", got)
	}
	for i := 0; i < 0x40; i++ {
		if got := b.PPU().RawVRAMBank(0, 0x9000+uint16(i)); got != byte(i)+1 {
			t.Fatalf("VRAM[%04x] got %02x want %02x", 0x9000+i, got, byte(i)+1)
		}
	}
}

func TestBus_HBlankVRAMDMAChunking(t *testing.T) {
	b, _ := newTestBus(nil)
	for i := 0; i < 0x40; i++ {
		b.Write(0xC000+uint16(i), byte(0xA0+i))
	}
	b.Write(0xFF40, 0x91) // LCD on
	b.Write(0xFF51, 0xC0)
	b.Write(0xFF52, 0x00)
	b.Write(0xFF53, 0x10)
	b.Write(0xFF54, 0x00)
	b.Write(0xFF55, 0x83) // HBlank mode, 4 blocks
	if got := b.Read(0xFF55); got != 0x83 {
		t.Fatalf("HDMA5 during transfer got %02x want 83", got)
	}

	copies := 0
	last := byte(0x83)
	for i := 0; i < 4*456 && b.Read(0xFF55) != 0x00; i++ {
		b.Tick()
		if v := b.Read(0xFF55); v != last {
			copies++
			last = v
		}
	}
	if copies != 4 {
		t.Fatalf("HBlank copy count got %d want 4", copies)
	}
	if got := b.Read(0xFF55); got != 0x00 {
		t.Fatalf("HDMA5 after completion got %02x want 00", got)
	}
	for i := 0; i < 0x40; i++ {
		if got := b.PPU().RawVRAMBank(0, 0x9000+uint16(i)); got != byte(0xA0+i) {
			t.Fatalf("VRAM[%04x] got %02x want %02x", 0x9000+i, got, byte(0xA0+i))
		}
	}
}

func TestBus_HBlankVRAMDMACancel(t *testing.T) {
	b, _ := newTestBus(nil)
	b.Write(0xFF40, 0x91)
	b.Write(0xFF51, 0xC0)
	b.Write(0xFF52, 0x00)
	b.Write(0xFF53, 0x10)
	b.Write(0xFF54, 0x00)
	b.Write(0xFF55, 0x87) // HBlank, 8 blocks
	for i := 0; i < 456; i++ {
		b.Tick()
	}
	b.Write(0xFF55, 0x00) // bit 7 clear cancels
	if got := b.Read(0xFF55); got != 0x00 {
		t.Fatalf("cancelled HDMA status got %02x want 00", got)
	}
}

func TestBus_SpeedSwitchDoublesCPUNotPPU(t *testing.T) {
	// program: STOP with KEY1 armed, then NOPs
	rom := make([]byte, 0x8000)
	rom[0x0100] = 0x10
	b, c := newTestBus(rom)
	c.SetPC(0x0100)
	b.Write(0xFF4D, 0x01)
	b.Tick() // executes STOP, switch consumed
	if !b.DoubleSpeed() {
		t.Fatal("double speed not engaged")
	}
	if got := b.Read(0xFF4D); got != 0xFE {
		t.Fatalf("KEY1 got %02x want FE (speed bit set, armed clear)", got)
	}
	start := c.CycleCount()
	for i := 0; i < 100; i++ {
		b.Tick()
	}
	if got := c.CycleCount() - start; got != 200 {
		t.Fatalf("CPU cycles in double speed got %d want 200", got)
	}
}

func TestBus_SerialStub(t *testing.T) {
	b, _ := newTestBus(nil)
	var out []byte
	b.SetSerialWriter(writerFunc(func(p []byte) (int, error) {
		out = append(out, p...)
		return len(p), nil
	}))
	b.Write(0xFF01, 'H')
	b.Write(0xFF02, 0x81)
	if string(out) != "H" {
		t.Fatalf("serial output got %q want H", out)
	}
	if got := b.Read(0xFF01); got != 0xFF {
		t.Fatalf("SB after transfer got %02x want FF", got)
	}
	if b.Read(0xFF0F)&IRQSerial == 0 {
		t.Fatal("serial IRQ not raised")
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestBus_StateRoundTrip(t *testing.T) {
	b, _ := newTestBus(nil)
	b.Write(0xC000, 0x12)
	b.Write(0xFF70, 0x03)
	b.Write(0xD010, 0x34)
	b.Write(0xFF80, 0x56)
	b.Write(0xFFFF, 0x1F)
	state := b.SaveState()

	b2, _ := newTestBus(nil)
	b2.LoadState(state)
	if got := b2.Read(0xC000); got != 0x12 {
		t.Fatalf("restored WRAM got %02x", got)
	}
	if got := b2.Read(0xFF70); got != 0xFB {
		t.Fatalf("restored SVBK got %02x", got)
	}
	if got := b2.Read(0xD010); got != 0x34 {
		t.Fatalf("restored banked WRAM got %02x", got)
	}
	if got := b2.Read(0xFF80); got != 0x56 {
		t.Fatalf("restored HRAM got %02x", got)
	}
	if got := b2.Read(0xFFFF); got != 0x1F {
		t.Fatalf("restored IE got %02x", got)
	}
}
