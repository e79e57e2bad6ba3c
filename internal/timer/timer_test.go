package timer

import "testing"

func TestDIV_IncrementsEvery256Cycles(t *testing.T) {
	tm := New(nil)
	for i := 0; i < 255; i++ {
		tm.Tick()
	}
	if got := tm.Read(AddrDIV); got != 0 {
		t.Fatalf("DIV after 255 cycles got %02x want 00", got)
	}
	tm.Tick()
	if got := tm.Read(AddrDIV); got != 1 {
		t.Fatalf("DIV after 256 cycles got %02x want 01", got)
	}
}

func TestDIV_WriteResetsCounterAndPrescaler(t *testing.T) {
	irqs := 0
	tm := New(func() { irqs++ })
	tm.Write(AddrTAC, 0x05) // enable, div 16
	for i := 0; i < 15; i++ {
		tm.Tick()
	}
	tm.Write(AddrDIV, 0xAB) // any value resets
	if got := tm.Read(AddrDIV); got != 0 {
		t.Fatalf("DIV after reset got %02x want 00", got)
	}
	// prescaler was cleared too: TIMA needs a full 16 cycles again
	for i := 0; i < 15; i++ {
		tm.Tick()
	}
	if got := tm.Read(AddrTIMA); got != 0 {
		t.Fatalf("TIMA ticked from stale prescaler: %02x", got)
	}
	tm.Tick()
	if got := tm.Read(AddrTIMA); got != 1 {
		t.Fatalf("TIMA after 16 fresh cycles got %02x want 01", got)
	}
	if irqs != 0 {
		t.Fatalf("unexpected timer interrupt")
	}
}

func TestTIMA_OverflowReloadsFromTMAAndInterruptsOnce(t *testing.T) {
	irqs := 0
	tm := New(func() { irqs++ })
	tm.Write(AddrTMA, 0xFE)
	tm.Write(AddrTIMA, 0xFE)
	tm.Write(AddrTAC, 0x05) // enable, div 16

	for i := 0; i < 16; i++ {
		tm.Tick()
	}
	if got := tm.Read(AddrTIMA); got != 0xFF {
		t.Fatalf("TIMA after 16 cycles got %02x want FF", got)
	}
	if irqs != 0 {
		t.Fatalf("interrupt raised before overflow")
	}
	for i := 0; i < 16; i++ {
		tm.Tick()
	}
	if got := tm.Read(AddrTIMA); got != 0xFE {
		t.Fatalf("TIMA after overflow got %02x want FE (reload from TMA)", got)
	}
	if irqs != 1 {
		t.Fatalf("timer interrupt count got %d want 1", irqs)
	}
}

func TestTAC_PrescalerSelect(t *testing.T) {
	cases := []struct {
		tac    byte
		cycles int
	}{
		{0x04, 1024},
		{0x05, 16},
		{0x06, 64},
		{0x07, 256},
	}
	for _, c := range cases {
		tm := New(nil)
		tm.Write(AddrTAC, c.tac)
		for i := 0; i < c.cycles-1; i++ {
			tm.Tick()
		}
		if got := tm.Read(AddrTIMA); got != 0 {
			t.Fatalf("TAC=%02x: TIMA early tick after %d cycles", c.tac, c.cycles-1)
		}
		tm.Tick()
		if got := tm.Read(AddrTIMA); got != 1 {
			t.Fatalf("TAC=%02x: TIMA got %02x want 01 after %d cycles", c.tac, got, c.cycles)
		}
	}
}

func TestTimer_DisabledDoesNotTickTIMA(t *testing.T) {
	tm := New(nil)
	tm.Write(AddrTAC, 0x01) // div 16 but disabled
	for i := 0; i < 1024; i++ {
		tm.Tick()
	}
	if got := tm.Read(AddrTIMA); got != 0 {
		t.Fatalf("TIMA ticked while disabled: %02x", got)
	}
}

func TestTimer_StateRoundTrip(t *testing.T) {
	tm := New(nil)
	tm.Write(AddrTAC, 0x05)
	tm.Write(AddrTMA, 0x10)
	for i := 0; i < 300; i++ {
		tm.Tick()
	}
	state := tm.SaveState()

	tm2 := New(nil)
	tm2.LoadState(state)
	for _, addr := range []uint16{AddrDIV, AddrTIMA, AddrTMA, AddrTAC} {
		if a, b := tm.Read(addr), tm2.Read(addr); a != b {
			t.Fatalf("restored register %04x got %02x want %02x", addr, b, a)
		}
	}
	if tm.DivBit5() != tm2.DivBit5() {
		t.Fatalf("restored DIV bit 5 mismatch")
	}
}
