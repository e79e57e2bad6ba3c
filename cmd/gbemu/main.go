package main

import (
	"flag"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"log"
	"os"
	"strings"
	"time"

	"github.com/phiral/gbcemu/internal/emu"
	"github.com/phiral/gbcemu/internal/ui"
)

type cliFlags struct {
	ROMPath string
	Scale   int
	Title   string
	Trace   bool
	SaveRAM bool
	Debug   bool

	// headless
	Headless bool
	Frames   int
	PNGOut   string
	Expect   string // expected framebuffer CRC32 hex
	Serial   bool   // dump serial output to stdout (test ROMs)
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.ROMPath, "rom", "", "path to ROM (.gb/.gbc)")
	flag.IntVar(&f.Scale, "scale", 3, "window scale")
	flag.StringVar(&f.Title, "title", "gbcemu", "window title")
	flag.BoolVar(&f.Trace, "trace", false, "log execution stats")
	flag.BoolVar(&f.SaveRAM, "save", true, "persist battery RAM to ROM.sav")
	flag.BoolVar(&f.Debug, "debug", false, "log prohibited bus accesses")
	flag.BoolVar(&f.Headless, "headless", false, "run without a window")
	flag.IntVar(&f.Frames, "frames", 300, "frames to run in headless mode")
	flag.StringVar(&f.PNGOut, "outpng", "", "write last framebuffer to PNG at path")
	flag.StringVar(&f.Expect, "expect", "", "assert framebuffer CRC32 (hex)")
	flag.BoolVar(&f.Serial, "serial", false, "forward serial port bytes to stdout")
	flag.Parse()
	return f
}

func runHeadless(m *emu.Machine, frames int, pngPath, expectCRC string) error {
	if frames <= 0 {
		frames = 1
	}

	start := time.Now()
	for i := 0; i < frames; i++ {
		m.StepFrame()
	}
	dur := time.Since(start)

	w, h := emu.FrameSize()
	fb := make([]byte, w*h*4)
	m.GetVideoData(fb)
	crc := crc32.ChecksumIEEE(fb)
	fps := float64(frames) / dur.Seconds()

	log.Printf("headless: frames=%d elapsed=%s fps=%.2f fb_crc32=%08x",
		frames, dur.Truncate(time.Millisecond), fps, crc)

	if pngPath != "" {
		if err := saveFramePNG(fb, w, h, pngPath); err != nil {
			return fmt.Errorf("write PNG: %w", err)
		}
		log.Printf("wrote %s", pngPath)
	}

	if expectCRC != "" {
		want := strings.TrimPrefix(strings.ToLower(expectCRC), "0x")
		got := fmt.Sprintf("%08x", crc)
		if got != want {
			return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}

func saveFramePNG(pix []byte, w, h int, path string) error {
	img := &image.RGBA{
		Pix:    append([]byte(nil), pix...),
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func savPath(romPath string) string {
	for _, ext := range []string{".gbc", ".gb"} {
		if strings.HasSuffix(strings.ToLower(romPath), ext) {
			return romPath[:len(romPath)-len(ext)] + ".sav"
		}
	}
	return romPath + ".sav"
}

func main() {
	f := parseFlags()
	if f.ROMPath == "" {
		log.Fatal("no ROM given; use -rom")
	}

	cfg := emu.Config{Trace: f.Trace, DebugBus: f.Debug}
	sio := &ui.SaveIO{}

	var m *emu.Machine
	if f.Headless {
		host := emu.Host{
			InputSnapshot:   func() byte { return 0 },
			MonotonicMillis: func() uint32 { return uint32(time.Now().UnixMilli()) },
			GetSpeed:        func() int { return 10 },
			WriteToSave:     sio.WriteToSave,
			ReadFromSave:    sio.ReadFromSave,
		}
		drainL := make([]byte, emu.AudioRingSize())
		drainR := make([]byte, emu.AudioRingSize())
		host.WaitForDataCollection = func() { m.GetAudioData(drainL, drainR) }
		m = emu.New(cfg, host)
	} else {
		app := ui.NewApp(ui.Config{Title: f.Title, Scale: f.Scale}, sio)
		m = emu.New(cfg, app.Host())
		if err := loadROM(m, f); err != nil {
			log.Fatalf("load cart: %v", err)
		}
		app.SetMachine(m)
		if err := app.Run(); err != nil {
			log.Fatal(err)
		}
		persistBattery(m, f)
		return
	}

	if err := loadROM(m, f); err != nil {
		log.Fatalf("load cart: %v", err)
	}
	if f.Serial {
		m.SetSerialWriter(os.Stdout)
	}
	if err := runHeadless(m, f.Frames, f.PNGOut, f.Expect); err != nil {
		log.Fatal(err)
	}
	persistBattery(m, f)
}

func loadROM(m *emu.Machine, f cliFlags) error {
	if err := m.LoadCartridge(f.ROMPath); err != nil {
		return err
	}
	if h := m.Header(); h != nil {
		log.Printf("ROM: %q type=%s banks=%d ram=%dB cgb=%v",
			h.Title, h.CartTypeStr, h.ROMBanks, h.RAMSizeBytes, h.CGB())
	}
	if f.SaveRAM {
		m.LoadBatteryFile(savPath(f.ROMPath))
	}
	return nil
}

func persistBattery(m *emu.Machine, f cliFlags) {
	if f.SaveRAM {
		m.SaveBatteryFile(savPath(f.ROMPath))
	}
}
