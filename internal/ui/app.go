package ui

import (
	"fmt"
	"image"
	"image/png"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/phiral/gbcemu/internal/bus"
	"github.com/phiral/gbcemu/internal/emu"
	"github.com/phiral/gbcemu/internal/ppu"
)

// App is the windowed front end: keyboard input, frame presentation
// and audio playback around a Machine running on its own goroutine.
type App struct {
	cfg Config
	m   *emu.Machine
	sio *SaveIO

	bridge *AudioBridge
	actx   *audio.Context
	player *audio.Player

	tex   *ebiten.Image
	frame []byte

	buttons atomic.Uint32 // bus.Joyp* bits
	speed   atomic.Int32  // 10..20

	started bool
}

func NewApp(cfg Config, sio *SaveIO) *App {
	cfg.Defaults()
	a := &App{cfg: cfg, sio: sio}
	a.speed.Store(10)
	a.bridge = NewAudioBridge(nil)
	ebiten.SetWindowTitle(cfg.Title)
	ebiten.SetWindowSize(ppu.ScreenW*cfg.Scale, ppu.ScreenH*cfg.Scale)
	return a
}

// Host returns the emu.Host callback set bound to this app.
func (a *App) Host() emu.Host {
	return emu.Host{
		InputSnapshot:         func() byte { return byte(a.buttons.Load()) },
		WaitForDataCollection: a.bridge.WaitForDataCollection,
		MonotonicMillis:       func() uint32 { return uint32(time.Now().UnixMilli()) },
		GetSpeed:              func() int { return int(a.speed.Load()) },
		WriteToSave:           a.sio.WriteToSave,
		ReadFromSave:          a.sio.ReadFromSave,
	}
}

// SetMachine attaches the loaded machine before Run.
func (a *App) SetMachine(m *emu.Machine) {
	a.m = m
	a.bridge.m = m
}

// Run opens the window and blocks until it is closed.
func (a *App) Run() error {
	defer a.bridge.Close()
	return ebiten.RunGame(a)
}

func (a *App) startEmulation() {
	a.actx = audio.NewContext(SampleRate)
	p, err := a.actx.NewPlayer(a.bridge)
	if err != nil {
		log.Printf("ui: audio init failed: %v", err)
	} else {
		p.SetBufferSize(40 * time.Millisecond)
		p.Play()
		a.player = p
	}
	go func() {
		if err := a.m.Run(); err != nil {
			log.Printf("ui: emulation stopped: %v", err)
		}
	}()
	a.started = true
}

func (a *App) Update() error {
	if a.m == nil {
		return nil
	}
	if !a.started {
		a.startEmulation()
	}

	var btn byte
	if ebiten.IsKeyPressed(ebiten.KeyZ) {
		btn |= bus.JoypA
	}
	if ebiten.IsKeyPressed(ebiten.KeyX) {
		btn |= bus.JoypB
	}
	if ebiten.IsKeyPressed(ebiten.KeyShiftRight) {
		btn |= bus.JoypSelectBtn
	}
	if ebiten.IsKeyPressed(ebiten.KeyEnter) {
		btn |= bus.JoypStart
	}
	if ebiten.IsKeyPressed(ebiten.KeyRight) {
		btn |= bus.JoypRight
	}
	if ebiten.IsKeyPressed(ebiten.KeyLeft) {
		btn |= bus.JoypLeft
	}
	if ebiten.IsKeyPressed(ebiten.KeyUp) {
		btn |= bus.JoypUp
	}
	if ebiten.IsKeyPressed(ebiten.KeyDown) {
		btn |= bus.JoypDown
	}
	a.buttons.Store(uint32(btn))

	// Fast-forward (Tab): 200% while held
	if ebiten.IsKeyPressed(ebiten.KeyTab) {
		a.speed.Store(20)
	} else {
		a.speed.Store(10)
	}

	if inpututil.IsKeyJustPressed(ebiten.KeyF5) {
		if err := a.sio.SaveToFile(a.m, a.cfg.StatePath); err != nil {
			log.Printf("ui: save state: %v", err)
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF7) {
		if err := a.sio.LoadFromFile(a.m, a.cfg.StatePath); err != nil {
			log.Printf("ui: load state: %v", err)
		}
	}
	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		if err := a.saveScreenshot(); err != nil {
			log.Printf("ui: screenshot: %v", err)
		}
	}
	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	if a.tex == nil {
		a.tex = ebiten.NewImage(ppu.ScreenW, ppu.ScreenH)
		a.frame = make([]byte, ppu.ScreenW*ppu.ScreenH*4)
	}
	if a.m != nil {
		a.m.GetVideoData(a.frame)
		a.tex.WritePixels(a.frame)
	}
	screen.DrawImage(a.tex, nil)
}

func (a *App) Layout(outW, outH int) (int, int) { return ppu.ScreenW, ppu.ScreenH }

func (a *App) saveScreenshot() error {
	if a.frame == nil {
		return nil
	}
	img := &image.RGBA{
		Pix:    append([]byte(nil), a.frame...),
		Stride: 4 * ppu.ScreenW,
		Rect:   image.Rect(0, 0, ppu.ScreenW, ppu.ScreenH),
	}
	name := fmt.Sprintf("screenshot_%s.png", time.Now().Format("20060102_150405"))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
