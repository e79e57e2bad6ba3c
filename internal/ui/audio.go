package ui

import (
	"sync"

	"github.com/phiral/gbcemu/internal/apu"
	"github.com/phiral/gbcemu/internal/emu"
)

// SampleRate is the APU's native output rate.
const SampleRate = 32768

// AudioBridge pairs the core's wait-for-data-collection handshake with
// the pull-style reader ebiten's audio player uses. The emulator
// goroutine blocks in WaitForDataCollection once the APU ring is full;
// the player's Read drains the ring and releases it. This also paces
// emulation to real time.
type AudioBridge struct {
	mu   sync.Mutex
	cond *sync.Cond

	m    *emu.Machine
	full bool
	done bool

	// drained samples pending conversion to the player
	left, right [apu.MaxSamples]byte
	n, pos      int
}

func NewAudioBridge(m *emu.Machine) *AudioBridge {
	b := &AudioBridge{m: m}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// WaitForDataCollection is handed to the core as a host callback.
func (b *AudioBridge) WaitForDataCollection() {
	b.mu.Lock()
	b.full = true
	b.cond.Broadcast()
	for b.full && !b.done {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Close releases a blocked emulator goroutine on shutdown.
func (b *AudioBridge) Close() {
	b.mu.Lock()
	b.done = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Read implements io.Reader producing 16-bit little-endian stereo
// frames for ebiten's audio player.
func (b *AudioBridge) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pos >= b.n {
		if !b.full {
			// no fresh ring yet: emit a short silence chunk instead of
			// stalling the player
			n := 256 * 4
			if n > len(p) {
				n = len(p) &^ 3
			}
			for i := 0; i < n; i++ {
				p[i] = 0
			}
			return n, nil
		}
		b.n = b.m.GetAudioData(b.left[:], b.right[:])
		b.pos = 0
		b.full = false
		b.cond.Broadcast()
	}

	if b.n == 0 {
		n := 256 * 4
		if n > len(p) {
			n = len(p) &^ 3
		}
		for i := 0; i < n; i++ {
			p[i] = 0
		}
		return n, nil
	}

	i := 0
	for b.pos < b.n && i+3 < len(p) {
		l := (int16(b.left[b.pos]) - 128) * 256
		r := (int16(b.right[b.pos]) - 128) * 256
		p[i] = byte(l)
		p[i+1] = byte(l >> 8)
		p[i+2] = byte(r)
		p[i+3] = byte(r >> 8)
		i += 4
		b.pos++
	}
	return i, nil
}
