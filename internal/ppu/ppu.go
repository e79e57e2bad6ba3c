package ppu

import (
	"bytes"
	"encoding/gob"
	"sort"
)

// Screen dimensions.
const (
	ScreenW = 160
	ScreenH = 144

	dotsPerLine   = 456
	linesPerFrame = 154
	oamEntries    = 40
	maxLineObjs   = 10
)

// InterruptRequester raises an IF bit (0: VBlank, 1: LCD STAT).
type InterruptRequester func(bit int)

// PPU drives one dot per master cycle through the scanline mode machine
// and the pixel fetcher, producing RGBA frames into a double buffer.
type PPU struct {
	vram [2][0x2000]byte // bank 1 is CGB-only
	oam  [0xA0]byte

	// CGB color palette RAM
	bgPal  [64]byte
	objPal [64]byte
	bcps   byte // FF68
	ocps   byte // FF6A

	lcdc byte // FF40
	stat byte // FF41
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B
	vbk  byte // FF4F
	opri byte // FF6C

	cgb bool

	dot int // dot within the current line [0..455]

	// scanline object buffer, sorted by X ascending after OAM scan
	lineObjs []Object
	objIdx   int // next object the sprite fetcher will consider

	// draw state for mode 3
	bgFifo  fifo
	spFifo  fifo
	bf      bgFetcher
	sf      spriteFetcher
	lx      int // pixels emitted on this line
	discard int // SCX%8 pixels to drop at line start
	inWin   bool
	winLine byte // internal window line counter
	winUsed bool

	// double-buffered 160x144 RGBA frames; drawIdx is being drawn
	frames   [2][ScreenH * ScreenW * 4]byte
	drawIdx  int
	frameCnt uint64

	req      InterruptRequester
	onHBlank func()
}

// New creates a PPU. The interrupt requester receives bit 0 for VBlank
// and bit 1 for STAT.
func New(req InterruptRequester) *PPU {
	p := &PPU{req: req, lineObjs: make([]Object, 0, maxLineObjs)}
	p.sf.state = fetchSuspended
	// palettes power up white so frames are visible before games set them
	for i := 0; i < 64; i += 2 {
		p.bgPal[i], p.bgPal[i+1] = 0xFF, 0x7F
		p.objPal[i], p.objPal[i+1] = 0xFF, 0x7F
	}
	return p
}

// SetHBlankCallback installs the bus hook invoked on each mode-0 entry
// (HBlank-mode VRAM DMA).
func (p *PPU) SetHBlankCallback(fn func()) { p.onHBlank = fn }

// SetCGBMode selects CGB color rendering vs DMG grayscale.
func (p *PPU) SetCGBMode(on bool) { p.cgb = on }

// CGBMode reports the current rendering mode.
func (p *PPU) CGBMode() bool { return p.cgb }

// LY returns the current scanline.
func (p *PPU) LY() byte { return p.ly }

// Mode returns the current STAT mode bits.
func (p *PPU) Mode() byte { return p.stat & 0x03 }

// FrameCount returns the number of completed frames.
func (p *PPU) FrameCount() uint64 { return p.frameCnt }

// ReadyFrame returns the frame finished at the last VBlank. The PPU
// only ever mutates the other buffer, so the host may read this one
// without a lock.
func (p *PPU) ReadyFrame() []byte { return p.frames[1-p.drawIdx][:] }

// --- CPU-visible register and memory access ---

func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		return p.vram[p.vbk&1][addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	case addr == 0xFF4F:
		return 0xFE | (p.vbk & 1)
	case addr == 0xFF68:
		return 0x40 | (p.bcps & 0xBF)
	case addr == 0xFF69:
		return p.bgPal[p.bcps&0x3F]
	case addr == 0xFF6A:
		return 0x40 | (p.ocps & 0xBF)
	case addr == 0xFF6B:
		return p.objPal[p.ocps&0x3F]
	case addr == 0xFF6C:
		return 0xFE | (p.opri & 1)
	default:
		return 0xFF
	}
}

func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		p.vram[p.vbk&1][addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if prev&0x80 != 0 && value&0x80 == 0 {
			// LCD off: LY and mode reset
			p.ly = 0
			p.dot = 0
			p.winLine = 0
			p.setMode(0)
			p.updateLYC()
		} else if prev&0x80 == 0 && value&0x80 != 0 {
			p.ly = 0
			p.dot = 0
			p.winLine = 0
			p.setMode(2)
			p.beginOAMScan()
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		// LY is read-only
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	case addr == 0xFF4F:
		p.vbk = value & 1
	case addr == 0xFF68:
		p.bcps = value & 0xBF
	case addr == 0xFF69:
		// palette RAM is locked to the CPU while pixels are drawn
		if p.Mode() == 3 {
			return
		}
		idx := p.bcps & 0x3F
		p.bgPal[idx] = value
		if p.bcps&0x80 != 0 {
			p.bcps = 0x80 | ((idx + 1) & 0x3F)
		}
	case addr == 0xFF6A:
		p.ocps = value & 0xBF
	case addr == 0xFF6B:
		if p.Mode() == 3 {
			return
		}
		idx := p.ocps & 0x3F
		p.objPal[idx] = value
		if p.ocps&0x80 != 0 {
			p.ocps = 0x80 | ((idx + 1) & 0x3F)
		}
	}
}

// --- dot clock ---

// Tick advances the PPU by one dot.
func (p *PPU) Tick() {
	if p.lcdc&0x80 == 0 {
		return
	}

	if p.ly < ScreenH {
		switch {
		case p.dot == 0:
			p.setMode(2)
			p.beginOAMScan()
			p.scanOAMEntry(0)
		case p.dot < 80:
			if p.dot&1 == 0 {
				p.scanOAMEntry(p.dot / 2)
			}
			if p.dot == 79 {
				p.finishOAMScan()
			}
		case p.dot == 80:
			p.setMode(3)
			p.beginDraw()
			p.stepDraw()
		default:
			if p.lx < ScreenW {
				p.stepDraw()
				if p.lx == ScreenW {
					p.setMode(0)
				}
			}
		}
	}

	p.dot++
	if p.dot >= dotsPerLine {
		p.dot = 0
		if p.winUsed {
			p.winLine++
			p.winUsed = false
		}
		p.ly++
		switch {
		case p.ly == ScreenH:
			// frame complete: flip buffers, raise VBlank
			p.drawIdx = 1 - p.drawIdx
			p.frameCnt++
			p.setMode(1)
			if p.req != nil {
				p.req(0)
			}
		case p.ly >= linesPerFrame:
			p.ly = 0
			p.winLine = 0
		}
		p.updateLYC()
	}
}

func (p *PPU) setMode(mode byte) {
	prev := p.stat & 0x03
	if prev == mode {
		return
	}
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	switch mode {
	case 0:
		if p.stat&(1<<3) != 0 && p.req != nil {
			p.req(1)
		}
		if p.onHBlank != nil {
			p.onHBlank()
		}
	case 1:
		if p.stat&(1<<4) != 0 && p.req != nil {
			p.req(1)
		}
	case 2:
		if p.stat&(1<<5) != 0 && p.req != nil {
			p.req(1)
		}
	}
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		was := p.stat&(1<<2) != 0
		p.stat |= 1 << 2
		if !was && p.stat&(1<<6) != 0 && p.req != nil {
			p.req(1)
		}
	} else {
		p.stat &^= 1 << 2
	}
}

// --- OAM scan (mode 2) ---

func (p *PPU) objSize() byte {
	if p.lcdc&0x04 != 0 {
		return 16
	}
	return 8
}

func (p *PPU) beginOAMScan() {
	p.lineObjs = p.lineObjs[:0]
}

// scanOAMEntry visits one OAM entry (one every 2 dots) and selects it
// when its Y range covers the current line.
func (p *PPU) scanOAMEntry(i int) {
	if i >= oamEntries || len(p.lineObjs) >= maxLineObjs {
		return
	}
	base := i * 4
	y := p.oam[base]
	cover := p.ly + 16
	if y <= cover && cover < y+p.objSize() {
		p.lineObjs = append(p.lineObjs, Object{
			Y: y, X: p.oam[base+1], Tile: p.oam[base+2], Flags: p.oam[base+3],
			Index: i,
		})
	}
}

func (p *PPU) finishOAMScan() {
	// stable: equal X keeps OAM order
	sort.SliceStable(p.lineObjs, func(a, b int) bool {
		return p.lineObjs[a].X < p.lineObjs[b].X
	})
}

// --- mode 3 draw ---

func (p *PPU) beginDraw() {
	p.bgFifo.Clear()
	p.spFifo.Clear()
	p.bf.reset(false)
	p.sf.state = fetchSuspended
	p.lx = 0
	p.objIdx = 0
	p.discard = int(p.scx & 7)
	p.inWin = false
}

// windowReached reports whether the window starts at the current pixel.
func (p *PPU) windowReached() bool {
	if p.inWin || p.lcdc&0x20 == 0 || p.ly < p.wy {
		return false
	}
	if !p.cgb && p.lcdc&0x01 == 0 {
		return false
	}
	return p.lx >= int(p.wx)-7
}

// stepDraw advances the pixel pipeline by one dot.
func (p *PPU) stepDraw() {
	// an active sprite fetch suspends everything else
	if p.sf.state != fetchSuspended {
		p.stepSpriteFetch()
		return
	}

	// sprite hit check: next selected object overlapping the current x
	if p.lcdc&0x02 != 0 {
		for p.objIdx < len(p.lineObjs) && int(p.lineObjs[p.objIdx].X) <= p.lx+8 {
			obj := p.lineObjs[p.objIdx]
			p.objIdx++
			p.sf.obj = obj
			p.sf.state = fetchTile0
			return
		}
	}

	// window boundary: restart the fetcher on the window map
	if p.windowReached() {
		p.inWin = true
		p.winUsed = true
		p.bgFifo.Clear()
		p.bf.reset(true)
	}

	p.stepBGFetch()

	if p.bgFifo.Len() == 0 {
		return
	}
	bg, _ := p.bgFifo.Pop()
	sp, hasSp := p.spFifo.Pop()
	if p.discard > 0 && !p.inWin {
		p.discard--
		return
	}
	p.emit(bg, sp, hasSp)
	p.lx++
}

// stepBGFetch advances the BG/window fetcher one sub-step.
func (p *PPU) stepBGFetch() {
	f := &p.bf
	switch f.state {
	case fetchTile0:
		f.state = fetchTile1
	case fetchTile1:
		var mapBase uint16
		var tx, ty byte
		if f.window {
			mapBase = 0x9800
			if p.lcdc&0x40 != 0 {
				mapBase = 0x9C00
			}
			tx = f.x & 31
			ty = p.winLine
		} else {
			mapBase = 0x9800
			if p.lcdc&0x08 != 0 {
				mapBase = 0x9C00
			}
			tx = (p.scx/8 + f.x) & 31
			ty = p.scy + p.ly
		}
		idx := mapBase - 0x8000 + uint16(ty/8)*32 + uint16(tx)
		f.tileNum = p.vram[0][idx]
		if p.cgb {
			f.attrs = p.vram[1][idx]
		} else {
			f.attrs = 0
		}
		row := ty & 7
		if f.attrs&objFlagYFlip != 0 {
			row = 7 - row
		}
		f.tileRow = row
		f.dataBank = 0
		if p.cgb && f.attrs&objFlagBank != 0 {
			f.dataBank = 1
		}
		f.state = fetchDataLo0
	case fetchDataLo0:
		f.state = fetchDataLo1
	case fetchDataLo1:
		f.dataLo = p.vram[f.dataBank][p.tileDataAddr(f.tileNum, f.tileRow)]
		f.state = fetchDataHi0
	case fetchDataHi0:
		f.state = fetchDataHi1
	case fetchDataHi1:
		f.dataHi = p.vram[f.dataBank][p.tileDataAddr(f.tileNum, f.tileRow)+1]
		f.state = fetchPush
	case fetchPush:
		if p.bgFifo.Len() != 0 {
			return
		}
		for i := 0; i < 8; i++ {
			bit := byte(7 - i)
			if f.attrs&objFlagXFlip != 0 {
				bit = byte(i)
			}
			ci := ((f.dataHi>>bit)&1)<<1 | (f.dataLo>>bit)&1
			p.bgFifo.Push(Pixel{
				Color:  ci,
				CGBPal: f.attrs & objFlagCGBPal,
				Prio:   f.attrs&objFlagBGPrio != 0,
			})
		}
		f.x++
		f.state = fetchTile0
	}
}

// tileDataAddr resolves the VRAM offset of a tile row via the LCDC
// bit-4 addressing mode (unsigned at 0x8000 vs signed at 0x9000).
func (p *PPU) tileDataAddr(tileNum, row byte) uint16 {
	if p.lcdc&0x10 != 0 {
		return uint16(tileNum)*16 + uint16(row)*2
	}
	return uint16(0x1000+int(int8(tileNum))*16) + uint16(row)*2
}

// stepSpriteFetch advances the sprite fetcher one sub-step and merges
// the finished row into the sprite FIFO.
func (p *PPU) stepSpriteFetch() {
	f := &p.sf
	switch f.state {
	case fetchTile0:
		f.state = fetchTile1
	case fetchTile1:
		row := p.ly + 16 - f.obj.Y
		size := p.objSize()
		if f.obj.Flags&objFlagYFlip != 0 {
			row = size - 1 - row
		}
		tile := f.obj.Tile
		if size == 16 {
			if row >= 8 {
				tile |= 0x01
			} else {
				tile &= 0xFE
			}
		}
		f.tileNum = tile
		f.row = row & 7
		f.state = fetchDataLo0
	case fetchDataLo0:
		f.state = fetchDataLo1
	case fetchDataLo1:
		f.dataLo = p.vram[p.objBank(f.obj)][uint16(f.tileNum)*16+uint16(f.row)*2]
		f.state = fetchDataHi0
	case fetchDataHi0:
		f.state = fetchDataHi1
	case fetchDataHi1:
		f.dataHi = p.vram[p.objBank(f.obj)][uint16(f.tileNum)*16+uint16(f.row)*2+1]
		p.mergeSprite()
		f.state = fetchSuspended
	}
}

func (p *PPU) objBank(o Object) int {
	if p.cgb && o.Flags&objFlagBank != 0 {
		return 1
	}
	return 0
}

// mergeSprite folds the fetched row into the sprite FIFO. An occupied
// slot is only replaced when the existing pixel is transparent or, in
// CGB OAM-priority mode, when the new object has a lower OAM index.
func (p *PPU) mergeSprite() {
	f := &p.sf
	shift := 0
	if f.obj.X < 8 {
		shift = 8 - int(f.obj.X)
	}
	// pad the FIFO to 8 pixels so slots line up with screen positions
	for p.spFifo.Len() < 8 {
		p.spFifo.Push(Pixel{})
	}
	dmgPal := byte(0)
	if f.obj.Flags&objFlagDMGPal != 0 {
		dmgPal = 1
	}
	for i := shift; i < 8; i++ {
		bit := byte(7 - i)
		if f.obj.Flags&objFlagXFlip != 0 {
			bit = byte(i)
		}
		ci := ((f.dataHi>>bit)&1)<<1 | (f.dataLo>>bit)&1
		if ci == 0 {
			continue
		}
		slot := p.spFifo.At(i - shift)
		replace := slot.Color == 0
		if !replace && p.cgb && p.opri&1 == 0 {
			replace = f.obj.Index < slot.OAMIndex
		}
		if replace {
			*slot = Pixel{
				Color:    ci,
				DMGPal:   dmgPal,
				CGBPal:   f.obj.Flags & objFlagCGBPal,
				Prio:     f.obj.Flags&objFlagBGPrio != 0,
				OAMIndex: f.obj.Index,
			}
		}
	}
}

// --- pixel composition ---

var dmgShades = [4]byte{0xFF, 0xC0, 0x60, 0x00}

// emit mixes one BG and one sprite pixel and writes the result.
func (p *PPU) emit(bg Pixel, sp Pixel, hasSp bool) {
	bgColor := bg.Color
	if !p.cgb && p.lcdc&0x01 == 0 {
		bgColor = 0
	}

	spriteWins := hasSp && sp.Color != 0
	if spriteWins {
		if p.cgb && p.lcdc&0x01 == 0 {
			// CGB master priority off: sprites always in front
		} else if (sp.Prio || (p.cgb && bg.Prio)) && bgColor != 0 {
			spriteWins = false
		}
	}

	var r, g, b byte
	if spriteWins {
		if p.cgb {
			r, g, b = p.objColor(sp.CGBPal, sp.Color)
		} else {
			pal := p.obp0
			if sp.DMGPal == 1 {
				pal = p.obp1
			}
			s := dmgShades[(pal>>(sp.Color*2))&3]
			r, g, b = s, s, s
		}
	} else {
		if p.cgb {
			r, g, b = p.bgColor(bg.CGBPal, bgColor)
		} else {
			s := dmgShades[(p.bgp>>(bgColor*2))&3]
			r, g, b = s, s, s
		}
	}

	i := (int(p.ly)*ScreenW + p.lx) * 4
	fb := &p.frames[p.drawIdx]
	fb[i+0], fb[i+1], fb[i+2], fb[i+3] = r, g, b, 0xFF
}

// decodeRGB555 expands a little-endian 15-bit color, 5 bits per
// channel, by left-shift 3.
func decodeRGB555(lo, hi byte) (r, g, b byte) {
	v := uint16(lo) | uint16(hi)<<8
	r = byte(v&0x1F) << 3
	g = byte(v>>5&0x1F) << 3
	b = byte(v>>10&0x1F) << 3
	return
}

func (p *PPU) bgColor(pal, ci byte) (byte, byte, byte) {
	i := int(pal&7)*8 + int(ci&3)*2
	return decodeRGB555(p.bgPal[i], p.bgPal[i+1])
}

func (p *PPU) objColor(pal, ci byte) (byte, byte, byte) {
	i := int(pal&7)*8 + int(ci&3)*2
	return decodeRGB555(p.objPal[i], p.objPal[i+1])
}

// --- raw access for tests and DMA ---

// RawVRAMBank reads VRAM from an explicit bank without going through VBK.
func (p *PPU) RawVRAMBank(bank int, addr uint16) byte {
	if addr < 0x8000 || addr > 0x9FFF {
		return 0xFF
	}
	return p.vram[bank&1][addr-0x8000]
}

// RawOAM reads OAM without access restrictions.
func (p *PPU) RawOAM(addr uint16) byte {
	if addr >= 0xFE00 && addr <= 0xFE9F {
		return p.oam[addr-0xFE00]
	}
	return 0xFF
}

// LineObjects exposes the current scanline object buffer.
func (p *PPU) LineObjects() []Object { return p.lineObjs }

// --- snapshotting ---

type ppuState struct {
	VRAM0, VRAM1 [0x2000]byte
	OAM          [0xA0]byte
	BGPal        [64]byte
	OBJPal       [64]byte
	BCPS, OCPS   byte
	LCDC, STAT   byte
	SCY, SCX     byte
	LY, LYC      byte
	BGP          byte
	OBP0, OBP1   byte
	WY, WX       byte
	VBK, OPRI    byte
	CGB          bool
	Dot          int
	WinLine      byte
	DrawIdx      int
	FrameCnt     uint64
}

func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(ppuState{
		VRAM0: p.vram[0], VRAM1: p.vram[1], OAM: p.oam,
		BGPal: p.bgPal, OBJPal: p.objPal, BCPS: p.bcps, OCPS: p.ocps,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx,
		LY: p.ly, LYC: p.lyc, BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WY: p.wy, WX: p.wx, VBK: p.vbk, OPRI: p.opri, CGB: p.cgb,
		Dot: p.dot, WinLine: p.winLine, DrawIdx: p.drawIdx, FrameCnt: p.frameCnt,
	})
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram[0], p.vram[1], p.oam = s.VRAM0, s.VRAM1, s.OAM
	p.bgPal, p.objPal, p.bcps, p.ocps = s.BGPal, s.OBJPal, s.BCPS, s.OCPS
	p.lcdc, p.stat, p.scy, p.scx = s.LCDC, s.STAT, s.SCY, s.SCX
	p.ly, p.lyc, p.bgp, p.obp0, p.obp1 = s.LY, s.LYC, s.BGP, s.OBP0, s.OBP1
	p.wy, p.wx, p.vbk, p.opri, p.cgb = s.WY, s.WX, s.VBK, s.OPRI, s.CGB
	p.dot, p.winLine, p.drawIdx, p.frameCnt = s.Dot, s.WinLine, s.DrawIdx, s.FrameCnt
	p.lineObjs = p.lineObjs[:0]
	p.sf.state = fetchSuspended
}
