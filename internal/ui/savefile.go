package ui

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/phiral/gbcemu/internal/emu"
)

// SaveIO is the host-side save container: a flat file of a 4-byte
// "GBCS" magic followed by [4-byte tag][uint32 length][payload]
// sections in write order. Wire
// its methods into emu.Host, then call SaveToFile/LoadFromFile.
type SaveIO struct {
	buf      bytes.Buffer
	sections [][]byte
}

var saveMagic = [4]byte{'G', 'B', 'C', 'S'}

// WriteToSave appends one tagged section (emu.Host callback).
func (s *SaveIO) WriteToSave(data []byte, tag string) error {
	var t [4]byte
	copy(t[:], tag)
	s.buf.Write(t[:])
	if err := binary.Write(&s.buf, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	s.buf.Write(data)
	return nil
}

// ReadFromSave pops the next buffered section (emu.Host callback).
func (s *SaveIO) ReadFromSave() ([]byte, error) {
	if len(s.sections) == 0 {
		return nil, errors.New("save file exhausted")
	}
	data := s.sections[0]
	s.sections = s.sections[1:]
	return data, nil
}

// SaveToFile snapshots the machine and writes the container to path.
func (s *SaveIO) SaveToFile(m *emu.Machine, path string) error {
	s.buf.Reset()
	s.buf.Write(saveMagic[:])
	if err := m.WriteSaveFile(); err != nil {
		return err
	}
	return os.WriteFile(path, s.buf.Bytes(), 0o644)
}

// LoadFromFile parses the container at path and restores the machine.
// The container is parsed up front, so a bad magic or a truncated
// section leaves the machine as is; the section payloads themselves are
// passed on to Machine.LoadSaveFile unchecked.
func (s *SaveIO) LoadFromFile(m *emu.Machine, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(raw) < 4 || !bytes.Equal(raw[:4], saveMagic[:]) {
		return fmt.Errorf("savefile: bad magic in %s", path)
	}
	raw = raw[4:]
	var sections [][]byte
	for len(raw) > 0 {
		if len(raw) < 8 {
			return fmt.Errorf("savefile: truncated section header in %s", path)
		}
		n := binary.LittleEndian.Uint32(raw[4:8])
		raw = raw[8:]
		if uint32(len(raw)) < n {
			return fmt.Errorf("savefile: truncated section payload in %s", path)
		}
		sections = append(sections, raw[:n])
		raw = raw[n:]
	}
	s.sections = sections
	return m.LoadSaveFile()
}
