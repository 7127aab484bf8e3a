// Package buildid extracts build identifiers from ELF objects. Both the
// GNU .note.gnu.build-id and the Go .note.go.buildid flavors are handled.
package buildid

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
)

// ErrNoBuildId is returned when Build Id has not been detected by the library.
var ErrNoBuildId = errors.New("No BuildID detected")

const (
	// NT_GNU_BUILD_ID note type within a "GNU" owned note.
	noteTypeGNUBuildID = 3
)

type buildId []byte

// New returns the build id of an ELF file, hex-encoded for GNU notes and
// verbatim for Go build ids.
func New(f *elf.File) (string, error) {
	var bid buildId
	for _, section := range f.Sections {
		switch section.Name {
		case ".note.gnu.build-id":
			if err := bid.UnmarshalBinary(section.Open()); err != nil {
				return "", err
			}
			return hex.EncodeToString(bid), nil
		case ".note.go.buildid": // Go binary
			if err := bid.UnmarshalBinary(section.Open()); err != nil {
				return "", err
			}
			return string(bid), nil
		}
	}
	// Sections may be stripped (or absent in a segment-only view); fall
	// back to walking PT_NOTE segments.
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		id, err := FromNotes(prog.Open())
		if err == nil {
			return id, nil
		}
	}
	return "", ErrNoBuildId
}

// FromNotes scans a raw ELF note stream for a GNU build-id and returns it
// hex-encoded.
func FromNotes(r io.Reader) (string, error) {
	for {
		name, desc, typ, err := ReadNote(r)
		if err != nil {
			return "", ErrNoBuildId
		}
		if name == "GNU" && typ == noteTypeGNUBuildID {
			return hex.EncodeToString(desc), nil
		}
	}
}

// ReadNote reads a single ELF note entry: 4-aligned header, owner name and
// descriptor payload.
func ReadNote(r io.Reader) (name string, desc []byte, typ uint32, err error) {
	var hdr struct {
		NameSz uint32
		DescSz uint32
		Type   uint32
	}
	if err = binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return "", nil, 0, err
	}
	// Guard against absurd sizes in attacker-controlled notes.
	const maxNote = 16 << 20
	if hdr.NameSz > maxNote || hdr.DescSz > maxNote {
		return "", nil, 0, errors.New("buildid: note header too large")
	}
	nameBuf := make([]byte, hdr.NameSz)
	if _, err = io.ReadFull(r, nameBuf); err != nil {
		return "", nil, 0, err
	}
	if err = skipPadding(r, hdr.NameSz); err != nil {
		return "", nil, 0, err
	}
	desc = make([]byte, hdr.DescSz)
	if _, err = io.ReadFull(r, desc); err != nil {
		return "", nil, 0, err
	}
	if err = skipPadding(r, hdr.DescSz); err != nil {
		return "", nil, 0, err
	}
	name = string(trimNul(nameBuf))
	return name, desc, hdr.Type, nil
}

// skipPadding consumes the bytes aligning a note field to 4. Writers may
// clip the padding of the very last descriptor at the end of a segment, so
// running out of input here is not an error.
func skipPadding(r io.Reader, n uint32) error {
	pad := align4(n) - n
	if pad == 0 {
		return nil
	}
	var buf [3]byte
	if _, err := io.ReadFull(r, buf[:pad]); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	return nil
}

func (b *buildId) UnmarshalBinary(r io.Reader) error {
	_, desc, _, err := ReadNote(r)
	if err != nil {
		return err
	}
	*b = buildId(desc)
	return nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
