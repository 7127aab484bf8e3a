package stacktrace

import (
	"debug/elf"
	"encoding/json"
	"io"

	"github.com/noxiouz/coredumpd/utils/buildid"
)

// ELF note carrying distribution package metadata as JSON, owned by "FDO".
const (
	packageNoteType  = 0x7add3300
	packageNoteOwner = "FDO"
)

// packageMetadata collects the package metadata notes and build ids of the
// crashed process's modules into one JSON object keyed by module path.
// Entirely best-effort: modules may be gone from disk or stripped, and a
// crash report without provenance is still a crash report.
func packageMetadata(c *core, open func(string) (*elf.File, error)) []byte {
	merged := make(map[string]map[string]interface{})
	for _, mod := range c.modules {
		f, err := open(mod.name)
		if err != nil {
			continue
		}
		if meta := moduleMetadata(f); meta != nil {
			merged[mod.name] = meta
		}
		f.Close()
	}
	if len(merged) == 0 {
		return nil
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil
	}
	return out
}

// moduleMetadata extracts the metadata of a single ELF object, merging its
// build id into the package note payload.
func moduleMetadata(f *elf.File) map[string]interface{} {
	meta := findPackageNote(f)
	if id, err := buildid.New(f); err == nil {
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta["buildId"] = id
	}
	return meta
}

func findPackageNote(f *elf.File) map[string]interface{} {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		if meta := scanPackageNote(prog.Open()); meta != nil {
			return meta
		}
	}
	// Some linkers leave the note addressable through the section table
	// only.
	for _, section := range f.Sections {
		if section.Type != elf.SHT_NOTE {
			continue
		}
		if meta := scanPackageNote(section.Open()); meta != nil {
			return meta
		}
	}
	return nil
}

func scanPackageNote(r io.Reader) map[string]interface{} {
	for {
		name, desc, typ, err := buildid.ReadNote(r)
		if err != nil {
			return nil
		}
		if name != packageNoteOwner || typ != packageNoteType {
			continue
		}
		var meta map[string]interface{}
		if err := json.Unmarshal(trimNulJSON(desc), &meta); err != nil {
			return nil
		}
		return meta
	}
}

// The JSON payload is NUL-terminated in the note.
func trimNulJSON(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
