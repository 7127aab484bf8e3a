package stacktrace

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/noxiouz/coredumpd/utils/buildid"
)

// Kernel note types found in core PT_NOTE segments.
const (
	noteTypePrstatus = 1          // NT_PRSTATUS
	noteTypeFile     = 0x46494c45 // NT_FILE
)

var (
	errNotCore      = errors.New("stacktrace: not a core file")
	errNoThreads    = errors.New("stacktrace: core carries no thread state")
	errBadRegisters = errors.New("stacktrace: unsupported register layout")
)

// thread is the per-thread CPU state recovered from NT_PRSTATUS.
type thread struct {
	tid int32
	pc  uint64
	sp  uint64
	fp  uint64
}

// module is one mapped file reconstructed from NT_FILE ranges.
type module struct {
	name  string
	start uint64
	end   uint64
}

// core is the parsed view of a core file: threads, mapped modules and an
// address-space reader backed by the dumped PT_LOAD segments.
type core struct {
	machine elf.Machine
	threads []thread
	modules []module
	loads   []*elf.Prog
}

func parseCore(f *elf.File) (*core, error) {
	if f.Type != elf.ET_CORE {
		return nil, errNotCore
	}

	c := &core{machine: f.Machine}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Filesz > 0 {
				c.loads = append(c.loads, prog)
			}
		case elf.PT_NOTE:
			if err := c.parseNotes(prog.Open()); err != nil {
				return nil, err
			}
		}
	}

	if len(c.threads) == 0 {
		return nil, errNoThreads
	}
	return c, nil
}

func (c *core) parseNotes(r io.Reader) error {
	for {
		name, desc, typ, err := buildid.ReadNote(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			// Clipped alignment padding is absorbed by ReadNote, so a
			// short read here means a truncated note.
			return fmt.Errorf("stacktrace: malformed note stream: %w", err)
		}
		if name != "CORE" {
			continue
		}
		switch typ {
		case noteTypePrstatus:
			t, err := parsePrstatus(c.machine, desc)
			if err != nil {
				return err
			}
			if len(c.threads) < ThreadsMax {
				c.threads = append(c.threads, t)
			}
		case noteTypeFile:
			mods, err := parseFileNote(desc)
			if err != nil {
				return err
			}
			c.modules = mods
		}
	}
}

// elf_prstatus layout shared by the 64-bit architectures we interpret:
// pr_pid lives at byte 32, the general registers start at byte 112.
const (
	prstatusPidOffset = 32
	prstatusRegOffset = 112
)

func parsePrstatus(machine elf.Machine, desc []byte) (thread, error) {
	if len(desc) < prstatusRegOffset {
		return thread{}, errBadRegisters
	}
	t := thread{
		tid: int32(binary.LittleEndian.Uint32(desc[prstatusPidOffset:])),
	}

	regs := desc[prstatusRegOffset:]
	reg := func(i int) uint64 {
		return binary.LittleEndian.Uint64(regs[i*8:])
	}
	switch machine {
	case elf.EM_X86_64:
		// user_regs_struct: 27 words, rbp=4, rip=16, rsp=19.
		if len(regs) < 27*8 {
			return thread{}, errBadRegisters
		}
		t.fp = reg(4)
		t.pc = reg(16)
		t.sp = reg(19)
	case elf.EM_AARCH64:
		// user_pt_regs: x0..x30, sp, pc, pstate. x29 is the frame pointer.
		if len(regs) < 34*8 {
			return thread{}, errBadRegisters
		}
		t.fp = reg(29)
		t.sp = reg(31)
		t.pc = reg(32)
	default:
		return thread{}, fmt.Errorf("stacktrace: unsupported machine %v", machine)
	}
	return t, nil
}

// parseFileNote decodes NT_FILE: a count, the page size, count (start, end,
// file offset) triples and count NUL-terminated path strings. Ranges of the
// same path are folded into a single module spanning its lowest start and
// highest end.
func parseFileNote(desc []byte) ([]module, error) {
	if len(desc) < 16 {
		return nil, fmt.Errorf("stacktrace: NT_FILE note too short")
	}
	count := binary.LittleEndian.Uint64(desc)
	const entrySize = 3 * 8
	if count > uint64((len(desc)-16)/entrySize) {
		return nil, fmt.Errorf("stacktrace: NT_FILE count %d exceeds note size", count)
	}

	type mapping struct {
		start, end uint64
	}
	mappings := make([]mapping, count)
	off := 16
	for i := range mappings {
		mappings[i].start = binary.LittleEndian.Uint64(desc[off:])
		mappings[i].end = binary.LittleEndian.Uint64(desc[off+8:])
		off += entrySize
	}

	names := desc[off:]
	byName := make(map[string]int)
	var modules []module
	for i := range mappings {
		nul := bytes.IndexByte(names, 0)
		if nul < 0 {
			return nil, fmt.Errorf("stacktrace: NT_FILE is missing path %d", i)
		}
		name := string(names[:nul])
		names = names[nul+1:]

		if idx, ok := byName[name]; ok {
			if mappings[i].start < modules[idx].start {
				modules[idx].start = mappings[i].start
			}
			if mappings[i].end > modules[idx].end {
				modules[idx].end = mappings[i].end
			}
			continue
		}
		byName[name] = len(modules)
		modules = append(modules, module{
			name:  name,
			start: mappings[i].start,
			end:   mappings[i].end,
		})
	}
	return modules, nil
}

// readWord reads one 64-bit word of the dumped address space. Addresses
// outside any dumped segment fail, which naturally terminates unwinding.
func (c *core) readWord(addr uint64) (uint64, error) {
	for _, prog := range c.loads {
		if addr < prog.Vaddr || addr+8 > prog.Vaddr+prog.Filesz {
			continue
		}
		var buf [8]byte
		if _, err := prog.ReadAt(buf[:], int64(addr-prog.Vaddr)); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	return 0, fmt.Errorf("stacktrace: address %#x not in the dump", addr)
}

// moduleFor returns the module containing addr, if any.
func (c *core) moduleFor(addr uint64) *module {
	for i := range c.modules {
		if addr >= c.modules[i].start && addr < c.modules[i].end {
			return &c.modules[i]
		}
	}
	return nil
}
