package stacktrace

import (
	"debug/elf"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Hard bounds on what a single crash may cost us. Anything beyond is cut
// off, not an error.
const (
	ThreadsMax = 64
	FramesMax  = 64
)

type frame struct {
	pc uint64
}

// unwind walks the stack of one thread through saved frame pointers. Every
// step has to move strictly up the stack; a failed memory read, a zero
// return address or a non-monotonic frame pointer ends the walk.
func unwind(c *core, t thread) []frame {
	frames := make([]frame, 0, 8)
	pc, fp := t.pc, t.fp
	var prevFP uint64

	for len(frames) < FramesMax {
		frames = append(frames, frame{pc: pc})
		if fp == 0 || fp <= prevFP {
			break
		}
		nextFP, err := c.readWord(fp)
		if err != nil {
			break
		}
		ret, err := c.readWord(fp + 8)
		if err != nil || ret == 0 {
			break
		}
		prevFP = fp
		pc = ret
		fp = nextFP
	}
	return frames
}

// formatThreads renders the per-thread backtraces in the journal text
// format, resolving symbols through res.
func formatThreads(c *core, res *resolver) string {
	var sb strings.Builder
	for i, t := range c.threads {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "Stack trace of thread %d:\n", t.tid)
		for n, f := range unwind(c, t) {
			writeFrame(&sb, n, f.pc, c, res)
		}
	}
	return sb.String()
}

func writeFrame(w io.Writer, n int, pc uint64, c *core, res *resolver) {
	mod := c.moduleFor(pc)
	if mod == nil {
		fmt.Fprintf(w, "#%-2d 0x%016x n/a (n/a)\n", n, pc)
		return
	}
	sym, off := res.lookup(mod, pc)
	if sym == "" {
		sym = "n/a"
	}
	fmt.Fprintf(w, "#%-2d 0x%016x %s (%s + 0x%x)\n", n, pc, sym, path.Base(mod.name), off)
}

// resolver caches per-module symbol tables. Modules are read from the
// filesystem the crashed process saw; a missing or stripped module simply
// yields unresolved frames.
type resolver struct {
	open  func(name string) (*elf.File, error)
	cache map[string]*symtab
}

func newResolver() *resolver {
	return &resolver{
		open:  elf.Open,
		cache: make(map[string]*symtab),
	}
}

type symbol struct {
	value uint64
	size  uint64
	name  string
}

type symtab struct {
	// bias maps a runtime address inside the module to a link-time one.
	bias uint64
	syms []symbol
}

// lookup resolves pc inside mod to a symbol name and the offset of pc from
// the module base.
func (r *resolver) lookup(mod *module, pc uint64) (string, uint64) {
	off := pc - mod.start
	tab := r.table(mod)
	if tab == nil {
		return "", off
	}
	addr := pc - tab.bias
	i := sort.Search(len(tab.syms), func(i int) bool {
		return tab.syms[i].value > addr
	})
	if i == 0 {
		return "", off
	}
	s := tab.syms[i-1]
	if s.size > 0 && addr >= s.value+s.size {
		return "", off
	}
	return s.name, off
}

func (r *resolver) table(mod *module) *symtab {
	if tab, ok := r.cache[mod.name]; ok {
		return tab
	}
	tab := r.load(mod)
	r.cache[mod.name] = tab
	return tab
}

func (r *resolver) load(mod *module) *symtab {
	f, err := r.open(mod.name)
	if err != nil {
		return nil
	}
	defer f.Close()

	tab := &symtab{}
	if f.Type == elf.ET_DYN {
		// Position independent module: the mapping base minus the lowest
		// PT_LOAD address is the load bias.
		minVaddr := ^uint64(0)
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_LOAD && prog.Vaddr < minVaddr {
				minVaddr = prog.Vaddr
			}
		}
		if minVaddr != ^uint64(0) {
			tab.bias = mod.start - minVaddr
		}
	}

	appendSyms := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
				continue
			}
			tab.syms = append(tab.syms, symbol{value: s.Value, size: s.Size, name: s.Name})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		appendSyms(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		appendSyms(syms)
	}
	if len(tab.syms) == 0 {
		return tab
	}
	sort.Slice(tab.syms, func(i, j int) bool {
		return tab.syms[i].value < tab.syms[j].value
	})
	return tab
}
