package stacktrace

import (
	"debug/elf"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// ChildArg marks an invocation of our own binary as the sandboxed analysis
// worker. The kernel handler and the daemon both check for it before doing
// anything else.
const ChildArg = "--backtrace-worker"

// Worker file descriptor contract: the core arrives on stdin, the rendered
// backtrace leaves on stdout, package metadata JSON on fd 3 and a signed
// 32-bit failure code on fd 4.
const (
	jsonPipeFd  = 3
	errorPipeFd = 4
)

// Child runs the analysis worker and never returns. It executes inside
// fresh mount and user namespaces with RLIMIT_CORE forced to zero, so a
// crash while chewing on a hostile core cannot recurse into the handler.
func Child() {
	jsonPipe := os.NewFile(jsonPipeFd, "json-pipe")
	errPipe := os.NewFile(errorPipeFd, "error-pipe")

	if code := runChild(os.Stdin, os.Stdout, jsonPipe); code != 0 {
		binary.Write(errPipe, binary.LittleEndian, code)
		os.Exit(1)
	}
	os.Exit(0)
}

func runChild(core *os.File, text, meta *os.File) int32 {
	unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})

	f, err := elf.NewFile(core)
	if err != nil {
		return -int32(unix.EBADMSG)
	}

	res, err := analyzeCore(f)
	if err != nil {
		if !errors.Is(err, errNotCore) {
			return errorCode(err)
		}
		res, err = analyzeObject(f)
		if err != nil {
			return errorCode(err)
		}
	}

	if res.Text != "" {
		if _, err := text.WriteString(res.Text); err != nil {
			return -int32(unix.EPIPE)
		}
	}
	if len(res.PackageMetadata) > 0 {
		if _, err := meta.Write(res.PackageMetadata); err != nil {
			return -int32(unix.EPIPE)
		}
	}
	return 0
}

// analyzeCore interprets a kernel core file: thread stacks plus the package
// provenance of every mapped module.
func analyzeCore(f *elf.File) (*Result, error) {
	c, err := parseCore(f)
	if err != nil {
		return nil, err
	}
	return &Result{
		Text:            formatThreads(c, newResolver()),
		PackageMetadata: packageMetadata(c, elf.Open),
	}, nil
}

// analyzeObject handles the degenerate case of a plain ELF object arriving
// instead of a core: no stacks, provenance only.
func analyzeObject(f *elf.File) (*Result, error) {
	meta := moduleMetadata(f)
	if meta == nil {
		return nil, errors.New("stacktrace: object carries no metadata")
	}
	out, err := json.Marshal(map[string]interface{}{"object": meta})
	if err != nil {
		return nil, err
	}
	return &Result{PackageMetadata: out}, nil
}

func errorCode(err error) int32 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	switch {
	case errors.Is(err, errNotCore), errors.Is(err, errNoThreads), errors.Is(err, errBadRegisters):
		return -int32(unix.EBADMSG)
	default:
		return -int32(unix.EIO)
	}
}
