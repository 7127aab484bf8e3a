// Package stacktrace renders a textual backtrace and package provenance for
// a stored core. The actual ELF interpretation happens in a re-executed
// copy of our own binary, jailed into private mount and user namespaces, so
// that a malformed or malicious core can at worst kill the worker.
package stacktrace

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/report"
)

// Output ceilings for what the worker may send back.
const (
	textMax = 4 << 20
	jsonMax = 4 << 20
)

// ExtractTimeout bounds a single analysis run. Cores are attacker supplied;
// an unwinder chasing garbage must not stall crash processing.
const ExtractTimeout = 30 * time.Second

// Result is what the worker produced for one core.
type Result struct {
	// Text is the rendered per-thread backtrace, empty for non-core input.
	Text string
	// PackageMetadata is a JSON object keyed by module path, nil when no
	// module carried provenance.
	PackageMetadata []byte
}

// ChildError is a failure the worker diagnosed itself and reported over the
// error pipe, as opposed to the worker dying.
type ChildError struct {
	Code int32
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("stacktrace: worker failed with code %d", e.Code)
}

// Extract analyzes the core in the sandboxed worker. The core handle must
// be a real file descriptor; it becomes the worker's stdin.
func Extract(ctx context.Context, core *os.File) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ExtractTimeout)
	defer cancel()

	started := time.Now()
	res, err := extract(ctx, core)

	reporter := report.R(ctx)
	reporter.AddDuration("stacktrace.duration", time.Since(started))
	if err != nil {
		reporter.AddError("stacktrace.error", err)
	}
	return res, err
}

func extract(ctx context.Context, core *os.File) (*Result, error) {
	textR, textW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	jsonR, jsonW, err := os.Pipe()
	if err != nil {
		textR.Close()
		textW.Close()
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		textR.Close()
		textW.Close()
		jsonR.Close()
		jsonW.Close()
		return nil, err
	}
	defer textR.Close()
	defer jsonR.Close()
	defer errR.Close()

	cmd := exec.Command("/proc/self/exe", ChildArg)
	cmd.Stdin = core
	cmd.Stdout = textW
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{jsonW, errW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
		Pdeathsig:                  unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		textW.Close()
		jsonW.Close()
		errW.Close()
		return nil, fmt.Errorf("stacktrace: failed to start worker: %w", err)
	}
	// The worker holds the write ends now; ours must go so the readers see
	// EOF when it exits.
	textW.Close()
	jsonW.Close()
	errW.Close()

	var textBuf, jsonBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&textBuf, io.LimitReader(textR, textMax))
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&jsonBuf, io.LimitReader(jsonR, jsonMax))
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&errBuf, io.LimitReader(errR, 4))
		return err
	})

	kill := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-kill:
		}
	}()

	readErr := g.Wait()
	waitErr := cmd.Wait()
	close(kill)

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stacktrace: worker aborted: %w", ctx.Err())
		}
		if errBuf.Len() >= 4 {
			code := int32(binary.LittleEndian.Uint32(errBuf.Bytes()))
			return nil, &ChildError{Code: code}
		}
		// Died without a report: crashed or was killed mid-analysis.
		return nil, fmt.Errorf("stacktrace: worker terminated: %w", waitErr)
	}
	if readErr != nil {
		return nil, fmt.Errorf("stacktrace: failed to read worker output: %w", readErr)
	}

	res := &Result{
		Text: textBuf.String(),
	}
	if jsonBuf.Len() > 0 {
		res.PackageMetadata = jsonBuf.Bytes()
	}
	return res, nil
}
