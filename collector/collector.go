// Package collector orchestrates one crash from received metadata to the
// published record: quota enforcement, storage, trace extraction and the
// final journal entry.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/bpfbacktracer"
	"github.com/noxiouz/coredumpd/configuration"
	"github.com/noxiouz/coredumpd/dumper"
	"github.com/noxiouz/coredumpd/fields"
	"github.com/noxiouz/coredumpd/journal"
	"github.com/noxiouz/coredumpd/protocol"
	"github.com/noxiouz/coredumpd/report"
	"github.com/noxiouz/coredumpd/stacktrace"
	"github.com/noxiouz/coredumpd/vacuum"
)

type Collector struct {
	fs      afero.Fs
	cfg     *configuration.Config
	dumper  *dumper.Dumper
	vacuum  *vacuum.Runner
	sink    journal.Sink
	reports report.Sink

	// Injection points for the pieces that need a real kernel underneath.
	extract func(ctx context.Context, core *os.File) (*stacktrace.Result, error)
	hint    func(pid int64) string
}

func New(fs afero.Fs, cfg *configuration.Config, sink journal.Sink) *Collector {
	return &Collector{
		fs:      fs,
		cfg:     cfg,
		dumper:  dumper.New(fs, cfg),
		vacuum:  vacuum.New(fs),
		sink:    sink,
		reports: &report.LogBasedReporter{Logger: log.Default()},
		extract: stacktrace.Extract,
		hint:    bpfbacktracer.Hint,
	}
}

// Serve accepts connections until the listener fails or ctx is cancelled.
// Each connection is one crash, handled on its own goroutine.
func (c *Collector) Serve(ctx context.Context, l *protocol.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var g errgroup.Group
	for {
		fd, err := l.Accept()
		if err != nil {
			g.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		g.Go(func() error {
			c.handleConnection(ctx, fd)
			return nil
		})
	}
}

func (c *Collector) handleConnection(ctx context.Context, fd int) {
	defer unix.Close(fd)

	v, core, err := protocol.Receive(fd)
	if err != nil {
		log.Printf("dropping crash record: %v", err)
		return
	}
	defer core.Close()

	if err := c.Submit(ctx, v, core); err != nil {
		log.Printf("failed to process crash: %v", err)
	}
}

// Submit runs the pipeline for one crash. The record is abandoned only on
// a validation failure; every later stage degrades instead of aborting,
// and a journal record goes out no matter what.
func (c *Collector) Submit(ctx context.Context, v *fields.Vector, core *os.File) error {
	reporter := report.New()
	defer reporter.Report(c.reports)
	ctx = report.WithReport(ctx, reporter)

	started := time.Now()
	defer func() {
		reporter.AddDuration("submit.duration", time.Since(started))
	}()

	crash, err := fields.NewContext(v)
	if err != nil {
		return err
	}
	if err := crash.Validate(); err != nil {
		return err
	}
	reporter.AddInt("crash.pid", crash.PID)
	reporter.AddString("crash.comm", crash.Get(fields.Comm))

	if _, err := c.vacuum.Run(ctx, c.cfg.StoreRoot, c.cfg.KeepFree, c.cfg.MaxUse, ""); err != nil {
		reporter.AddError("vacuum.pre", err)
	}

	res, err := c.dumper.Save(ctx, crash, core)
	if err != nil {
		// Storage failure degrades to a record without an artifact.
		reporter.AddError("dump.error", err)
		res = nil
	}
	var params journal.Params
	if res != nil {
		defer res.Close()
		params.Filename = res.Filename
		params.Truncated = res.Truncated
	}

	if res != nil {
		exclude := res.Filename
		if _, err := c.vacuum.Run(ctx, c.cfg.StoreRoot, c.cfg.KeepFree, c.cfg.MaxUse, exclude); err != nil {
			reporter.AddError("vacuum.post", err)
		}
	}

	if res != nil {
		c.analyze(ctx, crash, res, &params)
		c.embed(ctx, res, &params)

		removed, err := c.dumper.MaybeRemove(res.Filename, res.Size)
		if err != nil {
			reporter.AddError("dump.remove", err)
		}
		if removed {
			params.Filename = ""
		}
	}
	if params.Backtrace == "" {
		if hint := c.hint(crash.PID); hint != "" {
			params.Backtrace = hint
			reporter.AddBool("stacktrace.sampled", true)
		}
	}

	if err := journal.Amend(crash, v, params); err != nil {
		return fmt.Errorf("collector: failed to build the record: %w", err)
	}
	if err := c.sink.Emit(ctx, v); err != nil {
		return fmt.Errorf("collector: failed to publish the record: %w", err)
	}
	return nil
}

// analyze runs the sandboxed extractor over the stored core. Best-effort
// and bounded; a failed analysis only costs the backtrace.
func (c *Collector) analyze(ctx context.Context, crash *fields.Context, res *dumper.Result, params *journal.Params) {
	reporter := report.R(ctx)

	if res.Data == nil || res.Size > c.cfg.ProcessSizeMax {
		return
	}
	coreFile, ok := res.Data.(*os.File)
	if !ok {
		return
	}

	tr, err := c.extract(ctx, coreFile)
	if err != nil {
		var childErr *stacktrace.ChildError
		if errors.As(err, &childErr) {
			reporter.AddInt("stacktrace.childcode", int64(childErr.Code))
		}
		return
	}
	params.Backtrace = tr.Text
	params.PackageMetadata = tr.PackageMetadata
}

// embed loads the core bytes into the record when the journal storage mode
// applies and the core fits the cap; otherwise the artifact stays on disk
// and the record notes the diversion.
func (c *Collector) embed(ctx context.Context, res *dumper.Result, params *journal.Params) {
	if c.cfg.Storage != configuration.StorageJournal {
		return
	}
	if res.Size > c.cfg.JournalSizeMax || res.Data == nil {
		params.Diverted = true
		return
	}
	if _, err := res.Data.Seek(0, io.SeekStart); err != nil {
		report.R(ctx).AddError("embed.error", err)
		params.Diverted = true
		return
	}
	inline, err := io.ReadAll(io.LimitReader(res.Data, c.cfg.JournalSizeMax))
	if err != nil {
		report.R(ctx).AddError("embed.error", err)
		params.Diverted = true
		return
	}
	params.Inline = inline
}
