// The kernel crash handler: invoked via core_pattern with the core on
// stdin, it gathers metadata and hands the crash to the collector daemon.
// PID 1 and the journal service are handled in-process since the rest of
// the system may already be gone with them.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/collector"
	"github.com/noxiouz/coredumpd/configuration"
	"github.com/noxiouz/coredumpd/configuration/configurator"
	_ "github.com/noxiouz/coredumpd/configuration/configurator/localfile"
	"github.com/noxiouz/coredumpd/fields"
	"github.com/noxiouz/coredumpd/journal"
	"github.com/noxiouz/coredumpd/procinfo"
	"github.com/noxiouz/coredumpd/protocol"
	"github.com/noxiouz/coredumpd/report"
	"github.com/noxiouz/coredumpd/stacktrace"
)

const defaultConfigPath = "/etc/coredumpd/config.yaml"

// Priority of the crash record, LOG_CRIT.
const recordPriority = "2"

func SetUpLogger(w io.Writer) {
	log.SetOutput(w)
	log.SetPrefix(fmt.Sprintf("%v: ", uuid.NewString()))
}

func loadConfig(ctx context.Context) (*configuration.Config, error) {
	scheme, path := "file", defaultConfigPath
	if _, err := os.Stat(defaultConfigPath); err != nil {
		scheme, path = "embed", ""
	}
	cfg, err := configurator.Open(scheme, path)
	if err != nil {
		return nil, err
	}
	return cfg.Get(ctx)
}

// disableCollection resets the kernel dump routing so a crash-looping PID 1
// or journal service cannot keep re-entering the handler.
func disableCollection() error {
	return os.WriteFile("/proc/sys/kernel/core_pattern", []byte("|/bin/false\n"), 0644)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == stacktrace.ChildArg {
		stacktrace.Child()
	}
	// No dump of the dumper: a crash in here must not recurse.
	unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)

	ctx := context.Background()
	config, err := loadConfig(ctx)
	if err != nil {
		log.Fatalf("%v", err)
	}
	f, err := os.OpenFile(config.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Println(err)
		SetUpLogger(io.Discard)
	} else {
		SetUpLogger(f)
		defer f.Close()
	}

	reporter := report.New()
	sink := &report.LogBasedReporter{Logger: log.Default()}
	defer reporter.Report(sink)
	ctx = report.WithReport(ctx, reporter)
	log.Println("Start dump")

	// Failures are logged and reported; the deferred Report must still
	// run, so no early exit here.
	if err := run(ctx, config); err != nil {
		log.Println(err)
		reporter.AddError("handler.error", err)
	}
}

func run(ctx context.Context, config *configuration.Config) error {
	v, err := vectorFromArgv(os.Args[1:])
	if err != nil {
		return err
	}

	crash, err := fields.NewContext(v)
	if err != nil {
		return err
	}
	if err := procinfo.Collect(ctx, afero.NewOsFs(), crash.PID, v); err != nil {
		return err
	}
	// Unit detection needs the collected fields; rebuild the view.
	crash, err = fields.NewContext(v)
	if err != nil {
		return err
	}

	if crash.IsInit || crash.IsJournald {
		return submitLocal(ctx, config, v, crash.IsInit)
	}
	return protocol.Forward(config.SocketPath, v, int(os.Stdin.Fd()))
}

// vectorFromArgv turns the kernel-supplied positional arguments into the
// base metadata vector. The count is a hard contract with core_pattern.
func vectorFromArgv(args []string) (*fields.Vector, error) {
	if len(args) != len(fields.ArgvNames) {
		return nil, fmt.Errorf("expected %d kernel arguments, got %d", len(fields.ArgvNames), len(args))
	}

	v := fields.NewVector()
	for i, name := range fields.ArgvNames {
		value := args[i]
		// The kernel hands out whole seconds; journal consumers expect
		// microsecond granularity.
		if name == fields.Timestamp {
			value += "000000"
		}
		if err := v.Append(name, value); err != nil {
			return nil, err
		}
	}

	if signo, err := parseSignal(args[3]); err == nil {
		if err := v.Append("COREDUMP_SIGNAL_NAME=", unix.SignalName(signo)); err != nil {
			return nil, err
		}
	}
	if err := v.Append("MESSAGE_ID=", journal.MessageID); err != nil {
		return nil, err
	}
	if err := v.Append("PRIORITY=", recordPriority); err != nil {
		return nil, err
	}
	return v, nil
}

func parseSignal(s string) (syscall.Signal, error) {
	var signo int
	if _, err := fmt.Sscanf(s, "%d", &signo); err != nil {
		return 0, err
	}
	return syscall.Signal(signo), nil
}

// submitLocal processes the crash in this very process, publishing through
// kmsg. Forwarding would depend on services that just died.
func submitLocal(ctx context.Context, config *configuration.Config, v *fields.Vector, isInit bool) error {
	if isInit {
		if err := disableCollection(); err != nil {
			report.R(ctx).AddError("handler.disable", err)
		}
	}

	sink, err := journal.NewKmsgSink()
	if err != nil {
		return fmt.Errorf("failed to open the fallback log: %w", err)
	}
	return collector.New(afero.NewOsFs(), config, sink).Submit(ctx, v, os.Stdin)
}
