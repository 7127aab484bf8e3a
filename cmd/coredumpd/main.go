// The collector daemon: listens on the crash socket and turns forwarded
// crashes into stored artifacts and journal records.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/noxiouz/coredumpd/collector"
	"github.com/noxiouz/coredumpd/configuration/configurator"
	_ "github.com/noxiouz/coredumpd/configuration/configurator/localfile"
	"github.com/noxiouz/coredumpd/journal"
	"github.com/noxiouz/coredumpd/protocol"
	"github.com/noxiouz/coredumpd/stacktrace"

	"github.com/spf13/afero"
)

var config = flag.String("cfg", "embed:", "config location, <scheme>:<path>")

func SetUpLogger(w io.Writer) {
	log.SetOutput(w)
	log.SetPrefix(fmt.Sprintf("%v: ", uuid.NewString()))
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == stacktrace.ChildArg {
		stacktrace.Child()
	}
	flag.Parse()

	scheme, path, found := strings.Cut(*config, ":")
	if !found {
		log.Fatalf("malformed config location %q", *config)
	}
	cfg, err := configurator.Open(scheme, path)
	if err != nil {
		log.Fatalf("%v", err)
	}
	conf, err := cfg.Get(context.Background())
	if err != nil {
		log.Fatalf("%v", err)
	}

	f, err := os.OpenFile(conf.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Println(err)
		SetUpLogger(io.Discard)
	} else {
		SetUpLogger(f)
		defer f.Close()
	}

	l, err := protocol.Listen(conf.SocketPath)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", conf.SocketPath, err)
	}
	defer l.Close()
	log.Printf("listening on %s", conf.SocketPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := collector.New(afero.NewOsFs(), conf, journal.NewSocketSink(""))
	if err := c.Serve(ctx, l); err != nil && ctx.Err() == nil {
		log.Fatalf("%v", err)
	}
}
