// Keeps the crash-PC sampler loaded: the kprobe on do_coredump records the
// last user-space return addresses of every crashing process into a pinned
// map the collector reads as a backtrace hint.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/bpfbacktracer"
)

func main() {
	stopper := make(chan os.Signal, 1)
	signal.Notify(stopper, os.Interrupt, syscall.SIGTERM)

	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}); err != nil {
		log.Fatalf("setting temporary rlimit: %s", err)
	}
	s, err := bpfbacktracer.NewSampler()
	if err != nil {
		log.Fatalf("sampler.New failed: %v", err)
	}
	defer s.Close()
	log.Println("Stand by... Keeping KProbe alive")
	<-stopper
}
