package procinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Bound on the parent chain walk; a deeper process tree than this is not a
// container hierarchy we can make sense of.
const parentHopsMax = 128

// ContainerParentCmdline returns the command line of the closest ancestor
// living in the host mount namespace when pid itself does not. That
// ancestor is the container supervisor of a containerized crasher. Returns
// "" for processes running directly on the host.
func ContainerParentCmdline(filesystem afero.Fs, pid int64) (string, error) {
	hostNS, err := mountNamespace(filesystem, 1)
	if err != nil {
		return "", err
	}
	ns, err := mountNamespace(filesystem, pid)
	if err != nil {
		return "", err
	}
	if ns == hostNS {
		return "", nil
	}

	current := pid
	for i := 0; i < parentHopsMax; i++ {
		parent, err := parentPID(filesystem, current)
		if err != nil {
			return "", err
		}
		if parent <= 0 {
			return "", nil
		}
		parentNS, err := mountNamespace(filesystem, parent)
		if err != nil {
			return "", err
		}
		if parentNS == hostNS {
			return New(filesystem, parent).Cmdline()
		}
		current = parent
	}
	return "", fmt.Errorf("procinfo: parent chain of %d too deep", pid)
}

func mountNamespace(filesystem afero.Fs, pid int64) (string, error) {
	linkReader, ok := filesystem.(afero.LinkReader)
	if !ok {
		return "", fmt.Errorf("procinfo: filesystem does not support readlink")
	}
	return linkReader.ReadlinkIfPossible(fmt.Sprintf("/proc/%d/ns/mnt", pid))
}

func parentPID(filesystem afero.Fs, pid int64) (int64, error) {
	b, err := afero.ReadFile(filesystem, fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "PPid:") {
			continue
		}
		return strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "PPid:")), 10, 64)
	}
	return 0, fmt.Errorf("procinfo: no PPid in status of %d", pid)
}
