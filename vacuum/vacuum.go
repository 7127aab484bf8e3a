// Package vacuum enforces the disk quota of the artifact store by deleting
// the oldest cores first.
package vacuum

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/report"
)

const artifactPrefix = "core."

// FreeFunc reports the bytes available to unprivileged writers on the
// filesystem backing dir.
type FreeFunc func(dir string) (int64, error)

func statfsFree(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * st.Bsize, nil
}

type candidate struct {
	name  string
	size  int64
	mtime int64
}

type Runner struct {
	fs   afero.Fs
	free FreeFunc
}

func New(fs afero.Fs) *Runner {
	return &Runner{
		fs:   fs,
		free: statfsFree,
	}
}

// Run deletes artifacts under root, oldest first, until at least keepFree
// bytes are available and no more than maxUse bytes are used by artifacts.
// keepFree of 0 disables the free-space requirement. The artifact named by
// exclude is never deleted; pass "" when there is none. Returns the number
// of artifacts removed.
func (r *Runner) Run(ctx context.Context, root string, keepFree, maxUse int64, exclude string) (int, error) {
	reporter := report.R(ctx)

	candidates, used, err := r.scan(root, exclude)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	var freed int64
	for _, c := range candidates {
		over, err := r.overQuota(root, used, keepFree, maxUse)
		if err != nil {
			return removed, err
		}
		if !over {
			break
		}
		if err := r.fs.Remove(c.name); err != nil {
			// A racing unlink is fine; anything else is logged and the
			// pass moves on to the next candidate.
			if !os.IsNotExist(err) {
				reporter.AddError("vacuum.unlink", err)
				continue
			}
		}
		used -= c.size
		freed += c.size
		removed++
	}

	if removed > 0 {
		reporter.AddInt("vacuum.removed", int64(removed))
		reporter.AddInt("vacuum.freedbytes", freed)
	}
	return removed, nil
}

func (r *Runner) overQuota(root string, used, keepFree, maxUse int64) (bool, error) {
	if used > maxUse {
		return true, nil
	}
	if keepFree <= 0 {
		return false, nil
	}
	free, err := r.free(root)
	if err != nil {
		return false, err
	}
	return free < keepFree, nil
}

// scan returns the removable artifacts oldest first plus the total artifact
// usage of the directory, the excluded artifact included.
func (r *Runner) scan(root, exclude string) ([]candidate, int64, error) {
	infos, err := afero.ReadDir(r.fs, root)
	if err != nil {
		return nil, 0, err
	}

	var (
		candidates []candidate
		used       int64
	)
	for _, info := range infos {
		if info.IsDir() || !strings.HasPrefix(info.Name(), artifactPrefix) {
			continue
		}
		full := path.Join(root, info.Name())
		used += info.Size()
		if full == exclude {
			continue
		}
		candidates = append(candidates, candidate{
			name:  full,
			size:  info.Size(),
			mtime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mtime != candidates[j].mtime {
			return candidates[i].mtime < candidates[j].mtime
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates, used, nil
}
