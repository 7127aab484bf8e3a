// Package dumper decides whether and how a received core dump is persisted
// and performs the streaming transfer under the configured size ceilings.
package dumper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/noxiouz/coredumpd/configuration"
	"github.com/noxiouz/coredumpd/fields"
	"github.com/noxiouz/coredumpd/report"
	"github.com/noxiouz/coredumpd/utils/xioutil"
)

var (
	// ErrDumpingDisabled means RLIMIT_CORE of the crashed process is below
	// one page; the kernel would not have produced a usable dump either.
	ErrDumpingDisabled = errors.New("dumper: resource limits disable core dumping")
	// ErrLimitsZero means processing and storage ceilings are both zero.
	ErrLimitsZero = errors.New("dumper: processing and storage limits are both 0")
)

// Result describes what Save did with the core.
type Result struct {
	// Filename is the published path, empty when nothing was persisted.
	Filename string
	// Data is an open handle to the uncompressed core for trace extraction
	// and journal embedding, nil when unavailable. For the compressed path
	// this is an already-unlinked scratch copy.
	Data afero.File
	// Size is the uncompressed size actually transferred.
	Size int64
	// CompressedSize is the on-disk size for the compressed path.
	CompressedSize int64
	// Truncated is set when the plain copy hit the effective cap.
	Truncated bool
}

// Close releases the data handle, if any.
func (r *Result) Close() {
	if r.Data != nil {
		r.Data.Close()
	}
}

type Dumper struct {
	fs  afero.Fs
	cfg *configuration.Config
}

func New(fs afero.Fs, cfg *configuration.Config) *Dumper {
	return &Dumper{
		fs:  fs,
		cfg: cfg,
	}
}

func (d *Dumper) storageSizeMax() int64 {
	switch d.cfg.Storage {
	case configuration.StorageExternal:
		return d.cfg.ExternalSizeMax
	case configuration.StorageJournal:
		return d.cfg.JournalSizeMax
	default:
		return 0
	}
}

// EffectiveCap returns the byte ceiling for this crash, honoring both the
// configuration and the crashing process's own RLIMIT_CORE.
func (d *Dumper) EffectiveCap(rlimit int64) (int64, error) {
	if rlimit < int64(os.Getpagesize()) {
		return 0, ErrDumpingDisabled
	}
	processLimit := d.cfg.ProcessSizeMax
	if m := d.storageSizeMax(); m > processLimit {
		processLimit = m
	}
	if processLimit == 0 {
		return 0, ErrLimitsZero
	}
	if rlimit < processLimit {
		return rlimit, nil
	}
	return processLimit, nil
}

// Save streams the core from input into the store, honoring mode, caps and
// compression, and returns handles for the downstream consumers. Nothing
// partially written is ever visible under the final name.
func (d *Dumper) Save(ctx context.Context, c *fields.Context, input io.Reader) (*Result, error) {
	reporter := report.R(ctx)
	dumpStarted := time.Now()

	rlimit := parseSize(c.Get(fields.RLimit))
	maxSize, err := d.EffectiveCap(rlimit)
	if err != nil {
		return nil, err
	}

	filename, err := MakeFilename(d.fs, d.cfg.StoreRoot, c)
	if err != nil {
		return nil, fmt.Errorf("dumper: failed to determine coredump file name: %w", err)
	}

	if err := d.fs.MkdirAll(d.cfg.StoreRoot, 0755); err != nil {
		return nil, err
	}

	var res *Result
	if d.cfg.Compress {
		res, err = d.saveCompressed(ctx, c, input, filename, maxSize)
	} else {
		res, err = d.savePlain(ctx, c, input, filename, maxSize)
	}
	if err != nil {
		return nil, err
	}

	reporter.AddInt("core.size", res.Size)
	reporter.AddString("core.filepath", res.Filename)
	reporter.AddBool("core.truncated", res.Truncated)
	reporter.AddDuration("core.dumpingduration", time.Since(dumpStarted))
	return res, nil
}

func (d *Dumper) saveCompressed(ctx context.Context, c *fields.Context, input io.Reader, filename string, maxSize int64) (*Result, error) {
	filename += compressedSuffix(d.cfg.Compression)
	tmp := tempName(filename)

	file, err := d.fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("dumper: failed to create temporary file for %s: %w", filename, err)
	}

	compressor, err := newCompressor(d.cfg.Compression, file)
	if err != nil {
		file.Close()
		d.fs.Remove(tmp)
		return nil, err
	}

	// From here on input has advanced; it is too late to fall back to
	// uncompressed storage.
	counted := &xioutil.CountingWriter{W: compressor}
	_, _, err = d.copyCapped(ctx, counted, input, maxSize)
	if err == nil {
		err = compressor.Close()
	}
	if err != nil {
		file.Close()
		d.fs.Remove(tmp)
		return nil, fmt.Errorf("dumper: failed to compress %s: %w", tmp, err)
	}
	uncompressedSize := counted.N

	if err := d.publish(file, tmp, filename, c); err != nil {
		d.fs.Remove(tmp)
		return nil, err
	}

	st, err := d.fs.Stat(filename)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Filename:       filename,
		Size:           uncompressedSize,
		CompressedSize: st.Size(),
	}

	// The core came from a stream we cannot rewind, so to feed trace
	// extraction and journal embedding we decompress the archive into a
	// throwaway scratch copy. Strictly best-effort: without it we only
	// lose the backtrace.
	if (d.cfg.Storage == configuration.StorageJournal && uncompressedSize <= d.cfg.JournalSizeMax) ||
		uncompressedSize <= d.cfg.ProcessSizeMax {
		res.Data = d.scratchDecompress(ctx, filename, maxSize)
	}

	return res, nil
}

func (d *Dumper) savePlain(ctx context.Context, c *fields.Context, input io.Reader, filename string, maxSize int64) (*Result, error) {
	tmp := tempName(filename)

	file, err := d.fs.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("dumper: failed to create temporary file for %s: %w", filename, err)
	}

	size, truncated, err := d.copyCapped(ctx, file, input, maxSize)
	if err != nil {
		file.Close()
		d.fs.Remove(tmp)
		return nil, fmt.Errorf("dumper: cannot store coredump of %s (%s): %w",
			c.Get(fields.PID), c.Get(fields.Comm), err)
	}

	if err := d.publish(file, tmp, filename, c); err != nil {
		d.fs.Remove(tmp)
		return nil, err
	}

	data, err := d.fs.Open(filename)
	if err != nil {
		return nil, err
	}

	return &Result{
		Filename:  filename,
		Data:      data,
		Size:      size,
		Truncated: truncated,
	}, nil
}

// copyCapped copies at most max bytes and reports whether the source had
// more to offer.
func (d *Dumper) copyCapped(ctx context.Context, dst io.Writer, src io.Reader, max int64) (int64, bool, error) {
	wr := xioutil.NewCancellableWriter(ctx, dst)
	n, err := io.Copy(wr, io.LimitReader(src, max))
	if err != nil {
		return n, false, err
	}
	if n < max {
		return n, false, nil
	}
	// Probe one extra byte to distinguish exact fit from truncation.
	var one [1]byte
	if k, _ := io.ReadFull(src, one[:]); k > 0 {
		return n, true, nil
	}
	return n, false, nil
}

// publish finalizes the artifact: permissions, metadata mirrors, fsync of
// file and directory, then an atomic rename under the final name.
func (d *Dumper) publish(file afero.File, tmp, filename string, c *fields.Context) error {
	applyAttributes(d.fs, file, c)

	if err := file.Sync(); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("dumper: failed to sync coredump %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := d.fs.Rename(tmp, filename); err != nil {
		return fmt.Errorf("dumper: failed to move coredump into place: %w", err)
	}
	syncDir(d.fs, path.Dir(filename))
	return nil
}

// scratchDecompress streams the stored archive into an unlinked scratch
// file. The handle survives the unlink; its absence is never fatal.
func (d *Dumper) scratchDecompress(ctx context.Context, filename string, maxSize int64) afero.File {
	reporter := report.R(ctx)

	archive, err := d.fs.Open(filename)
	if err != nil {
		reporter.AddError("core.scratch.error", err)
		return nil
	}
	defer archive.Close()

	decompressor, err := newDecompressor(d.cfg.Compression, archive)
	if err != nil {
		reporter.AddError("core.scratch.error", err)
		return nil
	}
	defer decompressor.Close()

	scratchName := tempName(filename) + ".uncompressed"
	scratch, err := d.fs.Create(scratchName)
	if err != nil {
		reporter.AddError("core.scratch.error", err)
		return nil
	}
	// Unlink right away, success or failure: only the open handle keeps
	// the scratch copy alive.
	d.fs.Remove(scratchName)

	if _, _, err := d.copyCapped(ctx, scratch, decompressor, maxSize); err != nil {
		reporter.AddError("core.scratch.error", err)
		scratch.Close()
		return nil
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		scratch.Close()
		return nil
	}
	return scratch
}

// MaybeRemove unlinks the artifact when policy does not keep it on disk.
// Returns true if the file is not retained.
func (d *Dumper) MaybeRemove(filename string, size int64) (bool, error) {
	switch d.cfg.Storage {
	case configuration.StorageExternal:
		if size <= d.cfg.ExternalSizeMax {
			return false, nil
		}
	case configuration.StorageJournal:
		// Too large to inline into the record: the on-disk artifact stays
		// as the diverted copy.
		if size > d.cfg.JournalSizeMax && size <= d.cfg.ExternalSizeMax {
			return false, nil
		}
	}
	if filename == "" {
		return true, nil
	}
	if err := d.fs.Remove(filename); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("dumper: failed to unlink %s: %w", filename, err)
	}
	return true, nil
}

func newCompressor(codec configuration.Compression, wr io.Writer) (io.WriteCloser, error) {
	switch codec {
	case configuration.CompressionNone:
		return xioutil.WriterNopCloser{Writer: wr}, nil
	case configuration.CompressionZstd:
		return zstd.NewWriter(wr)
	case configuration.CompressionSnappy:
		return snappy.NewBufferedWriter(wr), nil
	default:
		return nil, fmt.Errorf("unknown compression type %q", codec)
	}
}

func newDecompressor(codec configuration.Compression, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case configuration.CompressionNone:
		return io.NopCloser(r), nil
	case configuration.CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case configuration.CompressionSnappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unknown compression type %q", codec)
	}
}

func compressedSuffix(codec configuration.Compression) string {
	switch codec {
	case configuration.CompressionZstd:
		return ".zstd"
	case configuration.CompressionSnappy:
		return ".snappy"
	default:
		return ""
	}
}

func tempName(filename string) string {
	return path.Join(path.Dir(filename), "."+path.Base(filename)+".tmp")
}

func syncDir(fs afero.Fs, dir string) {
	f, err := fs.Open(dir)
	if err != nil {
		return
	}
	f.Sync()
	f.Close()
}

// parseSize parses a kernel-supplied byte count. RLIMIT_CORE may arrive as
// RLIM_INFINITY which exceeds int64; clamp instead of failing.
func parseSize(s string) int64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return int64(^uint64(0) >> 1)
		}
		return 0
	}
	if n > uint64(^uint64(0)>>1) {
		return int64(^uint64(0) >> 1)
	}
	return int64(n)
}
