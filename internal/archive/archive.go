// Package archive streams a directory tree into a zip file while pausing
// regularly so the host process keeps its share of CPU and disk.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/kebairia/drivebackup/internal/logger"
)

var (
	// ErrInterrupted is returned when a pause was cut short. The archive
	// written so far is finalized and readable.
	ErrInterrupted = errors.New("archive interrupted")
	// ErrSourceNotDir is returned when the source is missing or not a directory.
	ErrSourceNotDir = errors.New("archive source is not a directory")
)

const (
	DefaultBufferSize = 4 << 10
	DefaultChunkSize  = 1 << 20
	DefaultChunkPause = 50 * time.Millisecond
	DefaultEntryPause = 10 * time.Millisecond
)

// Stats describes a finished archive.
type Stats struct {
	Files       int
	Dirs        int
	Bytes       int64 // uncompressed
	ChunkPauses int
	EntryPauses int
}

type Option func(*Archiver)

func WithThrottle(t Throttle) Option {
	return func(a *Archiver) {
		if t != nil {
			a.throttle = t
		}
	}
}

// WithPauses sets the pause after every chunk of a file and after every entry.
func WithPauses(chunk, entry time.Duration) Option {
	return func(a *Archiver) {
		a.chunkPause = chunk
		a.entryPause = entry
	}
}

// WithChunkSize sets how many bytes of one file are written between pauses.
func WithChunkSize(n int64) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

func WithLogger(log logger.Logger) Option {
	return func(a *Archiver) {
		if log != nil {
			a.log = log
		}
	}
}

// Archiver writes deflate-compressed zip files at the fastest level.
type Archiver struct {
	bufferSize int
	chunkSize  int64
	chunkPause time.Duration
	entryPause time.Duration
	throttle   Throttle
	log        logger.Logger
}

func New(opts ...Option) *Archiver {
	a := &Archiver{
		bufferSize: DefaultBufferSize,
		chunkSize:  DefaultChunkSize,
		chunkPause: DefaultChunkPause,
		entryPause: DefaultEntryPause,
		throttle:   Sleep{},
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive writes sourceDir to dest. Entry names start with the base name of
// sourceDir. On failure other than ErrInterrupted dest is removed.
func (a *Archiver) Archive(ctx context.Context, sourceDir, dest string) (Stats, error) {
	var stats Stats

	src, err := filepath.EvalSymlinks(sourceDir)
	if err != nil {
		return stats, fmt.Errorf("%w: %s: %v", ErrSourceNotDir, sourceDir, err)
	}
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return stats, fmt.Errorf("%w: %s", ErrSourceNotDir, sourceDir)
	}
	base := filepath.Base(filepath.Clean(sourceDir))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return stats, fmt.Errorf("create archive directory: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return stats, fmt.Errorf("create archive %s: %w", dest, err)
	}

	bw := bufio.NewWriter(f)
	zw := zip.NewWriter(bw)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestSpeed)
	})

	walkErr := a.write(ctx, zw, src, base, &stats)

	closeErr := errors.Join(zw.Close(), bw.Flush(), f.Close())
	switch {
	case walkErr != nil && !errors.Is(walkErr, ErrInterrupted):
		_ = os.Remove(dest)
		return stats, walkErr
	case closeErr != nil:
		_ = os.Remove(dest)
		return stats, fmt.Errorf("finalize archive %s: %w", dest, closeErr)
	case walkErr != nil:
		a.log.Warn("archive interrupted, partial archive kept", "source", sourceDir, "archive", dest)
		return stats, walkErr
	}

	a.log.Debug("archive written",
		"source", sourceDir,
		"archive", dest,
		"files", stats.Files,
		"dirs", stats.Dirs,
		"bytes", stats.Bytes,
	)
	return stats, nil
}

func (a *Archiver) write(ctx context.Context, zw *zip.Writer, src, base string, stats *Stats) error {
	buf := make([]byte, a.bufferSize)

	for e, err := range walk(src, base) {
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Path, err)
		}

		switch e.Kind {
		case KindDir:
			hdr := &zip.FileHeader{Name: e.Name, Method: zip.Store, Modified: e.Info.ModTime()}
			hdr.SetMode(e.Info.Mode())
			if _, err := zw.CreateHeader(hdr); err != nil {
				return fmt.Errorf("add directory %s: %w", e.Name, err)
			}
			stats.Dirs++
		case KindFile:
			if err := a.writeFile(ctx, zw, e, buf, stats); err != nil {
				return err
			}
			stats.Files++
		}

		if e.Root {
			continue
		}
		if err := a.throttle.Wait(ctx, a.entryPause); err != nil {
			return fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		stats.EntryPauses++
	}
	return nil
}

func (a *Archiver) writeFile(ctx context.Context, zw *zip.Writer, e Entry, buf []byte, stats *Stats) error {
	in, err := os.Open(e.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer in.Close()

	hdr, err := zip.FileInfoHeader(e.Info)
	if err != nil {
		return fmt.Errorf("header %s: %w", e.Path, err)
	}
	hdr.Name = e.Name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add file %s: %w", e.Name, err)
	}

	var sincePause int64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write %s: %w", e.Name, err)
			}
			stats.Bytes += int64(n)
			sincePause += int64(n)
			if sincePause >= a.chunkSize {
				if err := a.throttle.Wait(ctx, a.chunkPause); err != nil {
					return fmt.Errorf("%w: %v", ErrInterrupted, err)
				}
				stats.ChunkPauses++
				sincePause = 0
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", e.Path, rerr)
		}
	}
}
