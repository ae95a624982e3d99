// Package retention keeps the newest archives of each backup type, locally
// and in remote storage, and deletes the rest.
package retention

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/kebairia/drivebackup/internal/logger"
	"github.com/kebairia/drivebackup/internal/storage"
)

const (
	Extension       = ".zip"
	timestampLayout = "2006-01-02_15-04-05"
)

var ErrInvalidKeep = errors.New("keep count must be at least 1")

// Prefix is the file name prefix of every archive of typeTag.
func Prefix(typeTag string) string {
	return strings.ReplaceAll(typeTag, "/", "-") + "_"
}

// ArchiveName names the archive of typeTag taken at t.
func ArchiveName(typeTag string, t time.Time) string {
	return Prefix(typeTag) + t.Format(timestampLayout) + Extension
}

// Matches reports whether name is an archive of typeTag: the prefix followed
// by exactly a timestamp and the extension. A world named "world" therefore
// never matches archives of "world_nether".
func Matches(name, typeTag string) bool {
	rest, ok := strings.CutPrefix(name, Prefix(typeTag))
	if !ok {
		return false
	}
	stamp, ok := strings.CutSuffix(rest, Extension)
	if !ok {
		return false
	}
	_, err := time.Parse(timestampLayout, stamp)
	return err == nil
}

// Select returns the items to delete so that only the keep most recently
// modified survive, oldest first. Ties keep input order.
func Select[T any](items []T, keep int, modified func(T) time.Time) []T {
	if keep < 1 || len(items) <= keep {
		return nil
	}
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		return modified(a).Compare(modified(b))
	})
	return sorted[:len(sorted)-keep]
}

// Decision lists what one Enforce call deleted.
type Decision struct {
	TypeTag string
	Local   []string
	Remote  []string
}

type Option func(*Policy)

// WithFolderID supplies an already resolved remote folder id so Enforce
// does not look the folder up again.
func WithFolderID(id string) Option {
	return func(p *Policy) { p.folderID = id }
}

func WithLogger(log logger.Logger) Option {
	return func(p *Policy) {
		if log != nil {
			p.log = log
		}
	}
}

// Policy prunes archives in a local directory and a named remote folder.
// The folder is resolved at most once per Policy.
type Policy struct {
	dir    string
	remote storage.Store
	folder string
	log    logger.Logger

	mu       sync.Mutex
	folderID string
}

func New(dir string, remote storage.Store, folder string, opts ...Option) *Policy {
	p := &Policy{dir: dir, remote: remote, folder: folder, log: logger.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enforce keeps the newest keep archives of typeTag on both tiers. The tiers
// are pruned independently; errors of both are combined.
func (p *Policy) Enforce(ctx context.Context, typeTag string, keep int) (Decision, error) {
	d := Decision{TypeTag: typeTag}
	if keep < 1 {
		return d, fmt.Errorf("%w: got %d", ErrInvalidKeep, keep)
	}

	local, localErr := p.pruneLocal(typeTag, keep)
	d.Local = local
	if localErr != nil {
		localErr = fmt.Errorf("local retention for %s: %w", typeTag, localErr)
	}

	remote, remoteErr := p.pruneRemote(ctx, typeTag, keep)
	d.Remote = remote
	if remoteErr != nil {
		remoteErr = fmt.Errorf("remote retention for %s: %w", typeTag, remoteErr)
	}

	err := multierr.Append(localErr, remoteErr)
	if err != nil {
		p.log.Warn("retention incomplete", "type", typeTag, "error", err)
	}
	return d, err
}

type localFile struct {
	path    string
	name    string
	modTime time.Time
}

func (p *Policy) pruneLocal(typeTag string, keep int) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []localFile
	for _, e := range entries {
		if !e.Type().IsRegular() || !Matches(e.Name(), typeTag) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, localFile{
			path:    filepath.Join(p.dir, e.Name()),
			name:    e.Name(),
			modTime: info.ModTime(),
		})
	}
	slices.SortFunc(files, func(a, b localFile) int { return cmp.Compare(a.name, b.name) })

	var (
		deleted []string
		errs    error
	)
	for _, f := range Select(files, keep, func(f localFile) time.Time { return f.modTime }) {
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
			continue
		}
		p.log.Debug("deleted local archive", "type", typeTag, "path", f.path)
		deleted = append(deleted, f.path)
	}
	return deleted, errs
}

func (p *Policy) pruneRemote(ctx context.Context, typeTag string, keep int) ([]string, error) {
	folderID, err := p.resolveFolder(ctx)
	if err != nil {
		return nil, err
	}
	objs, err := p.remote.List(ctx, Prefix(typeTag), folderID)
	if err != nil {
		return nil, err
	}
	objs = slices.DeleteFunc(objs, func(o storage.Object) bool { return !Matches(o.Name, typeTag) })

	var (
		deleted []string
		errs    error
	)
	for _, o := range Select(objs, keep, func(o storage.Object) time.Time { return o.ModifiedTime }) {
		if err := p.remote.Delete(ctx, o.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		p.log.Debug("deleted remote archive", "type", typeTag, "id", o.ID, "name", o.Name)
		deleted = append(deleted, o.ID)
	}
	return deleted, errs
}

func (p *Policy) resolveFolder(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.folderID != "" {
		return p.folderID, nil
	}
	id, err := p.remote.ResolveFolder(ctx, p.folder)
	if err != nil {
		return "", err
	}
	p.folderID = id
	return id, nil
}
