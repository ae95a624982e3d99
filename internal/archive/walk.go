package archive

import (
	"io/fs"
	"iter"
	"path"
	"path/filepath"
)

type Kind int

const (
	KindDir Kind = iota
	KindFile
)

// Entry is one item of a walked tree.
type Entry struct {
	// Path is the filesystem path.
	Path string
	// Name is the slash separated archive name, prefixed with the base name
	// of the walked root. Directory names end with "/".
	Name string
	Kind Kind
	Root bool
	Info fs.FileInfo
}

// Walk lazily yields the root directory and every non-hidden descendant in
// lexical order, each directory before its children. Hidden entries are not
// descended into. Anything that is neither a regular file nor a directory is
// left out. Read errors are yielded and end the walk.
func Walk(root string) iter.Seq2[Entry, error] {
	return walk(root, filepath.Base(filepath.Clean(root)))
}

func walk(root, base string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				yield(Entry{Path: p}, err)
				return filepath.SkipAll
			}

			isRoot := p == root
			if !isRoot && isHidden(p, d) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				yield(Entry{Path: p}, err)
				return filepath.SkipAll
			}

			name := base
			if !isRoot {
				rel, err := filepath.Rel(root, p)
				if err != nil {
					yield(Entry{Path: p}, err)
					return filepath.SkipAll
				}
				name = path.Join(base, filepath.ToSlash(rel))
			}

			e := Entry{Path: p, Name: name, Kind: KindFile, Root: isRoot, Info: info}
			if d.IsDir() {
				e.Kind = KindDir
				e.Name += "/"
			}
			if !yield(e, nil) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}
