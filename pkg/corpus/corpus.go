// Package corpus parses a set of class files once and indexes them for
// repeated structural queries.
package corpus

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"github.com/blacktop/jpatch/pkg/classfile"
	"github.com/blacktop/jpatch/pkg/hierarchy"
)

// Warning records a class that could not be indexed.
type Warning struct {
	Source string
	Err    error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %v", w.Source, w.Err)
}

// Index holds every parsed class. It is safe for concurrent use.
type Index struct {
	// Parallelism bounds the number of classes parsed at once by Load.
	Parallelism int
	// OnClass, if set, is called after every entry Load handles.
	OnClass func(source string, err error)

	mu       sync.RWMutex
	classes  map[string]*ClassRecord
	order    []*ClassRecord
	warnings []Warning
}

// New returns an empty index.
func New() *Index {
	return &Index{
		Parallelism: runtime.GOMAXPROCS(0),
		classes:     make(map[string]*ClassRecord),
	}
}

// Add parses data and indexes it. Malformed classes are recorded as
// warnings and returned as errors; a class whose name is already indexed
// keeps the first definition.
func (ix *Index) Add(source string, data []byte) (*ClassRecord, error) {
	cf, err := classfile.Parse(data)
	if err != nil {
		ix.warn(source, err)
		return nil, err
	}
	rec := newClassRecord(source, data, cf)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if prev, dup := ix.classes[rec.Name]; dup {
		err := fmt.Errorf("duplicate class %s (first defined in %s)", rec.Name, prev.Source)
		ix.warnings = append(ix.warnings, Warning{Source: source, Err: err})
		log.WithField("source", source).Warn(err.Error())
		return prev, nil
	}
	ix.classes[rec.Name] = rec
	ix.order = append(ix.order, rec)
	return rec, nil
}

func (ix *Index) warn(source string, err error) {
	log.WithError(err).WithField("source", source).Warn("skipping malformed class")
	ix.mu.Lock()
	ix.warnings = append(ix.warnings, Warning{Source: source, Err: err})
	ix.mu.Unlock()
}

// All yields every class. Each call iterates a snapshot, so the sequence
// can be restarted.
func (ix *Index) All() iter.Seq[*ClassRecord] {
	ix.mu.RLock()
	snap := ix.order[:len(ix.order):len(ix.order)]
	ix.mu.RUnlock()
	return func(yield func(*ClassRecord) bool) {
		for _, c := range snap {
			if !yield(c) {
				return
			}
		}
	}
}

// Lookup returns the class named name.
func (ix *Index) Lookup(name string) (*ClassRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.classes[name]
	return c, ok
}

// Len is the number of indexed classes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

// Warnings returns the entries skipped so far.
func (ix *Index) Warnings() []Warning {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]Warning(nil), ix.warnings...)
}

// ClassBytes implements hierarchy.ClassSource.
func (ix *Index) ClassBytes(name string) ([]byte, error) {
	if c, ok := ix.Lookup(name); ok {
		return c.Bytes(), nil
	}
	return nil, fmt.Errorf("%s: %w", name, hierarchy.ErrNotFound)
}

// Stats summarizes the index.
type Stats struct {
	Classes  int
	Methods  int
	Fields   int
	Bytes    int64
	Warnings int
}

func (ix *Index) Stats() Stats {
	var s Stats
	for c := range ix.All() {
		s.Classes++
		s.Methods += len(c.Methods)
		s.Fields += len(c.Fields)
		s.Bytes += int64(len(c.Bytes()))
	}
	s.Warnings = len(ix.Warnings())
	return s
}

type entry struct {
	source string
	open   func() ([]byte, error)
}

// Load indexes jars, directories and single class files. Unreadable or
// malformed entries become warnings; only failing to open a path is an
// error.
func (ix *Index) Load(ctx context.Context, paths ...string) error {
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	var entries []entry
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		switch {
		case info.IsDir():
			found, err := dirEntries(path)
			if err != nil {
				return err
			}
			entries = append(entries, found...)
		case strings.HasSuffix(path, ".class"):
			entries = append(entries, entry{source: path, open: func() ([]byte, error) { return os.ReadFile(path) }})
		default:
			zr, err := zip.OpenReader(path)
			if err != nil {
				return fmt.Errorf("failed to open jar %s: %w", path, err)
			}
			closers = append(closers, zr)
			entries = append(entries, jarEntries(path, &zr.Reader)...)
		}
	}

	log.WithField("entries", len(entries)).Debug("Indexing classes")

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(ix.Parallelism, 1))
	for _, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := e.open()
			if err != nil {
				ix.warn(e.source, err)
			} else {
				_, err = ix.Add(e.source, data)
			}
			if ix.OnClass != nil {
				ix.OnClass(e.source, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CountEntries returns the number of class entries Load would visit.
func CountEntries(paths ...string) (int, error) {
	n := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		switch {
		case info.IsDir():
			found, err := dirEntries(path)
			if err != nil {
				return 0, err
			}
			n += len(found)
		case strings.HasSuffix(path, ".class"):
			n++
		default:
			zr, err := zip.OpenReader(path)
			if err != nil {
				return 0, err
			}
			n += len(jarEntries(path, &zr.Reader))
			zr.Close()
		}
	}
	return n, nil
}

func isClassEntry(name string) bool {
	return strings.HasSuffix(name, ".class") &&
		!strings.HasSuffix(name, "module-info.class") &&
		!strings.HasPrefix(name, "META-INF/versions/")
}

func jarEntries(path string, zr *zip.Reader) []entry {
	var out []entry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isClassEntry(f.Name) {
			continue
		}
		out = append(out, entry{
			source: path + "!/" + f.Name,
			open: func() ([]byte, error) {
				rc, err := f.Open()
				if err != nil {
					return nil, err
				}
				defer rc.Close()
				return io.ReadAll(rc)
			},
		})
	}
	return out
}

func dirEntries(root string) ([]entry, error) {
	var out []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isClassEntry(filepath.ToSlash(path)) {
			return nil
		}
		out = append(out, entry{source: path, open: func() ([]byte, error) { return os.ReadFile(path) }})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return out, nil
}
