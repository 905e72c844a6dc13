package engine

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apex/log"
)

// Change is one rewritten class of a patched jar.
type Change struct {
	Class  string
	Before []byte
	After  []byte
}

// PatchReport summarizes a PatchJar run.
type PatchReport struct {
	Entries  int
	Changes  []Change
	Failures map[string]error
}

// PatchJar copies the jar at in to out, transforming every targeted class.
// Classes that fail to rewrite are copied unmodified and reported.
func (e *Engine) PatchJar(ctx context.Context, in, out string, onEntry func(name string)) (*PatchReport, error) {
	zr, err := zip.OpenReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to open jar %s: %w", in, err)
	}
	defer zr.Close()

	f, err := os.Create(out)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	report := &PatchReport{Failures: make(map[string]error)}
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Entries++
		if onEntry != nil {
			onEntry(zf.Name)
		}
		name, ok := strings.CutSuffix(zf.Name, ".class")
		if !ok || len(e.Plans(name)) == 0 {
			if err := zw.Copy(zf); err != nil {
				return nil, fmt.Errorf("failed to copy %s: %w", zf.Name, err)
			}
			continue
		}
		before, err := readEntry(zf)
		if err != nil {
			return nil, err
		}
		after, err := e.Transform(name, before)
		if err != nil {
			report.Failures[name] = err
		} else {
			report.Changes = append(report.Changes, Change{Class: name, Before: before, After: after})
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     zf.Name,
			Method:   zip.Deflate,
			Modified: zf.Modified,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", zf.Name, err)
		}
		if _, err := w.Write(after); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", zf.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize %s: %w", out, err)
	}
	log.WithFields(log.Fields{
		"entries":   report.Entries,
		"rewritten": len(report.Changes),
		"failed":    len(report.Failures),
	}).Info("Patched jar")
	return report, nil
}

func readEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", zf.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", zf.Name, err)
	}
	return data, nil
}
