// Package signature loads declarative feature files and registers them on an
// engine. A signature file names the classes a feature needs by their
// structure, and the data-only edits to apply to their methods.
package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apex/log"
	semver "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedVersion = errors.New("version not supported")

// Parse loads every .yaml, .yml and .json signature file under dir.
func Parse(dir string) (sigs []*Signatures, err error) {
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".json":
		default:
			return nil
		}
		sig, err := Load(path)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
		return nil
	}); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"dir": dir, "files": len(sigs)}).Debug("Parsed signatures")
	return sigs, nil
}

// Load reads one signature file. The format follows the file extension.
func Load(path string) (*Signatures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sig, err := Decode(data, filepath.Ext(path) == ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return sig, nil
}

// Decode parses a signature file. Unknown keys are errors.
func Decode(data []byte, isJSON bool) (*Signatures, error) {
	var sig Signatures
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&sig); err != nil {
			return nil, err
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&sig); err != nil {
			return nil, err
		}
	}
	if err := sig.validate(); err != nil {
		return nil, err
	}
	return &sig, nil
}

func (s *Signatures) validate() error {
	var errs []error
	for _, f := range s.Features {
		if f.Name == "" {
			errs = append(errs, errors.New("feature without a name"))
		}
		ids := make(map[string]bool)
		for _, c := range f.Classes {
			if c.ID == "" || ids[c.ID] {
				errs = append(errs, fmt.Errorf("feature %s: missing or duplicate class id %q", f.Name, c.ID))
			}
			ids[c.ID] = true
			for _, m := range c.Methods {
				for _, e := range m.Edits {
					if _, err := e.edit(); err != nil {
						errs = append(errs, fmt.Errorf("feature %s: %s.%s: %w", f.Name, c.ID, m.ID, err))
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// CheckVersion reports whether version lies within the signatures' range.
// Empty bounds are open.
func CheckVersion(sigs *Signatures, version string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("failed to parse target version %q: %w", version, err)
	}
	if sigs.Version.Min != "" {
		minVer, err := semver.NewVersion(sigs.Version.Min)
		if err != nil {
			return false, fmt.Errorf("failed to parse signature min version %q: %w", sigs.Version.Min, err)
		}
		if v.LessThan(minVer) {
			return false, nil
		}
	}
	if sigs.Version.Max != "" {
		maxVer, err := semver.NewVersion(sigs.Version.Max)
		if err != nil {
			return false, fmt.Errorf("failed to parse signature max version %q: %w", sigs.Version.Max, err)
		}
		if v.GreaterThan(maxVer) {
			return false, nil
		}
	}
	return true, nil
}

// Supported filters sigs down to those supporting version. An empty
// version keeps everything.
func Supported(sigs []*Signatures, version string) ([]*Signatures, error) {
	if version == "" {
		return sigs, nil
	}
	var out []*Signatures
	for _, s := range sigs {
		ok, err := CheckVersion(s, version)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.WithFields(log.Fields{"target": s.Target, "version": version}).Warn("Skipping signatures for unsupported version")
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
