package state

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a stack snapshot from a YAML file. A missing file yields
// a fresh empty snapshot for the given stack, so a first apply needs no
// setup step.
func LoadFile(path, stackName string) (*Snapshot, error) {
	src, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewSnapshot(stackName), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading state file %s", path)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(src, &snap); err != nil {
		return nil, errors.Wrapf(err, "state file %s is not valid YAML", path)
	}
	if snap.Resources == nil {
		snap.Resources = make(map[string]*ResourceState)
	}
	if snap.StackName == "" {
		snap.StackName = stackName
	}
	return &snap, nil
}

// SaveFile writes the snapshot, replacing the previous file only once the
// new content is fully written.
func SaveFile(path string, snap *Snapshot) error {
	buf, err := yaml.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating state directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.yaml")
	if err != nil {
		return errors.Wrap(err, "writing state")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "writing state")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "writing state")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "replacing state file %s", path)
	}
	return nil
}

// Exports is the read-only key-value lookup backing cross-stack imports,
// keyed by externally-visible export name.
type Exports map[string]string

// LookupExport implements eval.ImportResolver.
func (e Exports) LookupExport(name string) (cty.Value, bool, error) {
	val, ok := e[name]
	if !ok {
		return cty.NilVal, false, nil
	}
	return cty.StringVal(val), true, nil
}

// LoadExports reads the local exports table. A missing file is an empty
// table.
func LoadExports(path string) (Exports, error) {
	src, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Exports{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading exports file %s", path)
	}
	var exports Exports
	if err := yaml.Unmarshal(src, &exports); err != nil {
		return nil, errors.Wrapf(err, "exports file %s is not valid YAML", path)
	}
	if exports == nil {
		exports = Exports{}
	}
	return exports, nil
}

// SaveExports writes the local exports table.
func SaveExports(path string, exports Exports) error {
	buf, err := yaml.Marshal(exports)
	if err != nil {
		return errors.Wrap(err, "encoding exports")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating exports directory")
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing exports file %s", path)
	}
	return nil
}
