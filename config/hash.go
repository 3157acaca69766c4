package config

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// SourceHash returns an opaque fingerprint of the template sources. A plan
// records the fingerprint of the template it was computed from, and apply
// refuses a saved plan whose template has since changed.
func (m *Module) SourceHash() string {
	paths := make([]string, 0, len(m.Files))
	for path := range m.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	hash := sha256.New()
	for _, path := range paths {
		hash.Write([]byte(path))
		hash.Write([]byte{0})
		hash.Write(m.Files[path].Source)
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}
