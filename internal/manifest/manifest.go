// Package manifest defines Conary's data model for a built package: the
// FileEntry/Component/BinaryManifest types from the core data model,
// their CBOR wire encoding, and the Merkle content-root computation.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// FileType distinguishes the three kinds of filesystem entry a package
// can install.
type FileType string

const (
	Regular   FileType = "regular"
	Symlink   FileType = "symlink"
	Directory FileType = "directory"
)

// FileEntry is one file, symlink, or directory belonging to a package.
// Mode lives here, not on any chunk reference — two packages sharing a
// chunk hash may still disagree on the surrounding file's mode.
type FileEntry struct {
	Path      string   `cbor:"path" toml:"path"`
	Hash      string   `cbor:"hash" toml:"hash"`
	Size      uint64   `cbor:"size" toml:"size"`
	Mode      uint32   `cbor:"mode" toml:"mode"`
	Component string   `cbor:"component" toml:"component"`
	Type      FileType `cbor:"type" toml:"type"`
	Target    string   `cbor:"target,omitempty" toml:"target,omitempty"`
	Chunks    []string `cbor:"chunks,omitempty" toml:"chunks,omitempty"`
}

// SymlinkHash returns the content hash convention for a symlink: the
// SHA-256 of the literal string "symlink:"+target.
func SymlinkHash(target string) string {
	sum := sha256.Sum256([]byte("symlink:" + target))
	return hex.EncodeToString(sum[:])
}

// ComponentRef summarizes one component inside a BinaryManifest.
type ComponentRef struct {
	Hash      string `cbor:"hash" toml:"hash"`
	FileCount int    `cbor:"file_count" toml:"file_count"`
	TotalSize uint64 `cbor:"total_size" toml:"total_size"`
	Default   bool   `cbor:"default" toml:"default"`
}

// BinaryManifest is the CCS manifest: package metadata, the component
// table, and the Merkle content root over that table.
type BinaryManifest struct {
	FormatVersion int                     `cbor:"format_version" toml:"format_version"`
	Name          string                  `cbor:"name" toml:"name"`
	Version       string                  `cbor:"version" toml:"version"`
	Description   string                  `cbor:"description,omitempty" toml:"description,omitempty"`
	License       string                  `cbor:"license,omitempty" toml:"license,omitempty"`
	Platform      string                  `cbor:"platform,omitempty" toml:"platform,omitempty"`
	Provides      []string                `cbor:"provides,omitempty" toml:"provides,omitempty"`
	Requires      []string                `cbor:"requires,omitempty" toml:"requires,omitempty"`
	Components    map[string]ComponentRef `cbor:"components" toml:"components"`
	Hooks         map[string]string       `cbor:"hooks,omitempty" toml:"hooks,omitempty"`
	Build         string                  `cbor:"build,omitempty" toml:"build,omitempty"`
	ContentRoot   string                  `cbor:"content_root" toml:"content_root"`
}

// CurrentFormatVersion is the manifest format this package writes.
const CurrentFormatVersion = 1

// ComponentHash computes a component's hash per spec §3: SHA-256 over the
// ordered sequence path || ":" || file_hash || "\n" for each file, sorted
// by path so iteration order never affects the result.
func ComponentHash(files []FileEntry) string {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	for _, f := range sorted {
		buf.WriteString(f.Path)
		buf.WriteByte(':')
		buf.WriteString(f.Hash)
		buf.WriteByte('\n')
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// leafHash hashes one (component_name, component_hash) pair into a Merkle
// leaf: hash(component_name || component_ref_hash).
func leafHash(name, componentHash string) string {
	sum := sha256.Sum256([]byte(name + componentHash))
	return hex.EncodeToString(sum[:])
}

func nodeHash(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// ContentRoot computes the Merkle root over a manifest's components. Leaf
// order is sorted by component name so the result depends only on the set
// of (name, hash) pairs, never on iteration order (spec §8 property 4).
// An odd last node at any level is duplicated.
func ContentRoot(components map[string]ComponentRef) string {
	if len(components) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}

	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	level := make([]string, 0, len(names))
	for _, name := range names {
		level = append(level, leafHash(name, components[name].Hash))
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// EncodeCBOR serializes a BinaryManifest as CBOR, the canonical on-disk
// and wire encoding (MANIFEST member of a CCS archive).
func EncodeCBOR(m *BinaryManifest) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("manifest: build cbor encoder: %w", err)
	}
	return mode.Marshal(m)
}

// DecodeCBOR parses a CBOR-encoded BinaryManifest.
func DecodeCBOR(b []byte) (*BinaryManifest, error) {
	var m BinaryManifest
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode cbor: %w", err)
	}
	return &m, nil
}
