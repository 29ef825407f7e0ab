// Package ccs builds and reads the CCS package format: a gzip-compressed
// tar archive holding a CBOR-encoded BinaryManifest, a human-readable TOML
// duplicate, an optional detached signature, per-component file listings,
// and the content-addressed object blobs/chunks backing every file.
package ccs

import (
	"archive/tar"
	"compress/gzip"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ConaryLabs/conary/internal/cas"
	"github.com/ConaryLabs/conary/internal/cerr"
	"github.com/ConaryLabs/conary/internal/chunker"
	"github.com/ConaryLabs/conary/internal/classify"
	"github.com/ConaryLabs/conary/internal/manifest"
)

// BuildOptions configures a single CCS build.
type BuildOptions struct {
	// WithChunking enables content-defined chunking for files at or
	// above chunker.MinSize.
	WithChunking bool
	// InstallPrefix is prepended to every file's on-disk path relative
	// to SourceDir to produce its absolute install path.
	InstallPrefix string
	// NoClassify disables the classifier; every file is assigned to
	// Runtime unless PathOverrides says otherwise.
	NoClassify bool
	// Policies is the policy chain applied to every file's content.
	Policies Chain
	// ClassifierRules are user-extensible filter rules, highest
	// priority first (see classify.Rule).
	ClassifierRules []classify.Rule
	// PathOverrides assigns an exact install path to a component,
	// taking priority over glob rules and the built-in classifier.
	PathOverrides map[string]string
	// NormalizeTimestamps sets every tar member's ModTime to the source
	// date epoch, zeroes access/change times and ownership, and forces
	// directory/symlink modes for byte-reproducible archives.
	NormalizeTimestamps bool
	SourceDateEpoch     int64 // unix seconds; 0 uses DefaultSourceDateEpoch
	// SigningKey, if non-nil, signs the CBOR manifest bytes with Ed25519.
	SigningKey ed25519.PrivateKey
	KeyID      string
	// Base carries manifest fields the caller already knows (name,
	// version, description, provides/requires, hooks).
	Base manifest.BinaryManifest
}

// BuildResult is the output of a successful build: the finished manifest
// plus the path of the written CCS archive.
type BuildResult struct {
	Manifest    *manifest.BinaryManifest
	ArchivePath string
}

type fileRecord struct {
	path    string
	content []byte
	mode    uint32
	ftype   manifest.FileType
	target  string
}

// Build walks sourceDir, applies opts, and writes a complete CCS archive
// to destPath.
func Build(store *cas.Store, sourceDir, destPath string, opts BuildOptions) (*BuildResult, error) {
	records, err := walkSource(sourceDir, opts.InstallPrefix)
	if err != nil {
		return nil, cerr.Wrap(cerr.Transient, "ccs.build", sourceDir, "walk source tree", err)
	}

	classifier := classify.New(opts.ClassifierRules)

	entries := make([]manifest.FileEntry, 0, len(records))
	for _, rec := range records {
		entry, skip, err := processRecord(store, rec, opts)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		if comp, ok := opts.PathOverrides[entry.Path]; ok {
			entry.Component = comp
		} else if opts.NoClassify {
			entry.Component = classify.Runtime
		} else {
			entry.Component = classifier.Classify(entry.Path)
		}
		entries = append(entries, entry)
	}

	byComponent := make(map[string][]manifest.FileEntry)
	for _, e := range entries {
		byComponent[e.Component] = append(byComponent[e.Component], e)
	}

	components := make(map[string]manifest.ComponentRef, len(byComponent))
	for name, files := range byComponent {
		var total uint64
		for _, f := range files {
			total += f.Size
		}
		components[name] = manifest.ComponentRef{
			Hash:      manifest.ComponentHash(files),
			FileCount: len(files),
			TotalSize: total,
			Default:   classify.IsDefault(name),
		}
	}

	m := opts.Base
	m.FormatVersion = manifest.CurrentFormatVersion
	m.Components = components
	m.ContentRoot = manifest.ContentRoot(components)

	cborBytes, err := manifest.EncodeCBOR(&m)
	if err != nil {
		return nil, cerr.Wrap(cerr.Internal, "ccs.build", m.Name, "encode manifest", err)
	}

	tomlBuf, err := encodeTOML(&m)
	if err != nil {
		return nil, cerr.Wrap(cerr.Internal, "ccs.build", m.Name, "encode manifest toml", err)
	}

	var sigBytes []byte
	if opts.SigningKey != nil {
		sigBytes, err = signManifest(cborBytes, opts.SigningKey, opts.KeyID)
		if err != nil {
			return nil, cerr.Wrap(cerr.Internal, "ccs.build", m.Name, "sign manifest", err)
		}
	}

	if err := writeArchive(destPath, cborBytes, tomlBuf, sigBytes, byComponent, store, opts); err != nil {
		return nil, err
	}

	return &BuildResult{Manifest: &m, ArchivePath: destPath}, nil
}

func walkSource(sourceDir, prefix string) ([]fileRecord, error) {
	var records []fileRecord
	err := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		installPath := filepath.ToSlash(filepath.Join(prefix, rel))
		if installPath[0] != '/' {
			installPath = "/" + installPath
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			records = append(records, fileRecord{path: installPath, ftype: manifest.Symlink, target: target, mode: 0o777})
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		records = append(records, fileRecord{path: installPath, content: content, mode: uint32(info.Mode().Perm()), ftype: manifest.Regular})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].path < records[j].path })
	return records, nil
}

func processRecord(store *cas.Store, rec fileRecord, opts BuildOptions) (manifest.FileEntry, bool, error) {
	if rec.ftype == manifest.Symlink {
		return manifest.FileEntry{
			Path:   rec.path,
			Hash:   manifest.SymlinkHash(rec.target),
			Size:   uint64(len(rec.target)),
			Mode:   rec.mode,
			Type:   manifest.Symlink,
			Target: rec.target,
		}, false, nil
	}

	content := rec.content
	if len(opts.Policies) > 0 {
		transformed, err := opts.Policies.Run(rec.path, content, rec.mode)
		if err != nil {
			if IsSkip(err) {
				return manifest.FileEntry{}, true, nil
			}
			return manifest.FileEntry{}, false, cerr.Wrap(cerr.Policy, "ccs.build", rec.path, "policy rejected file", err)
		}
		content = transformed
	}

	entry := manifest.FileEntry{
		Path: rec.path,
		Size: uint64(len(content)),
		Mode: rec.mode,
		Type: manifest.Regular,
	}

	if opts.WithChunking && len(content) >= chunker.MinSize {
		chunks := chunker.Chunk(content)
		hashes := make([]string, 0, len(chunks))
		for _, c := range chunks {
			if _, err := store.Store(c.Data); err != nil {
				return manifest.FileEntry{}, false, err
			}
			hashes = append(hashes, c.Hash)
		}
		entry.Chunks = hashes
		entry.Hash = cas.Hash(content)
	} else {
		hash, err := store.Store(content)
		if err != nil {
			return manifest.FileEntry{}, false, err
		}
		entry.Hash = hash
	}

	return entry, false, nil
}

func encodeTOML(m *manifest.BinaryManifest) ([]byte, error) {
	var buf tomlBuffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// tomlBuffer satisfies io.Writer without pulling in bytes.Buffer at the
// call site repeatedly.
type tomlBuffer struct {
	b []byte
}

func (t *tomlBuffer) Write(p []byte) (int, error) {
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *tomlBuffer) Bytes() []byte { return t.b }

func signManifest(cborBytes []byte, key ed25519.PrivateKey, keyID string) ([]byte, error) {
	sig := ed25519.Sign(key, cborBytes)
	doc := signatureDoc{
		Algorithm:    "ed25519",
		KeyID:        keyID,
		SignatureHex: hex.EncodeToString(sig),
	}
	return json.Marshal(doc)
}

type signatureDoc struct {
	Algorithm    string `json:"algorithm"`
	KeyID        string `json:"key_id"`
	SignatureHex string `json:"signature_hex"`
}

func writeArchive(destPath string, cborBytes, tomlBytes, sigBytes []byte, byComponent map[string][]manifest.FileEntry, store *cas.Store, opts BuildOptions) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return cerr.Wrap(cerr.Transient, "ccs.build", destPath, "create destination directory", err)
	}

	tmp := destPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return cerr.Wrap(cerr.Transient, "ccs.build", destPath, "create archive", err)
	}

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	epoch := DefaultSourceDateEpoch
	if opts.SourceDateEpoch != 0 {
		epoch = epochTime(opts.SourceDateEpoch)
	}

	writeMember := func(name string, content []byte) error {
		hdr := &tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644, Typeflag: tar.TypeReg}
		if opts.NormalizeTimestamps {
			normalizeTarHeader(hdr, epoch)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err := tw.Write(content)
		return err
	}

	if err := writeMember("MANIFEST", cborBytes); err != nil {
		return abortArchive(f, tmp, err)
	}
	if err := writeMember("MANIFEST.toml", tomlBytes); err != nil {
		return abortArchive(f, tmp, err)
	}
	if sigBytes != nil {
		if err := writeMember("MANIFEST.sig", sigBytes); err != nil {
			return abortArchive(f, tmp, err)
		}
	}

	names := make([]string, 0, len(byComponent))
	for name := range byComponent {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		files := byComponent[name]
		sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
		var total uint64
		for _, f := range files {
			total += f.Size
		}
		doc := componentDoc{Name: name, Files: files, Hash: manifest.ComponentHash(files), Size: total}
		payload, err := json.Marshal(doc)
		if err != nil {
			return abortArchive(f, tmp, err)
		}
		if err := writeMember(fmt.Sprintf("components/%s.json", name), payload); err != nil {
			return abortArchive(f, tmp, err)
		}
	}

	blobs := collectBlobHashes(byComponent)
	for _, hash := range blobs {
		content, err := store.Load(hash)
		if err != nil {
			return abortArchive(f, tmp, err)
		}
		if err := writeMember(fmt.Sprintf("objects/%s/%s", hash[:2], hash[2:]), content); err != nil {
			return abortArchive(f, tmp, err)
		}
	}

	if err := tw.Close(); err != nil {
		return abortArchive(f, tmp, err)
	}
	if err := gz.Close(); err != nil {
		return abortArchive(f, tmp, err)
	}
	if err := f.Sync(); err != nil {
		return abortArchive(f, tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return cerr.Wrap(cerr.Transient, "ccs.build", destPath, "close archive", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return cerr.Wrap(cerr.Transient, "ccs.build", destPath, "rename archive into place", err)
	}
	return nil
}

func abortArchive(f *os.File, tmp string, cause error) error {
	f.Close()
	os.Remove(tmp)
	return cerr.Wrap(cerr.Transient, "ccs.build", tmp, "write archive member", cause)
}

type componentDoc struct {
	Name  string                `json:"name"`
	Files []manifest.FileEntry  `json:"files"`
	Hash  string                `json:"hash"`
	Size  uint64                `json:"size"`
}

func collectBlobHashes(byComponent map[string][]manifest.FileEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, files := range byComponent {
		for _, f := range files {
			if f.Type == manifest.Symlink {
				continue
			}
			if len(f.Chunks) > 0 {
				for _, h := range f.Chunks {
					if !seen[h] {
						seen[h] = true
						out = append(out, h)
					}
				}
				continue
			}
			if f.Hash != "" && !seen[f.Hash] {
				seen[f.Hash] = true
				out = append(out, f.Hash)
			}
		}
	}
	sort.Strings(out)
	return out
}

func epochTime(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}
