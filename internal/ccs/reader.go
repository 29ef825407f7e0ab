package ccs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ConaryLabs/conary/internal/cas"
	"github.com/ConaryLabs/conary/internal/cerr"
	"github.com/ConaryLabs/conary/internal/manifest"
)

// gzipMagic is the only permitted leading bytes of a CCS file.
var gzipMagic = []byte{0x1f, 0x8b}

// Archive is a parsed, in-memory view of one CCS file's manifest and
// object blobs, sufficient for the transaction engine to stage files
// without re-reading the tar stream per file.
type Archive struct {
	Manifest   *manifest.BinaryManifest
	Sig        []byte
	objects    map[string][]byte
	components map[string][]byte // raw components/<name>.json payloads
}

// Object returns the blob or chunk stored under hash.
func (a *Archive) Object(hash string) ([]byte, bool) {
	b, ok := a.objects[hash]
	return b, ok
}

// Open parses a CCS archive from path, verifying the leading gzip magic
// before attempting decompression (spec §6.1 rejection criterion).
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cerr.Wrap(cerr.Missing, "ccs.open", path, "open archive", err)
	}
	defer f.Close()

	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, cerr.Wrap(cerr.Integrity, "ccs.open", path, "read magic", err)
	}
	if !bytes.Equal(magic, gzipMagic) {
		return nil, cerr.New(cerr.Integrity, "ccs.open", path, "not a gzip-tar CCS archive")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, cerr.Wrap(cerr.Transient, "ccs.open", path, "seek to start", err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, cerr.Wrap(cerr.Integrity, "ccs.open", path, "open gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	archive := &Archive{objects: make(map[string][]byte), components: make(map[string][]byte)}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cerr.Wrap(cerr.Integrity, "ccs.open", path, "read tar entry", err)
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, cerr.Wrap(cerr.Integrity, "ccs.open", path, "read member "+hdr.Name, err)
		}

		switch {
		case hdr.Name == "MANIFEST":
			m, err := manifest.DecodeCBOR(content)
			if err != nil {
				return nil, cerr.Wrap(cerr.Integrity, "ccs.open", path, "decode manifest", err)
			}
			archive.Manifest = m
		case hdr.Name == "MANIFEST.sig":
			archive.Sig = content
		case hdr.Name == "MANIFEST.toml":
			// Human-readable duplicate; not authoritative, ignored on read.
		case len(hdr.Name) > 8 && hdr.Name[:8] == "objects/":
			hash := objectHashFromName(hdr.Name)
			archive.objects[hash] = content
		case len(hdr.Name) > len("components/") && hdr.Name[:len("components/")] == "components/":
			name := hdr.Name[len("components/") : len(hdr.Name)-len(".json")]
			archive.components[name] = content
		}
	}

	if archive.Manifest == nil {
		return nil, cerr.New(cerr.Integrity, "ccs.open", path, "archive missing MANIFEST member")
	}
	return archive, nil
}

func objectHashFromName(name string) string {
	// "objects/<hh>/<rest>" -> "<hh><rest>"
	rest := name[len("objects/"):]
	slash := -1
	for i, c := range rest {
		if c == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return rest
	}
	return rest[:slash] + rest[slash+1:]
}

// ComponentFiles parses and returns the file list for a named component
// from its components/<name>.json member.
func (a *Archive) ComponentFiles(name string) ([]manifest.FileEntry, error) {
	raw, ok := a.components[name]
	if !ok {
		return nil, cerr.New(cerr.Missing, "ccs.component_files", name, "component not present in archive")
	}
	var doc componentDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, cerr.Wrap(cerr.Integrity, "ccs.component_files", name, "decode component json", err)
	}
	return doc.Files, nil
}

// VerifyContentRoot recomputes the content root from the archive's own
// component table and compares it to the manifest's stated root.
func (a *Archive) VerifyContentRoot() error {
	want := a.Manifest.ContentRoot
	got := manifest.ContentRoot(a.Manifest.Components)
	if want != got {
		return cerr.New(cerr.Integrity, "ccs.verify_content_root", a.Manifest.Name, fmt.Sprintf("manifest states %s, recomputed %s", want, got))
	}
	return nil
}

// ImportObjects stores every blob/chunk from the archive into store,
// relying on CAS idempotence across packages that already have the blob.
func (a *Archive) ImportObjects(store *cas.Store) error {
	for hash, content := range a.objects {
		stored, err := store.Store(content)
		if err != nil {
			return err
		}
		if stored != hash {
			return cerr.New(cerr.Integrity, "ccs.import_objects", hash, "archive object hash mismatch")
		}
	}
	return nil
}
