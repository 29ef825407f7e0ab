// Package cas implements Conary's content-addressed object store: a
// mapping from the lowercase hex SHA-256 of a blob to its bytes, laid out
// on disk as objects/<hh>/<rest> and written atomically (temp file, fsync,
// rename).
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ConaryLabs/conary/internal/cerr"
)

// Store is a content-addressed object store rooted at a directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir (typically <db_dir>/objects).
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Hash computes the lowercase hex SHA-256 of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// objectPath returns objects/<hh>/<rest> for a given hash.
func (s *Store) objectPath(hash string) (string, error) {
	if len(hash) < 3 {
		return "", fmt.Errorf("cas: malformed hash %q", hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:]), nil
}

// Exists reports whether the object for hash is present.
func (s *Store) Exists(hash string) bool {
	path, err := s.objectPath(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Store writes b and returns its SHA-256 hash. It is idempotent: if the
// object already exists under its content-address, the existing bytes are
// trusted and nothing is rewritten.
func (s *Store) Store(b []byte) (string, error) {
	hash := Hash(b)
	path, err := s.objectPath(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", cerr.Wrap(cerr.Transient, "cas.store", hash, "create object directory", err)
	}

	if err := writeFileAtomic(path, b, 0o644); err != nil {
		return "", cerr.Wrap(cerr.Transient, "cas.store", hash, "write object", err)
	}
	return hash, nil
}

// Load returns the bytes stored under hash.
func (s *Store) Load(hash string) ([]byte, error) {
	path, err := s.objectPath(hash)
	if err != nil {
		return nil, cerr.Wrap(cerr.Internal, "cas.load", hash, "malformed hash", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerr.Wrap(cerr.Missing, "cas.load", hash, "object not found", err)
		}
		return nil, cerr.Wrap(cerr.Transient, "cas.load", hash, "read object", err)
	}
	return b, nil
}

// Verify loads hash and confirms its content still hashes to hash,
// detecting on-disk corruption (the "scrub" path named in spec §4.1).
func (s *Store) Verify(hash string) error {
	b, err := s.Load(hash)
	if err != nil {
		return err
	}
	if got := Hash(b); got != hash {
		return cerr.New(cerr.Integrity, "cas.verify", hash, fmt.Sprintf("content hashes to %s", got))
	}
	return nil
}

// WriteFileAtomic materializes content at dest with the given mode, used
// by the transaction engine when staging into the root filesystem. It
// writes to dest+".tmp", fsyncs, and renames into place.
func (s *Store) WriteFileAtomic(dest string, content []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return cerr.Wrap(cerr.Transient, "cas.write_file_atomic", dest, "create parent directory", err)
	}
	if err := writeFileAtomic(dest, content, mode); err != nil {
		return cerr.Wrap(cerr.Transient, "cas.write_file_atomic", dest, "atomic write", err)
	}
	return nil
}

// CopyFromCAS streams the object for hash directly into dest, for large
// files where holding the whole blob in memory is wasteful.
func (s *Store) CopyFromCAS(hash, dest string, mode os.FileMode) error {
	path, err := s.objectPath(hash)
	if err != nil {
		return cerr.Wrap(cerr.Internal, "cas.copy_from_cas", hash, "malformed hash", err)
	}
	src, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cerr.Wrap(cerr.Missing, "cas.copy_from_cas", hash, "object not found", err)
		}
		return cerr.Wrap(cerr.Transient, "cas.copy_from_cas", hash, "open object", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return cerr.Wrap(cerr.Transient, "cas.copy_from_cas", dest, "create parent directory", err)
	}

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return cerr.Wrap(cerr.Transient, "cas.copy_from_cas", dest, "create temp file", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return cerr.Wrap(cerr.Transient, "cas.copy_from_cas", dest, "copy object content", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return cerr.Wrap(cerr.Transient, "cas.copy_from_cas", dest, "fsync temp file", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return cerr.Wrap(cerr.Transient, "cas.copy_from_cas", dest, "close temp file", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return cerr.Wrap(cerr.Transient, "cas.copy_from_cas", dest, "rename into place", err)
	}
	return nil
}

func writeFileAtomic(path string, b []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
