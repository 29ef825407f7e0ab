package repometa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/ConaryLabs/conary/internal/httputil"
)

const (
	// MaxKeySize bounds a fetched PGP public key (spec §6.5 gpg_check).
	MaxKeySize = 100 * 1024
	// MaxSignatureSize bounds a fetched detached signature.
	MaxSignatureSize = 10 * 1024
	// KeyFetchTimeout bounds both key and signature downloads.
	KeyFetchTimeout = 30 * time.Second
)

var fingerprintRegex = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)

// NormalizeFingerprint uppercases a fingerprint for consistent comparison.
func NormalizeFingerprint(fp string) string {
	return strings.ToUpper(strings.ReplaceAll(fp, " ", ""))
}

// ValidateFingerprint checks a fingerprint is 40 hex characters.
func ValidateFingerprint(fp string) error {
	if !fingerprintRegex.MatchString(fp) {
		return fmt.Errorf("invalid fingerprint format: must be 40 hex characters, got %q", fp)
	}
	return nil
}

// KeyCache caches a repository's GPG public key on disk by fingerprint,
// refetching from gpg_key_url only on a cache miss or mismatch.
type KeyCache struct {
	dir string
}

// NewKeyCache returns a KeyCache rooted at dir (Config.KeyCacheDir).
func NewKeyCache(dir string) *KeyCache {
	return &KeyCache{dir: dir}
}

// Get returns the public key for fingerprint, from cache or keyURL. The
// key is rejected if its own fingerprint doesn't match the one a
// repository definition declared.
func (c *KeyCache) Get(ctx context.Context, fingerprint, keyURL string) (*crypto.Key, error) {
	fingerprint = NormalizeFingerprint(fingerprint)

	if key, err := c.loadCached(fingerprint); err == nil {
		return key, nil
	}

	key, armored, err := c.fetch(ctx, keyURL, fingerprint)
	if err != nil {
		return nil, err
	}
	_ = c.save(fingerprint, armored) // cache write failure doesn't block verification
	return key, nil
}

func (c *KeyCache) path(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".asc")
}

func (c *KeyCache) loadCached(fingerprint string) (*crypto.Key, error) {
	data, err := os.ReadFile(c.path(fingerprint))
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewKeyFromArmored(string(data))
	if err != nil {
		os.Remove(c.path(fingerprint))
		return nil, fmt.Errorf("cached key is invalid: %w", err)
	}
	if NormalizeFingerprint(key.GetFingerprint()) != fingerprint {
		os.Remove(c.path(fingerprint))
		return nil, fmt.Errorf("cached key fingerprint mismatch")
	}
	return key, nil
}

func (c *KeyCache) fetch(ctx context.Context, keyURL, wantFingerprint string) (*crypto.Key, string, error) {
	data, err := fetchLimited(ctx, keyURL, MaxKeySize)
	if err != nil {
		return nil, "", fmt.Errorf("fetch key from %s: %w", keyURL, err)
	}
	armored := string(data)
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return nil, "", fmt.Errorf("parse PGP key: %w", err)
	}
	if got := NormalizeFingerprint(key.GetFingerprint()); got != wantFingerprint {
		return nil, "", fmt.Errorf("key fingerprint mismatch: expected %s, got %s", wantFingerprint, got)
	}
	return key, armored, nil
}

func (c *KeyCache) save(fingerprint, armored string) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(c.path(fingerprint), []byte(armored), 0o600)
}

// FetchSignature downloads a detached signature document, e.g. a
// repomd.xml.asc or Release.gpg companion to a repository's index.
func FetchSignature(ctx context.Context, signatureURL string) ([]byte, error) {
	return fetchLimited(ctx, signatureURL, MaxSignatureSize)
}

func fetchLimited(ctx context.Context, url string, max int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, KeyFetchTimeout)
	defer cancel()

	client := httputil.NewSecureClient(httputil.ClientOptions{Timeout: KeyFetchTimeout})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("response exceeds %d bytes", max)
	}
	return data, nil
}

// VerifyDetached checks signatureData (armored or binary) over data against
// key. An error means the metadata document's signature doesn't verify.
func VerifyDetached(data, signatureData []byte, key *crypto.Key) error {
	signature, err := crypto.NewPGPSignatureFromArmored(string(signatureData))
	if err != nil {
		signature = crypto.NewPGPSignature(signatureData)
	}

	keyRing, err := crypto.NewKeyRing(key)
	if err != nil {
		return fmt.Errorf("create keyring: %w", err)
	}

	message := crypto.NewPlainMessage(data)
	if err := keyRing.VerifyDetached(message, signature, 0); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
