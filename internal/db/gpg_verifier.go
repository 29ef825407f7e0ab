package db

import (
	"context"
	"fmt"

	"github.com/ConaryLabs/conary/internal/repometa"
)

// GPGVerifier implements SignatureVerifier against a repository's
// gpg_key_url/gpg_fingerprint, fetching the metadata document's detached
// signature from its conventional ".asc" companion URL.
type GPGVerifier struct {
	Keys *repometa.KeyCache
}

// NewGPGVerifier returns a GPGVerifier caching keys under keyCacheDir
// (Config.KeyCacheDir).
func NewGPGVerifier(keyCacheDir string) *GPGVerifier {
	return &GPGVerifier{Keys: repometa.NewKeyCache(keyCacheDir)}
}

func (v *GPGVerifier) Verify(ctx context.Context, repo Repository, data []byte) error {
	if repo.GPGFingerprint == "" || repo.GPGKeyURL == "" {
		return fmt.Errorf("repository %s declares gpg_check without a key", repo.Name)
	}

	key, err := v.Keys.Get(ctx, repo.GPGFingerprint, repo.GPGKeyURL)
	if err != nil {
		return fmt.Errorf("load gpg key: %w", err)
	}

	sig, err := repometa.FetchSignature(ctx, repo.URL+".asc")
	if err != nil {
		return fmt.Errorf("fetch signature: %w", err)
	}

	return repometa.VerifyDetached(data, sig, key)
}
