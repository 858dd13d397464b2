// Package tokens decides whether a mint may enter the system and removes
// every trace of mints that may not.
package tokens

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"tokenpulse/internal/cache"
	"tokenpulse/internal/chain"
	"tokenpulse/internal/models"

	"github.com/gagliardetto/solana-go"
)

const validationTTL = time.Hour

const verdictValid = "valid"

// Chain is the on-chain validation surface the validator needs.
type Chain interface {
	ValidateMint(ctx context.Context, mint string) error
}

// Store is the purge surface of the persistent store.
type Store interface {
	PurgeMint(ctx context.Context, mint string) error
}

// Cache is the slice of the cache store the validator uses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetTTL(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	ScanPattern(ctx context.Context, pattern string) ([]string, error)
}

type Validator struct {
	chain Chain
	repo  Store
	cache Cache
}

func NewValidator(chainClient Chain, repo Store, store Cache) *Validator {
	return &Validator{chain: chainClient, repo: repo, cache: store}
}

// Validate reports whether a mint is acceptable. The reason is filled for
// invalid mints. A non-nil error means no verdict was reached (transient
// failure); callers must not ban on it.
//
// Cached verdicts are honoured without chain contact, and a cached
// invalid verdict does not purge again.
func (v *Validator) Validate(ctx context.Context, mint string) (bool, string, error) {
	if mint == chain.NativeMint.String() {
		return true, "", nil
	}

	if reason, ok := checkSyntax(mint); !ok {
		return false, reason, nil
	}

	if banned, err := v.cache.Exists(ctx, cache.KeyBanned(mint)); err == nil && banned {
		return false, "mint is banned", nil
	}

	key := cache.KeyValidation(mint)
	if data, err := v.cache.Get(ctx, key); err == nil && data != nil {
		verdict := string(data)
		if verdict == verdictValid {
			return true, "", nil
		}
		return false, strings.TrimPrefix(verdict, "invalid:"), nil
	}

	err := v.chain.ValidateMint(ctx, mint)
	var invalid *models.InvalidMintError
	switch {
	case err == nil:
		v.cacheVerdict(ctx, key, verdictValid)
		return true, "", nil
	case errors.As(err, &invalid):
		// Purge before caching: the purge drops every per-mint key,
		// including the verdict slot this is about to fill.
		if purgeErr := v.PurgeInvalid(ctx, mint); purgeErr != nil {
			log.Printf("[tokens] purge of invalid mint %s failed: %v", mint, purgeErr)
		}
		v.cacheVerdict(ctx, key, "invalid:"+invalid.Reason)
		return false, invalid.Reason, nil
	default:
		return false, "", err
	}
}

// checkSyntax runs the offline checks: length window and a legal decoded
// public key.
func checkSyntax(mint string) (string, bool) {
	if len(mint) < 32 || len(mint) > 44 {
		return "address length out of range", false
	}
	if _, err := solana.PublicKeyFromBase58(mint); err != nil {
		return "not a valid base58 public key", false
	}
	return "", true
}

func (v *Validator) cacheVerdict(ctx context.Context, key, verdict string) {
	if err := v.cache.SetTTL(ctx, key, []byte(verdict), validationTTL); err != nil {
		log.Printf("[tokens] failed to cache verdict: %v", err)
	}
}

// PurgeInvalid removes all state for an invalid mint: persistent rows
// plus every cache key class that belongs to the mint. Cache cleanup is
// best-effort; the persistent purge is not.
func (v *Validator) PurgeInvalid(ctx context.Context, mint string) error {
	if err := v.repo.PurgeMint(ctx, mint); err != nil {
		return err
	}

	if err := v.cache.Delete(ctx, cache.MintKeys(mint)...); err != nil {
		log.Printf("[tokens] cache purge for %s: %v", mint, err)
	}
	for _, pattern := range cache.MintScanPatterns(mint) {
		keys, err := v.cache.ScanPattern(ctx, pattern)
		if err != nil {
			log.Printf("[tokens] cache scan %s: %v", pattern, err)
			continue
		}
		if err := v.cache.Delete(ctx, keys...); err != nil {
			log.Printf("[tokens] cache purge for %s: %v", mint, err)
		}
	}
	return nil
}

// ValidateBatch drains mints through Validate. Mints failing with a
// transient error land in neither list.
func (v *Validator) ValidateBatch(ctx context.Context, mints []string) (valid, invalid []string) {
	for _, mint := range mints {
		ok, _, err := v.Validate(ctx, mint)
		if err != nil {
			log.Printf("[tokens] validation of %s inconclusive: %v", mint, err)
			continue
		}
		if ok {
			valid = append(valid, mint)
		} else {
			invalid = append(invalid, mint)
		}
	}
	return valid, invalid
}
