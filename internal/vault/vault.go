// Package vault implements API-key generation and verification shared by
// the SMTP, POP3, IMAP and REST front ends. Verification results are held
// in a short-TTL LRU cache so repeated logins (and brute-force retries)
// do not translate into bcrypt work and database load.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"relay/internal/metrics"
	"relay/internal/models"
	"relay/internal/store"
)

const (
	// PrefixLength is the non-secret key prefix stored for lookup and
	// shown in key listings.
	PrefixLength = 12

	// secretBytes is the entropy of a generated key before encoding.
	secretBytes = 32

	// CacheTTL bounds how long a positive or negative verification
	// result is trusted without rechecking the store.
	CacheTTL = 30 * time.Second

	// CacheSize bounds the verification cache.
	CacheSize = 10000
)

// AuthStore is the slice of the mailbox store the vault needs.
type AuthStore interface {
	UserByAddress(ctx context.Context, address string) (*models.User, error)
	ActiveAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)
	TouchAPIKey(ctx context.Context, keyID int64, when time.Time) error
}

// Result is the outcome of a credential check. OK means the secret matched
// an active key; scope enforcement is the caller's next step.
type Result struct {
	OK       bool
	UserID   string
	APIKeyID int64
	Scopes   []string
}

// HasScope reports whether the verified key carries the named scope.
func (r Result) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type touchRequest struct {
	keyID int64
	when  time.Time
}

// Vault verifies API keys against the store with a process-wide cache.
// There is one Vault per process; construct it at startup and Close it at
// shutdown.
type Vault struct {
	store AuthStore
	cache *expirable.LRU[string, Result]
	mc    metrics.Collector

	// Cost is the bcrypt cost for newly generated keys. Tests lower it.
	Cost int

	touch chan touchRequest
	done  chan struct{}
}

// New creates a Vault and starts its background last-used updater.
func New(st AuthStore, mc metrics.Collector) *Vault {
	if mc == nil {
		mc = metrics.Noop()
	}
	v := &Vault{
		store: st,
		cache: expirable.NewLRU[string, Result](CacheSize, nil, CacheTTL),
		mc:    mc,
		Cost:  bcrypt.DefaultCost,
		touch: make(chan touchRequest, 256),
		done:  make(chan struct{}),
	}
	go v.touchLoop()
	return v
}

// Close stops the background updater after draining pending updates.
func (v *Vault) Close() {
	close(v.touch)
	<-v.done
}

func (v *Vault) touchLoop() {
	defer close(v.done)
	for req := range v.touch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := v.store.TouchAPIKey(ctx, req.keyID, req.when); err != nil {
			log.Printf("vault: last-used update for key %d failed: %v", req.keyID, err)
		}
		cancel()
	}
}

// enqueueTouch records a successful use without blocking the caller.
func (v *Vault) enqueueTouch(keyID int64) {
	select {
	case v.touch <- touchRequest{keyID: keyID, when: time.Now().UTC()}:
	default:
		// Queue full; losing a last-used timestamp is acceptable.
	}
}

// Generate produces a new key secret. The plaintext is returned exactly
// once, here; callers store only the prefix and hash.
func (v *Vault) Generate() (plaintext, prefix, hash string, err error) {
	raw := make([]byte, secretBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("failed to generate key: %v", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw)
	prefix = plaintext[:PrefixLength]

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), v.Cost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash key: %v", err)
	}
	return plaintext, prefix, string(hashed), nil
}

// cacheKey derives the verification cache key: SHA-256 of
// lower(address) ":" plaintext, Base64-encoded.
func cacheKey(address, plaintext string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(address) + ":" + plaintext))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify checks an address/secret pair. Hash comparison is constant-time
// (bcrypt); negative results are cached too, so failed retries are
// absorbed without touching the store. Failure counters increment only on
// cache misses to avoid double-counting.
func (v *Vault) Verify(ctx context.Context, address, plaintext string) (Result, error) {
	key := cacheKey(address, plaintext)
	if res, ok := v.cache.Get(key); ok {
		if res.OK {
			v.enqueueTouch(res.APIKeyID)
		}
		return res, nil
	}

	res, err := v.verifyUncached(ctx, address, plaintext)
	if err != nil {
		// Store errors are not cached; the next attempt should retry.
		return Result{}, err
	}

	v.cache.Add(key, res)
	v.mc.AuthAttempt(res.OK)
	if res.OK {
		v.enqueueTouch(res.APIKeyID)
	}
	return res, nil
}

func (v *Vault) verifyUncached(ctx context.Context, address, plaintext string) (Result, error) {
	user, err := v.store.UserByAddress(ctx, address)
	if err == store.ErrNotFound {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	keys, err := v.store.ActiveAPIKeys(ctx, user.ID)
	if err != nil {
		return Result{}, err
	}

	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(plaintext)) == nil {
			return Result{
				OK:       true,
				UserID:   user.ID,
				APIKeyID: k.ID,
				Scopes:   k.Scopes,
			}, nil
		}
	}
	return Result{}, nil
}

// HasScope checks scope membership for an already-verified key without
// another store round trip.
func (v *Vault) HasScope(res Result, scope string) bool {
	return res.OK && res.HasScope(scope)
}
