// Package aicache stores generated AI responses keyed by a fingerprint of the
// prompt and model, scoped to a document and a response kind.
package aicache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"lexdraft/api/internal/metrics"
	"lexdraft/api/internal/store"
)

type Kind string

const (
	KindSummary            Kind = "summary"
	KindRiskAnalysis       Kind = "risk_analysis"
	KindDocumentGeneration Kind = "document_generation"
)

// DefaultTTL applies when callers have no configured TTL.
const DefaultTTL = 24 * time.Hour

func (k Kind) Valid() bool {
	switch k {
	case KindSummary, KindRiskAnalysis, KindDocumentGeneration:
		return true
	default:
		return false
	}
}

// Fingerprint is the hex SHA-256 of prompt followed directly by model. No
// normalization is applied.
func Fingerprint(prompt, model string) string {
	sum := sha256.Sum256([]byte(prompt + model))
	return hex.EncodeToString(sum[:])
}

type Store interface {
	GetCacheEntry(ctx context.Context, fingerprint, documentID, kind string) (store.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry store.CacheEntry) error
	DeleteCacheEntry(ctx context.Context, fingerprint, documentID, kind string) error
}

type Cache struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func New(backing Store, opts ...Option) *Cache {
	c := &Cache{store: backing, log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup never fails: read errors and expired rows are reported as misses.
// Expired rows are deleted on the way out.
func (c *Cache) Lookup(ctx context.Context, prompt, model string, kind Kind, documentID string) (string, bool) {
	fingerprint := Fingerprint(prompt, model)
	entry, err := c.store.GetCacheEntry(ctx, fingerprint, documentID, string(kind))
	if errors.Is(err, sql.ErrNoRows) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return "", false
	}
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Str("document_id", documentID).Str("kind", string(kind)).Msg("cache lookup failed, treating as miss")
		return "", false
	}

	if !c.now().Before(entry.ExpiresAt) {
		metrics.CacheLookups.WithLabelValues("expired").Inc()
		if err := c.store.DeleteCacheEntry(ctx, fingerprint, documentID, string(kind)); err != nil {
			c.log.Warn().Err(err).Str("document_id", documentID).Msg("failed to delete expired cache entry")
		}
		return "", false
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return entry.Content, true
}

// Store upserts the response for ttl. A zero ttl stores an entry that is
// already expired. Failures are logged and dropped.
func (c *Cache) Store(ctx context.Context, content, prompt, model string, kind Kind, documentID string, ttl time.Duration) {
	now := c.now()
	entry := store.CacheEntry{
		Fingerprint: Fingerprint(prompt, model),
		DocumentID:  documentID,
		Kind:        string(kind),
		Content:     content,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := c.store.UpsertCacheEntry(ctx, entry); err != nil {
		metrics.CacheStores.WithLabelValues("error").Inc()
		c.log.Warn().Err(err).Str("document_id", documentID).Str("kind", string(kind)).Msg("cache store failed")
		return
	}
	metrics.CacheStores.WithLabelValues("ok").Inc()
}
