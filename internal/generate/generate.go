// Package generate runs AI generation requests through the response cache,
// the credit ledger and the provider.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"lexdraft/api/internal/aicache"
	"lexdraft/api/internal/llm"
	"lexdraft/api/internal/metrics"
	"lexdraft/api/internal/store"
	"lexdraft/api/internal/util"
)

var ErrInvalidRequest = errors.New("invalid generation request")

const providerTimeout = 2 * time.Minute

type Cache interface {
	Lookup(ctx context.Context, prompt, model string, kind aicache.Kind, documentID string) (string, bool)
	Store(ctx context.Context, content, prompt, model string, kind aicache.Kind, documentID string, ttl time.Duration)
}

type Ledger interface {
	Charge(ctx context.Context, userID string, amount int, reference string) (store.CreditAccount, error)
	Refund(ctx context.Context, userID string, amount int, reference string) (store.CreditAccount, error)
}

type Request struct {
	UserID     string
	DocumentID string
	Kind       aicache.Kind
	Prompt     string
	Model      string
}

type Result struct {
	Content string `json:"content"`
	Cached  bool   `json:"cached"`
	Model   string `json:"model"`
}

type Config struct {
	DefaultModel string
	CacheTTL     time.Duration
	Cost         int
}

type Service struct {
	cache    Cache
	ledger   Ledger
	provider llm.Provider
	cfg      Config
	log      zerolog.Logger
	group    singleflight.Group
}

func NewService(cache Cache, ledger Ledger, provider llm.Provider, cfg Config, log zerolog.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = aicache.DefaultTTL
	}
	return &Service{cache: cache, ledger: ledger, provider: provider, cfg: cfg, log: log}
}

// Generate serves cached responses for free. On a miss it charges the user,
// calls the provider once per identical in-flight request, stores the result
// and refunds when the provider fails.
func (s *Service) Generate(ctx context.Context, req Request) (Result, error) {
	if !req.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if req.DocumentID == "" || req.UserID == "" {
		return Result{}, fmt.Errorf("%w: document and user are required", ErrInvalidRequest)
	}
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}

	if content, ok := s.cache.Lookup(ctx, req.Prompt, model, req.Kind, req.DocumentID); ok {
		metrics.Generations.WithLabelValues(string(req.Kind), "cached").Inc()
		return Result{Content: content, Cached: true, Model: model}, nil
	}

	reference := util.NewID("gen")
	if s.cfg.Cost > 0 {
		if _, err := s.ledger.Charge(ctx, req.UserID, s.cfg.Cost, reference); err != nil {
			metrics.Generations.WithLabelValues(string(req.Kind), "rejected").Inc()
			return Result{}, err
		}
	}

	key := aicache.Fingerprint(req.Prompt, model) + "|" + req.DocumentID + "|" + string(req.Kind)
	value, err, shared := s.group.Do(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), providerTimeout)
		defer cancel()
		content, err := s.provider.Complete(callCtx, req.Prompt, model)
		if err != nil {
			return "", err
		}
		s.cache.Store(callCtx, content, req.Prompt, model, req.Kind, req.DocumentID, s.cfg.CacheTTL)
		return content, nil
	})
	if err != nil {
		metrics.Generations.WithLabelValues(string(req.Kind), "failed").Inc()
		s.refund(ctx, req.UserID, reference)
		return Result{}, fmt.Errorf("generate %s: %w", req.Kind, err)
	}

	if shared {
		s.log.Debug().Str("document_id", req.DocumentID).Str("kind", string(req.Kind)).Msg("shared in-flight generation")
	}
	metrics.Generations.WithLabelValues(string(req.Kind), "generated").Inc()
	return Result{Content: value.(string), Model: model}, nil
}

func (s *Service) refund(ctx context.Context, userID, reference string) {
	if s.cfg.Cost <= 0 {
		return
	}
	if _, err := s.ledger.Refund(context.WithoutCancel(ctx), userID, s.cfg.Cost, reference); err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Str("reference", reference).Msg("refund after failed generation")
	}
}
