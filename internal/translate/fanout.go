package translate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"lingochat/internal/models"
)

// FanOut pre-computes translations of a sent message for the other languages of
// the chat so readers usually find them in the mapping.
type FanOut struct {
	provider Provider
	cache    *Cache
	store    Store
	limit    int
	logger   zerolog.Logger
}

// Outcome lists the languages written, the ones that failed and whether the
// provider quota stopped the fan-out.
type Outcome struct {
	Translated  []string
	Failed      []string
	RateLimited bool
}

func NewFanOut(provider Provider, cache *Cache, store Store, limit int) *FanOut {
	if limit <= 0 {
		limit = 1
	}
	return &FanOut{
		provider: provider,
		cache:    cache,
		store:    store,
		limit:    limit,
		logger:   log.With().Str("component", "fanout").Logger(),
	}
}

// Translate blocks until every target language is written or failed. The first
// language runs alone so a provider that is already out of quota costs one call;
// the rest run concurrently and a rate limit among them stops any not yet started.
func (f *FanOut) Translate(ctx context.Context, msg models.Message, languages []string) Outcome {
	var out Outcome
	if f.provider == nil || msg.Kind == models.MessageSystem {
		return out
	}
	targets := Targets(msg.Language, languages)
	if len(targets) == 0 {
		return out
	}

	var (
		mu      sync.Mutex
		stopped atomic.Bool
	)
	source := Normalize(msg.Language)
	run := func(lang string) {
		if stopped.Load() {
			return
		}
		err := f.translateOne(ctx, msg, source, lang)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			out.Translated = append(out.Translated, lang)
		case errors.Is(err, ErrRateLimited):
			stopped.Store(true)
			out.RateLimited = true
			out.Failed = append(out.Failed, lang)
			f.markLimited(ctx, msg, lang)
		default:
			out.Failed = append(out.Failed, lang)
			f.logger.Warn().Err(err).Str("message", msg.ID).Str("target", lang).Msg("fan-out translation failed")
		}
	}

	run(targets[0])

	var g errgroup.Group
	g.SetLimit(f.limit)
	for _, lang := range targets[1:] {
		if stopped.Load() {
			break
		}
		g.Go(func() error {
			run(lang)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(out.Translated)
	sort.Strings(out.Failed)
	return out
}

func (f *FanOut) translateOne(ctx context.Context, msg models.Message, source, target string) error {
	text, ok := f.cache.Get(msg.Text, source, target)
	if !ok {
		var err error
		text, err = f.provider.Translate(ctx, msg.Text, target, source)
		if err != nil {
			return err
		}
		if err := f.cache.Put(msg.Text, source, target, text); err != nil {
			f.logger.Warn().Err(err).Msg("translation cache write failed")
		}
	}
	return f.store.SetTranslation(ctx, msg.ID, target, text)
}

// markLimited stores the origin text under the failed language so readers do not
// request it again, and flags the message.
func (f *FanOut) markLimited(ctx context.Context, msg models.Message, lang string) {
	if err := f.store.SetTranslation(ctx, msg.ID, lang, msg.Text); err != nil {
		f.logger.Warn().Err(err).Str("message", msg.ID).Msg("store origin fallback failed")
	}
	if err := f.store.SetTranslationStatus(ctx, msg.ID, models.TranslationLimitExceeded); err != nil {
		f.logger.Warn().Err(err).Str("message", msg.ID).Msg("mark limit exceeded failed")
	}
}
