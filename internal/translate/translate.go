// Package translate resolves the text a reader sees for a message and pre-computes
// translations when a message is sent.
package translate

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"lingochat/internal/models"
)

// ErrRateLimited is returned by a Provider when its quota is exhausted.
var ErrRateLimited = errors.New("translation rate limit exceeded")

// ErrorMarker is appended to origin text when a translation failed.
const ErrorMarker = " ⚠"

// Provider is the translation service.
type Provider interface {
	Translate(ctx context.Context, text, target, source string) (string, error)
}

// Store persists translations into a message's translation mapping.
type Store interface {
	SetTranslation(ctx context.Context, messageID, lang, text string) error
	SetTranslationStatus(ctx context.Context, messageID, status string) error
}

// Normalize reduces a language tag to its base language ("en-US" -> "en").
func Normalize(tag string) string {
	t, err := language.Parse(strings.TrimSpace(tag))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(tag))
	}
	base, _ := t.Base()
	return base.String()
}

// SameLanguage reports whether two tags name the same base language.
func SameLanguage(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Targets returns the distinct languages of langs other than origin, sorted.
func Targets(origin string, langs []string) []string {
	origin = Normalize(origin)
	seen := make(map[string]bool, len(langs))
	var out []string
	for _, l := range langs {
		n := Normalize(l)
		if n == "" || n == origin || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Result is the outcome of resolving one message for one reader.
type Result struct {
	Text        string
	Translated  bool
	RateLimited bool
	Failed      bool
}

// Overlay decides what text a reader sees for a message.
type Overlay struct {
	provider Provider
	cache    *Cache
	store    Store
	persist  func(task func())
	logger   zerolog.Logger
}

type Option func(*Overlay)

// WithPersist sets how fire-and-forget writes are run. The default starts a goroutine.
func WithPersist(run func(task func())) Option {
	return func(o *Overlay) { o.persist = run }
}

// NewOverlay builds an overlay. A nil provider disables translation; a nil cache
// disables memoization.
func NewOverlay(provider Provider, cache *Cache, store Store, opts ...Option) *Overlay {
	o := &Overlay{
		provider: provider,
		cache:    cache,
		store:    store,
		persist:  func(task func()) { go task() },
		logger:   log.With().Str("component", "translate").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve returns the text reader should see for msg. It may block on the provider.
func (o *Overlay) Resolve(ctx context.Context, msg models.Message, reader models.User) Result {
	origin := Result{Text: msg.Text}
	if msg.Kind == models.MessageSystem || msg.SenderID == reader.ID || SameLanguage(msg.Language, reader.Language) {
		return origin
	}

	target := Normalize(reader.Language)
	for _, key := range []string{target, reader.Language} {
		if text, ok := msg.Translation(key); ok {
			// A rate-limited send stores the origin text under the target key.
			return Result{Text: text, Translated: text != msg.Text}
		}
	}
	if o.provider == nil {
		return origin
	}

	source := Normalize(msg.Language)
	if text, ok := o.cache.Get(msg.Text, source, target); ok {
		o.saveTranslation(msg.ID, target, text)
		return Result{Text: text, Translated: true}
	}

	text, err := o.provider.Translate(ctx, msg.Text, target, source)
	switch {
	case err == nil:
		if err := o.cache.Put(msg.Text, source, target, text); err != nil {
			o.logger.Warn().Err(err).Msg("translation cache write failed")
		}
		o.saveTranslation(msg.ID, target, text)
		return Result{Text: text, Translated: true}
	case errors.Is(err, ErrRateLimited):
		id := msg.ID
		o.persist(func() {
			if err := o.store.SetTranslationStatus(context.Background(), id, models.TranslationLimitExceeded); err != nil {
				o.logger.Warn().Err(err).Str("message", id).Msg("mark limit exceeded failed")
			}
		})
		return Result{Text: msg.Text, RateLimited: true}
	default:
		o.logger.Warn().Err(err).Str("message", msg.ID).Str("target", target).Msg("translation failed")
		return Result{Text: msg.Text + ErrorMarker, Failed: true}
	}
}

func (o *Overlay) saveTranslation(messageID, lang, text string) {
	o.persist(func() {
		if err := o.store.SetTranslation(context.Background(), messageID, lang, text); err != nil {
			o.logger.Warn().Err(err).Str("message", messageID).Msg("persist translation failed")
		}
	})
}
