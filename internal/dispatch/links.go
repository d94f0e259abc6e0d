package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"survey-dispatch/internal/repo"
)

const linkCacheTTL = 24 * time.Hour

// ErrLinkUnavailable is returned when a {link} placeholder cannot be filled.
var ErrLinkUnavailable = errors.New("survey link unavailable")

// LinkStore persists issued links.
type LinkStore interface {
	GetOrCreateSurveyLink(ctx context.Context, link repo.SurveyLink) (*repo.SurveyLink, bool, error)
}

// LinkCache is the optional read-through cache in front of LinkStore.
type LinkCache interface {
	Key(parts ...string) string
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Linker issues one response link per campaign and contact. Dispatching the
// same campaign to the same contact again returns the original link.
type Linker struct {
	baseURL string
	store   LinkStore
	cache   LinkCache
	logger  *slog.Logger
}

// NewLinker returns a Linker. cache may be nil.
func NewLinker(baseURL string, store LinkStore, cache LinkCache, logger *slog.Logger) *Linker {
	return &Linker{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		cache:   cache,
		logger:  logger.With("component", "links"),
	}
}

// Available reports whether links can be issued, either under base or under
// the configured survey base URL.
func (l *Linker) Available(base string) bool {
	if l == nil || l.store == nil {
		return false
	}
	if base != "" {
		_, err := withToken(base, "")
		return err == nil
	}
	return l.baseURL != ""
}

// Issue returns the response URL of contact in campaignID.
func (l *Linker) Issue(ctx context.Context, campaignID, surveyID, contact string) (string, error) {
	return l.IssueAt(ctx, "", campaignID, surveyID, contact)
}

// IssueAt is Issue with the token attached to base as the "t" query
// parameter. An empty base falls back to the configured survey base URL.
func (l *Linker) IssueAt(ctx context.Context, base, campaignID, surveyID, contact string) (string, error) {
	if !l.Available(base) {
		return "", fmt.Errorf("%w: survey base url not configured", ErrLinkUnavailable)
	}
	build := func(token string) (string, error) {
		if base == "" {
			return l.url(surveyID, token), nil
		}
		return withToken(base, token)
	}

	var cacheKey string
	if l.cache != nil {
		cacheKey = l.cache.Key("link", campaignID, contact)
		var token string
		hit, err := l.cache.GetJSON(ctx, cacheKey, &token)
		if err != nil {
			l.logger.Warn("link cache read failed", "error", err)
		} else if hit && token != "" {
			return build(token)
		}
	}

	link, _, err := l.store.GetOrCreateSurveyLink(ctx, repo.SurveyLink{
		Token:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		CampaignID: campaignID,
		SurveyID:   surveyID,
		Contact:    contact,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLinkUnavailable, err)
	}

	if l.cache != nil {
		if err := l.cache.SetJSON(ctx, cacheKey, link.Token, linkCacheTTL); err != nil {
			l.logger.Warn("link cache write failed", "error", err)
		}
	}
	return build(link.Token)
}

func withToken(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: invalid survey link %q", ErrLinkUnavailable, base)
	}
	q := u.Query()
	q.Set("t", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (l *Linker) url(surveyID, token string) string {
	if surveyID == "" {
		return fmt.Sprintf("%s/r/%s", l.baseURL, url.PathEscape(token))
	}
	return fmt.Sprintf("%s/s/%s?t=%s", l.baseURL, url.PathEscape(surveyID), url.QueryEscape(token))
}

// Render fills the {name} and {link} placeholders.
func Render(text, name, link string) string {
	if name == "" {
		name = "participante"
	}
	return strings.NewReplacer("{name}", name, "{link}", link).Replace(text)
}

func needsLink(t Template) bool {
	return strings.Contains(t.Body, "{link}") || strings.Contains(t.Subject, "{link}")
}
