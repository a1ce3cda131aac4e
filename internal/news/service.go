package news

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/techtrendlabs/techtrend/internal/cache"
	"github.com/techtrendlabs/techtrend/internal/models"
	"github.com/techtrendlabs/techtrend/pkg/metrics"
)

const (
	defaultBaseURL  = "https://google.serper.dev"
	defaultCacheTTL = 10 * time.Minute

	// DefaultQuery drives the dashboard when the client supplies none.
	DefaultQuery = "latest technology news trends AI quantum computing blockchain sustainability 2026"

	newsKeyPrefix = "news:q:"
)

// ErrUnavailable is returned when the upstream fails and no snapshot exists.
var ErrUnavailable = errors.New("news: upstream unavailable")

// Config tunes the news service.
type Config struct {
	APIKey     string
	BaseURL    string
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Article is a single headline from the upstream search.
type Article struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet,omitempty"`
	Source   string `json:"source,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Date     string `json:"date,omitempty"`
	Position int    `json:"position,omitempty"`
}

// Result is what the dashboard renders. Stale marks a last-known snapshot
// served because the upstream was down.
type Result struct {
	Query     string    `json:"query"`
	Articles  []Article `json:"articles"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale,omitempty"`
}

type serperResponse struct {
	News []Article `json:"news"`
}

// Service fetches headlines from Serper with a short-lived cache and a
// persisted last-known snapshot per query. It shares no state with the
// authentication flow; the cache keyspace is its own.
type Service struct {
	db       *gorm.DB
	store    cache.Store
	apiKey   string
	baseURL  string
	cacheTTL time.Duration
	client   *http.Client
	now      func() time.Time
	log      *zap.Logger
}

// NewService constructs the news service.
func NewService(db *gorm.DB, store cache.Store, log *zap.Logger, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("news service: db is required")
	}
	if store == nil {
		return nil, errors.New("news service: cache store is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("news service: api key is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &Service{
		db:       db,
		store:    store,
		apiKey:   cfg.APIKey,
		baseURL:  baseURL,
		cacheTTL: ttl,
		client:   client,
		now:      clock,
		log:      log,
	}, nil
}

// Latest returns headlines for the query, serving from cache when fresh and
// falling back to the persisted snapshot when the upstream fails.
func (s *Service) Latest(ctx context.Context, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		query = DefaultQuery
	}

	cacheKey := newsKeyPrefix + strings.ToLower(query)

	if payload, ok, err := s.store.Get(ctx, cacheKey); err == nil && ok {
		var result Result
		if err := json.Unmarshal(payload, &result); err == nil {
			metrics.NewsFetches.WithLabelValues("hit").Inc()
			return &result, nil
		}
	}

	articles, err := s.fetch(ctx, query)
	if err != nil {
		metrics.NewsFetches.WithLabelValues("error").Inc()
		s.log.Warn("news fetch failed, trying snapshot",
			zap.String("query", query), zap.Error(err))
		return s.snapshot(ctx, query, err)
	}

	result := &Result{
		Query:     query,
		Articles:  articles,
		FetchedAt: s.now(),
	}

	if payload, err := json.Marshal(result); err == nil {
		if err := s.store.Set(ctx, cacheKey, payload, s.cacheTTL); err != nil {
			s.log.Warn("news cache write failed", zap.Error(err))
		}
		s.persistSnapshot(ctx, query, payload, result.FetchedAt)
	}

	metrics.NewsFetches.WithLabelValues("miss").Inc()
	return result, nil
}

func (s *Service) fetch(ctx context.Context, query string) ([]Article, error) {
	body, err := json.Marshal(map[string]string{"q": query})
	if err != nil {
		return nil, fmt.Errorf("news: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/news", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("news: build request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("news: upstream status %d", resp.StatusCode)
	}

	var decoded serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("news: decode response: %w", err)
	}

	return decoded.News, nil
}

func (s *Service) persistSnapshot(ctx context.Context, query string, payload []byte, fetchedAt time.Time) {
	snapshot := models.NewsSnapshot{
		Query:     strings.ToLower(query),
		Payload:   payload,
		FetchedAt: fetchedAt,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "query"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "fetched_at", "updated_at"}),
		}).Create(&snapshot).Error
	if err != nil {
		s.log.Warn("news snapshot write failed", zap.Error(err))
	}
}

func (s *Service) snapshot(ctx context.Context, query string, cause error) (*Result, error) {
	var snapshot models.NewsSnapshot
	err := s.db.WithContext(ctx).Take(&snapshot, "query = ?", strings.ToLower(query)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Join(ErrUnavailable, cause)
	}
	if err != nil {
		return nil, fmt.Errorf("news: load snapshot: %w", err)
	}

	var result Result
	if err := json.Unmarshal(snapshot.Payload, &result); err != nil {
		return nil, fmt.Errorf("news: decode snapshot: %w", err)
	}

	result.Stale = true
	return &result, nil
}
