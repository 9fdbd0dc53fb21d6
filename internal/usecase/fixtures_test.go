package usecase

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/extract"
	"TechThermometer/internal/infrastructure/lock"
	"TechThermometer/internal/infrastructure/parser"
	"TechThermometer/internal/infrastructure/storage/memory"
)

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fetchResult struct {
	resp domain.FetchResponse
	err  error
}

func okJSON(body string) fetchResult {
	return fetchResult{resp: domain.FetchResponse{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(body),
		Elapsed: 120 * time.Millisecond,
	}}
}

func status(code int) fetchResult {
	return fetchResult{resp: domain.FetchResponse{
		Status:  code,
		Body:    []byte("unavailable"),
		Elapsed: 80 * time.Millisecond,
	}}
}

// scriptedTransport replays results in order and repeats the last one.
type scriptedTransport struct {
	mu      sync.Mutex
	results []fetchResult
	calls   []domain.FetchRequest
}

func (s *scriptedTransport) Fetch(_ context.Context, req domain.FetchRequest) (domain.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.results) == 0 {
		return okJSON("[]").resp, nil
	}
	next := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return next.resp, next.err
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubClassifier struct {
	class domain.Classification
	err   error
	calls int
}

func (s *stubClassifier) Classify(context.Context, string) (domain.Classification, error) {
	s.calls++
	return s.class, s.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) PublishAlert(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type testEnv struct {
	ctx        context.Context
	store      *memory.Store
	clock      *testClock
	transport  *scriptedTransport
	classifier *stubClassifier
	registry   *SiteRegistry
	collector  *Collector
	resolver   *ArticleResolver
	stats      *StatsAggregator
	sleeps     []time.Duration
	site       domain.Site
}

func testSite() domain.Site {
	return domain.Site{
		Key:            "techblog",
		Name:           "Tech Blog",
		BaseURL:        "http://s",
		Endpoints:      map[string]string{"articles": "/wp-json/wp/v2/posts"},
		Params:         map[string]string{"per_page": "20"},
		Format:         domain.FormatJSON,
		Language:       "en",
		RequestTimeout: 5 * time.Second,
		RetryCount:     3,
		RetryDelay:     time.Second,
		IsActive:       true,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ctx:       context.Background(),
		store:     memory.NewStore(),
		clock:     newTestClock(baseTime),
		transport: &scriptedTransport{},
	}
	env.registry = NewSiteRegistry(env.store, nil)

	sites, err := env.registry.Sync(env.ctx, []domain.Site{testSite()})
	require.NoError(t, err)
	require.Len(t, sites, 1)
	env.site = sites[0]

	env.collector = NewCollector(CollectorDeps{
		Registry:  env.registry,
		Snapshots: env.store,
		Transport: env.transport,
		Config:    CollectorConfig{MaxRetryDelay: 5 * time.Second, UserAgent: "techthermometer-test"},
		Now:       env.clock.Now,
		Sleep: func(_ context.Context, d time.Duration) error {
			env.sleeps = append(env.sleeps, d)
			return nil
		},
	})
	env.buildResolver(nil)
	env.stats = NewStatsAggregator(StatsDeps{
		Snapshots: env.store,
		Articles:  env.store,
		Stats:     env.store,
		Config:    DefaultStatsConfig(),
		Now:       env.clock.Now,
	})
	return env
}

func (e *testEnv) buildResolver(classifier *stubClassifier) {
	e.classifier = classifier
	deps := ResolverDeps{
		Sites:      e.store,
		Snapshots:  e.store,
		Articles:   e.store,
		Extractors: extract.NewRegistry(parser.NewJSONExtractor(), parser.NewRSSExtractor()),
		Tracker:    NewChangeTracker(DefaultChangeTrackerConfig()),
		Locker:     lock.NewKeyedMutex(),
		Config:     ResolverConfig{ClassifierMinConfidence: 0.6},
		Now:        e.clock.Now,
	}
	if classifier != nil {
		deps.Classifier = classifier
	}
	e.resolver = NewArticleResolver(deps)
}

// capture stores a successful snapshot of payload taken at capturedAt.
func (e *testEnv) capture(t *testing.T, capturedAt time.Time, payload string) domain.Snapshot {
	t.Helper()
	snapshot, err := e.store.CreateSnapshot(e.ctx, domain.Snapshot{
		SiteID:         e.site.ID,
		Endpoint:       "articles",
		Method:         http.MethodGet,
		CapturedAt:     capturedAt,
		ResponseStatus: http.StatusOK,
		ResponseTimeMs: 100,
		ContentType:    "application/json",
		Payload:        []byte(payload),
		BatchID:        "batch",
	})
	require.NoError(t, err)
	return snapshot
}

// resolve captures payload at capturedAt and resolves it.
func (e *testEnv) resolve(t *testing.T, capturedAt time.Time, payload string) domain.ResolutionResult {
	t.Helper()
	result, err := e.resolver.Resolve(e.ctx, e.capture(t, capturedAt, payload))
	require.NoError(t, err)
	return result
}

func (e *testEnv) article(t *testing.T, externalID string) domain.Article {
	t.Helper()
	article, err := e.store.GetArticleByExternalID(e.ctx, e.site.ID, externalID)
	require.NoError(t, err)
	return article
}
