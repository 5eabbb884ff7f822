package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/dispatcher/internal/models"
	"github.com/ifuryst/dispatcher/internal/service/publisher"
)

type attemptKey struct {
	item uint
	conn uint
}

// memStore is an in-memory Store with the same conditional-write semantics
// as the database implementation.
type memStore struct {
	mu          sync.Mutex
	items       map[uint]*models.ContentItem
	policies    map[uint]*models.OrgPublishPolicy
	connections []models.Connection
	attempts    map[attemptKey]*models.DeliveryAttempt
	nextID      uint

	listErr error
	// beforeCreate runs inside CreateAttempt, used to simulate a concurrent
	// run inserting first.
	beforeCreate func(a *models.DeliveryAttempt)
}

func newMemStore() *memStore {
	return &memStore{
		items:    make(map[uint]*models.ContentItem),
		policies: make(map[uint]*models.OrgPublishPolicy),
		attempts: make(map[attemptKey]*models.DeliveryAttempt),
	}
}

func (s *memStore) addItem(item models.ContentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Status == "" {
		item.Status = models.ContentStatusScheduled
	}
	s.items[item.ID] = &item
}

func (s *memStore) item(id uint) models.ContentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func (s *memStore) attempt(itemID, connID uint) *models.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptKey{itemID, connID}]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (s *memStore) putAttempt(a models.DeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	a.ID = s.nextID
	s.attempts[attemptKey{a.ContentItemID, a.ConnectionID}] = &a
}

func (s *memStore) sortedItems() []*models.ContentItem {
	items := make([]*models.ContentItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

func (s *memStore) ListScheduled(_ context.Context, onOrBefore string, afterID uint, limit int) ([]models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}

	var out []models.ContentItem
	for _, item := range s.sortedItems() {
		if item.ID <= afterID || item.Status != models.ContentStatusScheduled || item.ScheduledDate > onOrBefore {
			continue
		}
		out = append(out, *item)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ListRetryable(_ context.Context, maxRetries int, afterID uint, limit int) ([]models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ContentItem
	for _, item := range s.sortedItems() {
		if item.ID <= afterID || item.Status != models.ContentStatusPublished {
			continue
		}
		for key, a := range s.attempts {
			if key.item == item.ID && a.State == models.DeliveryFailed && a.RetryCount < maxRetries {
				out = append(out, *item)
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) GetPolicy(_ context.Context, organizationID uint) (*models.OrgPublishPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[organizationID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListActiveConnections(_ context.Context, organizationID uint) ([]models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Connection
	for _, c := range s.connections {
		if c.OrganizationID == organizationID && c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) GetAttempt(_ context.Context, contentItemID, connectionID uint) (*models.DeliveryAttempt, error) {
	return s.attempt(contentItemID, connectionID), nil
}

func (s *memStore) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s.beforeCreate != nil {
		s.beforeCreate(a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{a.ContentItemID, a.ConnectionID}
	if _, exists := s.attempts[key]; exists {
		return false, nil
	}
	s.nextID++
	a.ID = s.nextID
	cp := *a
	s.attempts[key] = &cp
	return true, nil
}

func (s *memStore) UpdateAttempt(ctx context.Context, a *models.DeliveryAttempt, fromState models.DeliveryState, fromRetry int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := attemptKey{a.ContentItemID, a.ConnectionID}
	current, ok := s.attempts[key]
	if !ok || current.ID != a.ID || current.State != fromState || current.RetryCount != fromRetry {
		return false, nil
	}
	cp := *a
	s.attempts[key] = &cp
	return true, nil
}

func (s *memStore) CountDelivered(ctx context.Context, contentItemID uint) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, a := range s.attempts {
		if key.item == contentItemID && a.State == models.DeliveryDelivered {
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkPublished(ctx context.Context, contentItemID uint, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[contentItemID]
	if !ok || item.Status != models.ContentStatusScheduled {
		return false, nil
	}
	item.Status = models.ContentStatusPublished
	item.PublishedAt = &at
	return true, nil
}

func (s *memStore) ListAttempts(_ context.Context, contentItemID uint) ([]models.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryAttempt
	for key, a := range s.attempts {
		if key.item == contentItemID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*memStore)(nil)

// scriptedPublisher answers each call with the next scripted response,
// repeating the last one.
type scriptedPublisher struct {
	platform string
	mu       sync.Mutex
	calls    int
	script   []func(ctx context.Context) (*publisher.Result, error)
}

func (p *scriptedPublisher) Platform() string { return p.platform }

func (p *scriptedPublisher) Publish(ctx context.Context, _ publisher.Destination, _ publisher.Payload) (*publisher.Result, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}
	return p.script[idx](ctx)
}

func (p *scriptedPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func succeed(ctx context.Context) (*publisher.Result, error) {
	return &publisher.Result{Success: true, PlatformPostID: "post-1", PostURL: "https://example.com/p/1"}, nil
}

func fail(ctx context.Context) (*publisher.Result, error) {
	return &publisher.Result{Success: false, Error: "rate limited"}, nil
}

func failPermanent(ctx context.Context) (*publisher.Result, error) {
	return &publisher.Result{Success: false, Error: "invalid credentials", Permanent: true}, nil
}

func throw(ctx context.Context) (*publisher.Result, error) {
	return nil, errors.New("connection reset")
}

func newPublisher(platform string, script ...func(ctx context.Context) (*publisher.Result, error)) *scriptedPublisher {
	return &scriptedPublisher{platform: platform, script: script}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Exhaustion
}

func (n *recordingNotifier) NotifyExhausted(ctx context.Context, e Exhaustion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, e)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	store    *memStore
	notifier *recordingNotifier
	clock    *fakeClock
	registry *publisher.Registry
	opts     Options
}

func newFixture(t *testing.T, now time.Time, pubs ...*scriptedPublisher) *fixture {
	t.Helper()
	registry := publisher.NewRegistry(zap.NewNop())
	for _, p := range pubs {
		require.NoError(t, registry.Register(p))
	}
	clock := &fakeClock{t: now}
	return &fixture{
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		clock:    clock,
		registry: registry,
		opts: Options{
			RetryPublishedItems: true,
			Now:                 clock.Now,
		},
	}
}

func (f *fixture) runner() *Runner {
	return NewRunner(f.store, f.registry, f.notifier, f.opts, zap.NewNop())
}

func (f *fixture) run(t *testing.T) *Summary {
	t.Helper()
	summary, err := f.runner().Run(context.Background())
	require.NoError(t, err)
	return summary
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return at
}
