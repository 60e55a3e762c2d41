package genquota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/genquota/pkg/generator/mock"
	"github.com/mihaimyh/genquota/pkg/genquota"
	"github.com/mihaimyh/genquota/storage/memory"
)

const (
	testUserID  = "user1"
	testContent = "Photosynthesis converts light energy into chemical energy."
)

var errBoom = errors.New("boom")

// testClock is a settable TimeSource
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now(_ context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// stubSource returns a fixed status or error and counts calls
type stubSource struct {
	mu     sync.Mutex
	status *genquota.Status
	err    error
	calls  int
	delay  time.Duration
}

func (s *stubSource) FetchStatus(ctx context.Context, _ string) (*genquota.Status, error) {
	s.mu.Lock()
	s.calls++
	st, err, delay := s.status, s.err, s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	stCopy := *st
	return &stCopy, nil
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSource) Set(st *genquota.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.err = err
}

func freeSource() *stubSource {
	return &stubSource{status: &genquota.Status{}}
}

func subscribedSource() *stubSource {
	return &stubSource{status: &genquota.Status{Subscribed: true, SubscriptionTier: "Premium"}}
}

func trialSource(end time.Time) *stubSource {
	return &stubSource{status: &genquota.Status{TrialActive: true, TrialEnd: &end}}
}

// faultyStorage fails selected operations of an in-memory store
type faultyStorage struct {
	*memory.Storage
	failGet       bool
	failIncrement bool

	// incrementFailures fails only the next n increments
	incrementFailures int
}

func (s *faultyStorage) GetCount(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	if s.failGet {
		return 0, errBoom
	}
	return s.Storage.GetCount(ctx, userID, key)
}

func (s *faultyStorage) Increment(ctx context.Context, userID string, key genquota.PeriodKey) (int, error) {
	if s.failIncrement {
		return 0, errBoom
	}
	if s.incrementFailures > 0 {
		s.incrementFailures--
		return 0, errBoom
	}
	return s.Storage.Increment(ctx, userID, key)
}

// day returns the given time on 2025-03-14 in UTC
func day(hour, minute int) time.Time {
	return time.Date(2025, 3, 14, hour, minute, 0, 0, time.UTC)
}

type gateFixture struct {
	gate      *genquota.Gate
	storage   *memory.Storage
	clock     *testClock
	generator *mock.Generator
	source    *stubSource
}

func newGateFixture(t *testing.T, source *stubSource, gen *mock.Generator,
	opts ...func(*genquota.Config)) *gateFixture {
	t.Helper()
	return newGateFixtureWithStorage(t, memory.New(), nil, source, gen, opts...)
}

func newGateFixtureWithStorage(t *testing.T, mem *memory.Storage, storage genquota.Storage, source *stubSource,
	gen *mock.Generator, opts ...func(*genquota.Config)) *gateFixture {
	t.Helper()
	if storage == nil {
		storage = mem
	}
	clock := newTestClock(day(10, 0))
	config := &genquota.Config{
		Location:   time.UTC,
		TimeSource: clock,
		Decks:      mem,
	}
	for _, opt := range opts {
		opt(config)
	}
	gate, err := genquota.New(storage, source, gen, config)
	require.NoError(t, err)
	return &gateFixture{gate: gate, storage: mem, clock: clock, generator: gen, source: source}
}

func (f *gateFixture) used(t *testing.T, gt genquota.GenerationType) int {
	t.Helper()
	now, _ := f.clock.Now(context.Background())
	n, err := f.storage.GetCount(context.Background(), testUserID, genquota.NewPeriodKey(gt, now, time.UTC))
	require.NoError(t, err)
	return n
}
