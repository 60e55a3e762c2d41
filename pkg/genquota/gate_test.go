package genquota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/genquota/pkg/generator/mock"
	"github.com/mihaimyh/genquota/pkg/genquota"
	"github.com/mihaimyh/genquota/storage/memory"
	"github.com/mihaimyh/genquota/storage/tiered"
)

func TestGate_FreeFlashcardsScenario(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	snap, err := f.gate.CheckAdmission(ctx, testUserID, genquota.Flashcards)
	require.NoError(t, err)
	assert.Equal(t, genquota.Remaining(2), snap.Remaining)

	res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Items.Len())
	assert.Equal(t, genquota.Remaining(1), res.Remaining)
	assert.Equal(t, 5, f.generator.Requests()[0].Count)

	res, err = f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.NoError(t, err)
	assert.Equal(t, genquota.Remaining(0), res.Remaining)

	_, err = f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, genquota.ErrQuotaExceeded))
	assert.Equal(t, 2, f.generator.Calls())
}

func TestGate_LimitReachedNeverInvokes(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Quiz, testContent)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Quiz, testContent)

		var qe *genquota.QuotaExceededError
		require.True(t, errors.As(err, &qe))
		require.NotNil(t, qe.Snapshot)
		assert.Equal(t, genquota.Remaining(0), qe.Snapshot.Remaining)
		assert.Equal(t, 2, qe.Snapshot.Used)
		assert.Equal(t, day(0, 0).AddDate(0, 0, 1), qe.Snapshot.ResetsAt)
	}

	assert.Equal(t, 2, f.generator.Calls())
	assert.Equal(t, 2, f.used(t, genquota.Quiz))
}

func TestGate_TypesAreIndependent(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		require.NoError(t, err)
	}

	_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Quiz, testContent)
	require.NoError(t, err)
	assert.Equal(t, 1, f.used(t, genquota.Quiz))
}

func TestGate_UnlimitedNeverChargesOrRejects(t *testing.T) {
	for name, source := range map[string]*stubSource{
		"subscribed": subscribedSource(),
		"trialing":   trialSource(day(10, 0).AddDate(0, 0, 7)),
	} {
		t.Run(name, func(t *testing.T) {
			f := newGateFixture(t, source, mock.New())
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
				require.NoError(t, err)
				assert.True(t, res.Remaining.IsUnlimited())
				assert.Equal(t, 12, res.Items.Len())
			}

			assert.Equal(t, 0, f.used(t, genquota.Flashcards))
			assert.Equal(t, 5, f.generator.Calls())
		})
	}
}

func TestGate_SubscribedQuizScenario(t *testing.T) {
	f := newGateFixture(t, subscribedSource(), mock.New())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Quiz, testContent)
		require.NoError(t, err)
		assert.Equal(t, 10, res.Items.Len())
	}

	assert.Equal(t, 10, f.generator.Calls())
	for _, req := range f.generator.Requests() {
		assert.Equal(t, 10, req.Count)
		assert.Equal(t, genquota.Quiz, req.Type)
	}

	rem, err := f.gate.Ledger().Remaining(ctx, testUserID, &genquota.Entitlement{Tier: genquota.TierSubscribed}, genquota.Quiz)
	require.NoError(t, err)
	assert.Equal(t, genquota.Unlimited, rem)
}

func TestGate_FailureDoesNotCharge(t *testing.T) {
	ctx := context.Background()

	t.Run("invoke error", func(t *testing.T) {
		f := newGateFixture(t, freeSource(), mock.Failing(errBoom))

		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)

		var ie *genquota.InvokeError
		require.True(t, errors.As(err, &ie))
		assert.True(t, errors.Is(err, genquota.ErrInvokeFailed))
		assert.True(t, errors.Is(err, errBoom))
		assert.Equal(t, 0, f.used(t, genquota.Flashcards))
	})

	t.Run("upstream failure envelope", func(t *testing.T) {
		gen := &mock.Generator{Response: &genquota.GenerateResponse{Success: false, Error: "model overloaded"}}
		f := newGateFixture(t, freeSource(), gen)

		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Quiz, testContent)

		var ie *genquota.InvokeError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, "model overloaded", ie.Message)
		assert.Equal(t, 0, f.used(t, genquota.Quiz))
	})

	t.Run("empty result", func(t *testing.T) {
		f := newGateFixture(t, freeSource(), mock.Empty())

		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		assert.True(t, errors.Is(err, genquota.ErrEmptyResult))
		assert.Equal(t, 0, f.used(t, genquota.Flashcards))
	})

	t.Run("malformed data", func(t *testing.T) {
		gen := &mock.Generator{Response: &genquota.GenerateResponse{Success: true, Data: []byte(`{"not":"an array"}`)}}
		f := newGateFixture(t, freeSource(), gen)

		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		assert.True(t, errors.Is(err, genquota.ErrInvokeFailed))
		assert.Equal(t, 0, f.used(t, genquota.Flashcards))
	})
}

func TestGate_ThrowThenSucceed(t *testing.T) {
	gen := &mock.Generator{Script: []mock.Step{{Err: errBoom}}}
	f := newGateFixture(t, freeSource(), gen)
	ctx := context.Background()

	_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.Error(t, err)

	rem, err := f.gate.Ledger().Remaining(ctx, testUserID, nil, genquota.Flashcards)
	require.NoError(t, err)
	assert.Equal(t, genquota.Remaining(2), rem)

	res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.NoError(t, err)
	assert.Equal(t, genquota.Remaining(1), res.Remaining)
	assert.Equal(t, 2, gen.Calls())
}

func TestGate_DayRollover(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	f.clock.Set(day(23, 58))
	for i := 0; i < 2; i++ {
		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		require.NoError(t, err)
	}
	_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.True(t, errors.Is(err, genquota.ErrQuotaExceeded))

	f.clock.Set(day(0, 1).AddDate(0, 0, 1))

	snap, err := f.gate.CheckAdmission(ctx, testUserID, genquota.Flashcards)
	require.NoError(t, err)
	assert.Equal(t, genquota.Remaining(2), snap.Remaining)
	assert.Equal(t, "aiGenUsed_flashcards_2025-03-15", snap.PeriodKey.String())

	_, err = f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.NoError(t, err)
}

func TestGate_DayRolloverUsesConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	f := newGateFixture(t, freeSource(), mock.New(), func(c *genquota.Config) {
		c.Location = tokyo
	})
	ctx := context.Background()

	// 14:59 UTC is 23:59 in Tokyo; 15:01 UTC is the next Tokyo day.
	f.clock.Set(day(14, 59))
	for i := 0; i < 2; i++ {
		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		require.NoError(t, err)
	}

	f.clock.Set(day(15, 1))
	snap, err := f.gate.CheckAdmission(ctx, testUserID, genquota.Flashcards)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-15", snap.PeriodKey.Date)
	assert.Equal(t, genquota.Remaining(2), snap.Remaining)
}

func TestGate_ValidatesInput(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, "   \n")
	assert.True(t, errors.Is(err, genquota.ErrContentMissing))

	_, err = f.gate.RequestGeneration(ctx, testUserID, genquota.GenerationType("essay"), testContent)
	assert.True(t, errors.Is(err, genquota.ErrInvalidGenerationType))

	_, err = f.gate.RequestGeneration(ctx, "", genquota.Flashcards, testContent)
	assert.True(t, errors.Is(err, genquota.ErrInvalidUserID))

	assert.Equal(t, 0, f.generator.Calls())
	assert.Equal(t, 0, f.source.Calls())
}

func TestGate_StatusFetchFailureTreatedAsFree(t *testing.T) {
	source := &stubSource{err: errBoom}
	f := newGateFixture(t, source, mock.New())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		require.NoError(t, err)
		assert.Equal(t, genquota.TierFree, res.Entitlement.Tier)
		assert.True(t, res.Entitlement.Degraded)
		assert.Equal(t, 5, res.Items.Len())
	}

	report, err := f.gate.Usage(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, report.Entitlement.Degraded)

	_, err = f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	assert.True(t, errors.Is(err, genquota.ErrQuotaExceeded))

	// Failures are not cached: every request retried the source.
	assert.Equal(t, 4, source.Calls())
}

func TestGate_StorageReadFailureFailsClosed(t *testing.T) {
	mem := memory.New()
	storage := &faultyStorage{Storage: mem, failGet: true}
	f := newGateFixtureWithStorage(t, mem, storage, freeSource(), mock.New())

	_, err := f.gate.RequestGeneration(context.Background(), testUserID, genquota.Flashcards, testContent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
	assert.False(t, errors.Is(err, genquota.ErrQuotaExceeded))
	assert.Equal(t, 0, f.generator.Calls())
}

func TestGate_ChargeFailureWithholdsItems(t *testing.T) {
	mem := memory.New()
	storage := &faultyStorage{Storage: mem, failIncrement: true}
	f := newGateFixtureWithStorage(t, mem, storage, freeSource(), mock.New())
	ctx := context.Background()

	res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, genquota.ErrStorageUnavailable))
	assert.True(t, errors.Is(err, errBoom))

	decks, err := mem.ListDecks(ctx, testUserID)
	require.NoError(t, err)
	assert.Empty(t, decks)
}

func TestGate_ChargeRetriesOnce(t *testing.T) {
	mem := memory.New()
	storage := &faultyStorage{Storage: mem, incrementFailures: 1}
	f := newGateFixtureWithStorage(t, mem, storage, freeSource(), mock.New())

	res, err := f.gate.RequestGeneration(context.Background(), testUserID, genquota.Flashcards, testContent)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Items.Len())
	assert.Equal(t, genquota.Remaining(1), res.Remaining)
	assert.Equal(t, 1, f.used(t, genquota.Flashcards))
}

func TestGate_TieredHotOutageStillEnforcesCap(t *testing.T) {
	hot := &faultyStorage{Storage: memory.New(), failGet: true, failIncrement: true}
	cold := memory.New()
	storage, err := tiered.New(tiered.Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	defer storage.Close()

	gen := mock.New()
	f := newGateFixtureWithStorage(t, cold, storage, freeSource(), gen)
	ctx := context.Background()

	var succeeded int
	for i := 0; i < 10; i++ {
		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, errors.Is(err, genquota.ErrQuotaExceeded), "unexpected error: %v", err)
	}

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 2, gen.Calls())
	assert.Equal(t, 2, f.used(t, genquota.Flashcards))
}

func TestGate_ChargesWhenCallerCancelsAfterGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := mock.New()
	f := newGateFixture(t, freeSource(), gen, func(c *genquota.Config) {
		c.ReserveOnAdmit = false
	})

	// Rebuild the gate around a generator that abandons the request once it has produced items.
	invoker, err := genquota.NewInvoker(genquota.GeneratorFunc(
		func(ctx context.Context, req *genquota.GenerateRequest) (*genquota.GenerateResponse, error) {
			resp, err := gen.Generate(ctx, req)
			cancel()
			return resp, err
		}), nil)
	require.NoError(t, err)
	gate, err := genquota.NewGate(f.gate.Ledger(), f.gate.Status(), invoker, nil)
	require.NoError(t, err)

	_, err = gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
	require.NoError(t, err)
	assert.Equal(t, 1, f.used(t, genquota.Flashcards))
}

func TestGate_SavesDeck(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Quiz, testContent)
	require.NoError(t, err)
	require.NotEmpty(t, res.DeckID)

	deck, err := f.storage.GetDeck(ctx, testUserID, res.DeckID)
	require.NoError(t, err)
	assert.Equal(t, genquota.Quiz, deck.Type)
	assert.Equal(t, 10, deck.Items.Len())
	assert.Equal(t, day(10, 0), deck.CreatedAt)
}

func TestGate_CheckAdmissionDoesNotCharge(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.gate.CheckAdmission(ctx, testUserID, genquota.Flashcards)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, f.used(t, genquota.Flashcards))
	assert.Equal(t, 0, f.generator.Calls())
}

func TestGate_Usage(t *testing.T) {
	f := newGateFixture(t, freeSource(), mock.New())
	ctx := context.Background()

	_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Quiz, testContent)
	require.NoError(t, err)

	report, err := f.gate.Usage(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, report.Entitlement.ShowAds())
	require.Len(t, report.Limits, 2)

	assert.Equal(t, genquota.Remaining(2), report.Limits[genquota.Flashcards].Remaining)
	assert.Equal(t, 5, report.Limits[genquota.Flashcards].ItemsPerSession)
	assert.Equal(t, genquota.Remaining(1), report.Limits[genquota.Quiz].Remaining)
	assert.Equal(t, 10, report.Limits[genquota.Quiz].ItemsPerSession)
}

func TestGate_ReserveOnAdmit(t *testing.T) {
	reserve := func(c *genquota.Config) { c.ReserveOnAdmit = true }
	ctx := context.Background()

	t.Run("charges once per success", func(t *testing.T) {
		f := newGateFixture(t, freeSource(), mock.New(), reserve)

		res, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		require.NoError(t, err)
		assert.Equal(t, genquota.Remaining(1), res.Remaining)
		assert.Equal(t, 1, f.used(t, genquota.Flashcards))
	})

	t.Run("releases on failure", func(t *testing.T) {
		f := newGateFixture(t, freeSource(), mock.Failing(errBoom), reserve)

		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		require.Error(t, err)
		assert.Equal(t, 0, f.used(t, genquota.Flashcards))
	})

	t.Run("releases on empty result", func(t *testing.T) {
		f := newGateFixture(t, freeSource(), mock.Empty(), reserve)

		_, err := f.gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
		require.True(t, errors.Is(err, genquota.ErrEmptyResult))
		assert.Equal(t, 0, f.used(t, genquota.Flashcards))
	})

	t.Run("concurrent requests never exceed the cap", func(t *testing.T) {
		release := make(chan struct{})
		gen := mock.New()
		f := newGateFixture(t, freeSource(), gen, reserve)

		invoker, err := genquota.NewInvoker(genquota.GeneratorFunc(
			func(ctx context.Context, req *genquota.GenerateRequest) (*genquota.GenerateResponse, error) {
				<-release
				return gen.Generate(ctx, req)
			}), nil)
		require.NoError(t, err)
		gate, err := genquota.NewGate(f.gate.Ledger(), f.gate.Status(), invoker,
			&genquota.GateConfig{ReserveOnAdmit: true})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			rejected  int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := gate.RequestGeneration(ctx, testUserID, genquota.Flashcards, testContent)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					succeeded++
				} else if errors.Is(err, genquota.ErrQuotaExceeded) {
					rejected++
				}
			}()
		}

		// Let the rejected requests finish before releasing the admitted ones.
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return rejected == 8
		}, time.Second, 5*time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, 2, succeeded)
		assert.Equal(t, 2, gen.Calls())
		assert.Equal(t, 2, f.used(t, genquota.Flashcards))
	})
}
