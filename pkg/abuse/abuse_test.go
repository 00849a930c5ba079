package abuse

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznespilot/governor/pkg/governance"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/plans"
	"github.com/biznespilot/governor/pkg/storage"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var shop = Account{Provider: "instagram", ID: "@shop"}

type fixture struct {
	detector *Detector
	subs     *plans.MemoryStore
}

func newFixture(t *testing.T, store Store) *fixture {
	ctx := context.Background()
	subs := plans.NewMemoryStore()
	future := time.Now().Add(14 * 24 * time.Hour)

	for _, tenant := range []struct {
		id, name string
		status   plans.Status
	}{
		{"acme", "Acme", plans.StatusActive},
		{"trial-a", "Trial A", plans.StatusTrialing},
		{"trial-b", "Trial B", plans.StatusTrialing},
		{"paid", "Paid Co", plans.StatusActive},
	} {
		require.NoError(t, subs.UpsertTenant(ctx, &plans.Tenant{ID: tenant.id, Name: tenant.name}))
		sub := &plans.Subscription{TenantID: tenant.id, PlanID: "start", Status: tenant.status}
		if tenant.status == plans.StatusTrialing {
			sub.TrialEndsAt = &future
		} else {
			sub.EndsAt = &future
		}
		require.NoError(t, subs.UpsertSubscription(ctx, sub))
	}
	return &fixture{detector: NewDetector(store, subs, observability.NopLogger()), subs: subs}
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sql":    NewSQLStore(setupTestDB(t)),
	}
}

func TestCheckBinding_Unbound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)
			assert.NoError(t, f.detector.CheckBinding(context.Background(), shop, "acme"))
		})
	}
}

func TestCheckBinding_AlreadyConnected(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)
			_, created, err := f.detector.Bind(ctx, shop, "acme")
			require.NoError(t, err)
			assert.True(t, created)

			// same tenant is idempotent
			assert.NoError(t, f.detector.CheckBinding(ctx, shop, "acme"))
			again, created, err := f.detector.Bind(ctx, shop, "acme")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, "acme", again.TenantID)

			err = f.detector.CheckBinding(ctx, shop, "paid")
			var abuseErr *governance.IntegrationAbuseError
			require.True(t, errors.As(err, &abuseErr))
			assert.Equal(t, governance.AbuseAlreadyConnected, abuseErr.AbuseType)
			assert.Equal(t, "@shop", abuseErr.AccountIdentifier)
			assert.Equal(t, "Acme", abuseErr.PreviousBusinessName)
			assert.False(t, abuseErr.UpgradeRequired())

			_, _, err = f.detector.Bind(ctx, shop, "paid")
			assert.True(t, errors.As(err, &abuseErr))
		})
	}
}

func TestCheckBinding_TrialAbuse(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)

			b, _, err := f.detector.Bind(ctx, shop, "trial-a")
			require.NoError(t, err)
			assert.True(t, b.DuringTrial)
			require.NoError(t, f.detector.Release(ctx, shop, "trial-a"))

			// another trial tenant cannot reuse the account
			err = f.detector.CheckBinding(ctx, shop, "trial-b")
			var abuseErr *governance.IntegrationAbuseError
			require.True(t, errors.As(err, &abuseErr))
			assert.Equal(t, governance.AbuseTrial, abuseErr.AbuseType)
			assert.Equal(t, "Trial A", abuseErr.PreviousBusinessName)
			assert.True(t, abuseErr.UpgradeRequired())

			// the original trial tenant may reconnect
			assert.NoError(t, f.detector.CheckBinding(ctx, shop, "trial-a"))

			// a paying tenant may bind it
			_, _, err = f.detector.Bind(ctx, shop, "paid")
			assert.NoError(t, err)
		})
	}
}

func TestCheckBinding_NoRecordUntilBind(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)

			// a successful check alone does not reserve the account
			require.NoError(t, f.detector.CheckBinding(ctx, shop, "trial-a"))
			assert.NoError(t, f.detector.CheckBinding(ctx, shop, "trial-b"))

			active, err := store.ActiveBinding(ctx, shop)
			require.NoError(t, err)
			assert.Nil(t, active)
		})
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)
			_, _, err := f.detector.Bind(ctx, shop, "acme")
			require.NoError(t, err)

			bindings, err := f.detector.Bindings(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, bindings, 1)
			assert.Equal(t, shop, bindings[0].Account)

			assert.ErrorIs(t, f.detector.Release(ctx, shop, "paid"), ErrBindingNotFound)
			require.NoError(t, f.detector.Release(ctx, shop, "acme"))
			assert.ErrorIs(t, f.detector.Release(ctx, shop, "acme"), ErrBindingNotFound)

			bindings, err = f.detector.Bindings(ctx, "acme")
			require.NoError(t, err)
			assert.Empty(t, bindings)

			// released accounts can move to a paid tenant
			_, _, err = f.detector.Bind(ctx, shop, "paid")
			assert.NoError(t, err)
		})
	}
}

func TestBind_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	tenants := []string{"acme", "paid"}
	var wg sync.WaitGroup
	results := make([]error, len(tenants))
	for i, tenant := range tenants {
		wg.Add(1)
		go func(i int, tenant string) {
			defer wg.Done()
			_, _, results[i] = f.detector.Bind(ctx, shop, tenant)
		}(i, tenant)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, governance.CodeIntegrationAbuse, governance.CodeOf(err))
	}
	assert.Equal(t, 1, wins)
}

func TestBind_ConcurrentSameTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, NewMemoryStore())

	const n = 8
	var wg sync.WaitGroup
	bindings := make([]*Binding, n)
	created := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bindings[i], created[i], errs[i] = f.detector.Bind(ctx, shop, "acme")
		}(i)
	}
	wg.Wait()

	wins := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, bindings[i])
		assert.Equal(t, "acme", bindings[i].TenantID)
		if created[i] {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

// racingStore inserts a live binding for racer just before the real Create,
// as a concurrent request that passed the same checks would
type racingStore struct {
	Store
	racer string
}

func (s *racingStore) Create(ctx context.Context, b *Binding) error {
	won := *b
	won.TenantID = s.racer
	if err := s.Store.Create(ctx, &won); err != nil {
		return err
	}
	return s.Store.Create(ctx, b)
}

func TestBind_LostRace(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name+"/same tenant", func(t *testing.T) {
			f := newFixture(t, &racingStore{Store: store, racer: "acme"})
			b, created, err := f.detector.Bind(ctx, shop, "acme")
			require.NoError(t, err)
			require.NotNil(t, b)
			assert.False(t, created)
			assert.Equal(t, "acme", b.TenantID)
		})
	}

	for name, store := range stores(t) {
		t.Run(name+"/other tenant", func(t *testing.T) {
			f := newFixture(t, &racingStore{Store: store, racer: "paid"})
			b, created, err := f.detector.Bind(ctx, shop, "acme")
			assert.Nil(t, b)
			assert.False(t, created)
			var abuseErr *governance.IntegrationAbuseError
			require.True(t, errors.As(err, &abuseErr), "got %v", err)
			assert.Equal(t, governance.AbuseAlreadyConnected, abuseErr.AbuseType)
			assert.Equal(t, "Paid Co", abuseErr.PreviousBusinessName)
		})
	}
}

func TestSQLStore_CreateConflict(t *testing.T) {
	store := NewSQLStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, &Binding{Account: shop, TenantID: "a", BoundAt: now}))
	err := store.Create(ctx, &Binding{Account: shop, TenantID: "b", BoundAt: now})
	assert.ErrorIs(t, err, ErrAlreadyBound)
}
