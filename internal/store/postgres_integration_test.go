package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coomunity/unitsledger/internal/domain"
	"github.com/coomunity/unitsledger/internal/service"
	"github.com/coomunity/unitsledger/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway Postgres, applies the embedded migrations
// and returns a connected store.
func startPostgres(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dbURL := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	require.NoError(t, store.MigrateUp(dbURL))
	require.NoError(t, store.MigrateUp(dbURL), "second run must be a no-op")

	db, err := store.NewStore(ctx, dbURL, 20)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func register(t *testing.T, db *store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, db.Users().Register(context.Background(), id, ""))
	}
}

func fund(t *testing.T, db *store.Store, userID string, c domain.Currency, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := db.Accounts().GetOrCreate(ctx, userID)
	require.NoError(t, err)
	_, err = db.Accounts().AdjustBalance(ctx, userID, c, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

func balance(t *testing.T, db *store.Store, userID string, c domain.Currency) decimal.Decimal {
	t.Helper()
	bal, err := service.NewBalanceService(db.Accounts()).GetBalance(context.Background(), userID, c)
	require.NoError(t, err)
	return bal
}

func newEngine(db *store.Store) *service.TransferService {
	return service.NewTransferService(db.Accounts(), db.Entries(), db.Users(), db.Transactions())
}

func TestPostgresLedger(t *testing.T) {
	db := startPostgres(t)
	engine := newEngine(db)
	ctx := context.Background()

	t.Run("GetOrCreateConcurrent", func(t *testing.T) {
		register(t, db, "racer")
		var (
			wg      sync.WaitGroup
			created int32
			mu      sync.Mutex
			ids     = map[uuid.UUID]bool{}
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				acc, c, err := db.Accounts().GetOrCreate(ctx, "racer")
				assert.NoError(t, err)
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				ids[acc.ID] = true
				if c {
					created++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), created)
		assert.Len(t, ids, 1)
	})

	t.Run("AdjustBalanceGuard", func(t *testing.T) {
		register(t, db, "guarded")
		fund(t, db, "guarded", domain.CurrencyToins, 5)

		_, err := db.Accounts().AdjustBalance(ctx, "guarded", domain.CurrencyToins, decimal.NewFromInt(-6))
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

		acc, err := db.Accounts().AdjustBalance(ctx, "guarded", domain.CurrencyToins, decimal.RequireFromString("-4.5"))
		require.NoError(t, err)
		assert.True(t, acc.BalanceToins.Equal(decimal.RequireFromString("0.5")))

		_, err = db.Accounts().AdjustBalance(ctx, "nobody", domain.CurrencyToins, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("TransferProvisionsRecipient", func(t *testing.T) {
		register(t, db, "s1-a", "s1-b")
		fund(t, db, "s1-a", domain.CurrencyUnits, 1000)

		res, err := engine.Transfer(ctx, "s1-a", domain.TransferRequest{
			RecipientID: "s1-b",
			Amount:      decimal.NewFromInt(100),
			Currency:    domain.CurrencyUnits,
			Metadata:    map[string]any{"source": "test"},
		})
		require.NoError(t, err)
		assert.Equal(t, "test", res.Entry.Metadata["source"])
		assert.True(t, balance(t, db, "s1-a", domain.CurrencyUnits).Equal(decimal.NewFromInt(900)))
		assert.True(t, balance(t, db, "s1-b", domain.CurrencyUnits).Equal(decimal.NewFromInt(100)))

		stored, err := db.Entries().FindByID(ctx, res.Entry.ID)
		require.NoError(t, err)
		assert.Equal(t, res.Entry.ID, stored.ID)
		assert.True(t, stored.Amount.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, "Transfer of 100 UNITS", stored.Description)
	})

	t.Run("InsufficientSelfAndUnknown", func(t *testing.T) {
		register(t, db, "s2-c", "s2-b")
		fund(t, db, "s2-c", domain.CurrencyUnits, 0)
		req := domain.TransferRequest{RecipientID: "s2-b", Amount: decimal.NewFromInt(100), Currency: domain.CurrencyUnits}

		_, err := engine.Transfer(ctx, "s2-c", req)
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

		req.RecipientID = "s2-c"
		_, err = engine.Transfer(ctx, "s2-c", req)
		assert.ErrorIs(t, err, domain.ErrSelfTransferForbidden)

		req.RecipientID = "ghost"
		_, err = engine.Transfer(ctx, "s2-c", req)
		assert.ErrorIs(t, err, domain.ErrRecipientNotFound)

		count := 0
		for _, err := range db.Entries().FindByAccount(ctx, "s2-c") {
			require.NoError(t, err)
			count++
		}
		assert.Zero(t, count)
	})

	t.Run("ConcurrentDebits", func(t *testing.T) {
		register(t, db, "s5-a", "s5-b", "s5-c")
		fund(t, db, "s5-a", domain.CurrencyUnits, 1000)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
		)
		for _, to := range []string{"s5-b", "s5-c"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := engine.Transfer(ctx, "s5-a", domain.TransferRequest{
					RecipientID: to, Amount: decimal.NewFromInt(600), Currency: domain.CurrencyUnits,
				})
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}()
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
				failures++
			}
		}
		assert.Equal(t, 1, failures)
		assert.True(t, balance(t, db, "s5-a", domain.CurrencyUnits).Equal(decimal.NewFromInt(400)))
	})

	t.Run("CrossTransfersDoNotDeadlock", func(t *testing.T) {
		register(t, db, "dl-a", "dl-b")
		fund(t, db, "dl-a", domain.CurrencyUnits, 500)
		fund(t, db, "dl-b", domain.CurrencyUnits, 500)

		var wg sync.WaitGroup
		for i := range 40 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				from, to := "dl-a", "dl-b"
				if i%2 == 1 {
					from, to = to, from
				}
				_, err := engine.Transfer(ctx, from, domain.TransferRequest{
					RecipientID: to, Amount: decimal.NewFromInt(1), Currency: domain.CurrencyUnits,
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		total := balance(t, db, "dl-a", domain.CurrencyUnits).Add(balance(t, db, "dl-b", domain.CurrencyUnits))
		assert.True(t, total.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("IdempotencyKey", func(t *testing.T) {
		register(t, db, "idem-a", "idem-b")
		fund(t, db, "idem-a", domain.CurrencyUnits, 100)
		req := domain.TransferRequest{
			RecipientID: "idem-b", Amount: decimal.NewFromInt(10), Currency: domain.CurrencyUnits, IdempotencyKey: "k-1",
		}

		var wg sync.WaitGroup
		results := make(chan *domain.TransferResult, 6)
		for range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := engine.Transfer(ctx, "idem-a", req)
				assert.NoError(t, err)
				results <- res
			}()
		}
		wg.Wait()
		close(results)

		fresh := 0
		for res := range results {
			if res != nil && !res.Replayed {
				fresh++
			}
		}
		assert.Equal(t, 1, fresh)
		assert.True(t, balance(t, db, "idem-a", domain.CurrencyUnits).Equal(decimal.NewFromInt(90)))

		req.Amount = decimal.NewFromInt(11)
		_, err := engine.Transfer(ctx, "idem-a", req)
		assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
	})

	t.Run("HistoryPagination", func(t *testing.T) {
		register(t, db, "hist-a", "hist-b")
		fund(t, db, "hist-a", domain.CurrencyToins, 1000)
		const n = 230
		for i := 1; i <= n; i++ {
			_, err := engine.Transfer(ctx, "hist-a", domain.TransferRequest{
				RecipientID: "hist-b", Amount: decimal.NewFromInt(int64(i%3 + 1)), Currency: domain.CurrencyToins,
			})
			require.NoError(t, err)
		}

		var (
			count int
			prev  *domain.LedgerEntry
			seen  = map[uuid.UUID]bool{}
		)
		for e, err := range db.Entries().FindByAccount(ctx, "hist-b") {
			require.NoError(t, err)
			assert.False(t, seen[e.ID], "entry yielded twice")
			seen[e.ID] = true
			if prev != nil {
				assert.False(t, e.CreatedAt.After(prev.CreatedAt), "not newest first")
			}
			prev = &e
			count++
		}
		assert.Equal(t, n, count)

		views, err := service.NewAccountService(db.Accounts(), db.Entries(), db.Users(), nil).
			ListEntriesForAccount(ctx, "hist-a", domain.NewCaller("hist-a", nil, nil), 0)
		require.NoError(t, err)
		assert.Len(t, views, service.DefaultHistoryLimit)
		assert.Equal(t, domain.DirectionOutgoing, views[0].Direction)
	})

	t.Run("EntriesAreAppendOnly", func(t *testing.T) {
		register(t, db, "imm-a", "imm-b")
		fund(t, db, "imm-a", domain.CurrencyUnits, 10)
		res, err := engine.Transfer(ctx, "imm-a", domain.TransferRequest{
			RecipientID: "imm-b", Amount: decimal.NewFromInt(1), Currency: domain.CurrencyUnits,
		})
		require.NoError(t, err)

		_, err = db.Db.Exec(ctx, "UPDATE ledger_entries SET amount = 999 WHERE id = $1", res.Entry.ID)
		assert.ErrorContains(t, err, "append-only")
		_, err = db.Db.Exec(ctx, "DELETE FROM ledger_entries WHERE id = $1", res.Entry.ID)
		assert.ErrorContains(t, err, "append-only")
	})

	t.Run("CheckConstraintBacksInvariant", func(t *testing.T) {
		register(t, db, "chk")
		fund(t, db, "chk", domain.CurrencyUnits, 1)
		_, err := db.Db.Exec(ctx, "UPDATE accounts SET balance_units = -1 WHERE user_id = $1", "chk")
		require.Error(t, err)
	})

	t.Run("RollbackOnCancelledContext", func(t *testing.T) {
		register(t, db, "cx-a", "cx-b")
		fund(t, db, "cx-a", domain.CurrencyUnits, 50)

		cctx, cancel := context.WithCancel(ctx)
		err := db.Transactions().WithTransaction(cctx, func(txCtx context.Context) error {
			if _, err := db.Accounts().AdjustBalance(txCtx, "cx-a", domain.CurrencyUnits, decimal.NewFromInt(-50)); err != nil {
				return err
			}
			cancel()
			return txCtx.Err()
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.True(t, balance(t, db, "cx-a", domain.CurrencyUnits).Equal(decimal.NewFromInt(50)))
	})

	t.Run("Suspended", func(t *testing.T) {
		register(t, db, "sus-a", "sus-b", "sus-admin")
		fund(t, db, "sus-a", domain.CurrencyUnits, 10)
		admin := service.NewAccountService(db.Accounts(), db.Entries(), db.Users(), nil)
		root := domain.NewCaller("sus-admin", []string{"admin"}, []string{"admin"})
		req := domain.TransferRequest{RecipientID: "sus-b", Amount: decimal.NewFromInt(1), Currency: domain.CurrencyUnits}

		acc, err := admin.AdminSetAccountStatus(ctx, "sus-b", domain.AccountStatusSuspended, root)
		require.NoError(t, err)
		assert.Equal(t, domain.AccountStatusSuspended, acc.Status)

		_, err = engine.Transfer(ctx, "sus-a", req)
		assert.ErrorIs(t, err, domain.ErrAccountInactive)
		assert.True(t, balance(t, db, "sus-a", domain.CurrencyUnits).Equal(decimal.NewFromInt(10)))

		require.NoError(t, db.Accounts().SetStatus(ctx, "sus-b", domain.AccountStatusActive))
		_, err = engine.Transfer(ctx, "sus-a", req)
		require.NoError(t, err)

		assert.ErrorIs(t, db.Accounts().SetStatus(ctx, "nobody", domain.AccountStatusActive), domain.ErrAccountNotFound)
	})

	t.Run("BalanceOverflow", func(t *testing.T) {
		register(t, db, "big")
		fund(t, db, "big", domain.CurrencyUnits, 0)
		_, err := db.Accounts().AdjustBalance(ctx, "big", domain.CurrencyUnits, domain.MaxAmount)
		require.NoError(t, err)

		_, err = db.Accounts().AdjustBalance(ctx, "big", domain.CurrencyUnits, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
		assert.NotErrorIs(t, err, domain.ErrStorageFailure)
		assert.True(t, balance(t, db, "big", domain.CurrencyUnits).Equal(domain.MaxAmount))
	})

	t.Run("KeyedRetryDrainingBalance", func(t *testing.T) {
		register(t, db, "drain-a", "drain-b")
		fund(t, db, "drain-a", domain.CurrencyUnits, 100)
		req := domain.TransferRequest{
			RecipientID: "drain-b", Amount: decimal.NewFromInt(100), Currency: domain.CurrencyUnits, IdempotencyKey: "all-in",
		}

		var (
			wg      sync.WaitGroup
			results [2]*domain.TransferResult
			errs    [2]error
		)
		for i := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = engine.Transfer(ctx, "drain-a", req)
			}()
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, results[0].Entry.ID, results[1].Entry.ID)
		assert.True(t, balance(t, db, "drain-a", domain.CurrencyUnits).IsZero())
	})
}
