package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/soundfoundry/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for UserStore and EntryStore.
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

type mockUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newMockUsers(users ...*models.User) *mockUsers {
	m := &mockUsers{users: make(map[uuid.UUID]*models.User)}
	for _, u := range users {
		cp := *u
		m.users[u.ID] = &cp
	}
	return m
}

func (m *mockUsers) DebitIfSufficient(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	if u.Credits < amount {
		return 0, ErrInsufficientCredits
	}
	u.Credits -= amount
	return u.Credits, nil
}

func (m *mockUsers) AddCredits(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, ErrUserNotFound
	}
	u.Credits += amount
	return u.Credits, nil
}

func (m *mockUsers) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.User, error) {
	return m.GetByID(ctx, id)
}

func (m *mockUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// ---

type mockEntries struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
	refs    map[string]bool
}

func newMockEntries() *mockEntries {
	return &mockEntries{refs: make(map[string]bool)}
}

func (m *mockEntries) CreateTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ExternalRef != nil {
		if m.refs[*e.ExternalRef] {
			return ErrDuplicateEntry
		}
		m.refs[*e.ExternalRef] = true
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockEntries) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *mockEntries) SumByUser(_ context.Context, userID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, e := range m.entries {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestService(credits int) (*Service, *mockUsers, *mockEntries, uuid.UUID) {
	id := uuid.New()
	users := newMockUsers(&models.User{ID: id, Credits: 0})
	entries := newMockEntries()
	svc := NewService(mockPool{}, users, entries)
	if credits > 0 {
		if _, err := svc.Grant(context.Background(), Posting{UserID: id, Amount: credits, Reason: models.ReasonAdminGrant}); err != nil {
			panic(err)
		}
	}
	return svc, users, entries, id
}

func assertConsistent(t *testing.T, svc *Service, userID uuid.UUID) {
	t.Helper()
	rec, err := svc.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !rec.Consistent {
		t.Fatalf("cached balance %d != ledger sum %d", rec.Cached, rec.LedgerSum)
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDebit_WritesNegativeEntry(t *testing.T) {
	svc, _, entries, userID := newTestService(400)
	trackID := uuid.New()

	entry, err := svc.Debit(context.Background(), noopTx{}, Posting{
		UserID:  userID,
		Amount:  2,
		Reason:  models.ReasonTrackGenerate,
		TrackID: &trackID,
		Meta:    map[string]int{"duration_s": 60, "credits_required": 2},
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if entry.Delta != -2 {
		t.Errorf("delta = %d, want -2", entry.Delta)
	}
	var meta map[string]int
	if err := json.Unmarshal(entry.Meta, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["credits_required"] != 2 {
		t.Errorf("meta = %v", meta)
	}

	bal, _ := svc.Balance(context.Background(), userID)
	if bal != 398 {
		t.Errorf("balance = %d, want 398", bal)
	}
	if len(entries.entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries.entries))
	}
	assertConsistent(t, svc, userID)
}

func TestDebit_InsufficientChangesNothing(t *testing.T) {
	svc, _, entries, userID := newTestService(1)

	_, err := svc.Debit(context.Background(), noopTx{}, Posting{UserID: userID, Amount: 2, Reason: models.ReasonTrackGenerate})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	bal, _ := svc.Balance(context.Background(), userID)
	if bal != 1 {
		t.Errorf("balance = %d, want 1", bal)
	}
	if len(entries.entries) != 1 {
		t.Errorf("entries = %d, want only the grant", len(entries.entries))
	}
}

func TestDebit_ExactBalanceReachesZero(t *testing.T) {
	svc, _, _, userID := newTestService(2)
	if _, err := svc.Debit(context.Background(), noopTx{}, Posting{UserID: userID, Amount: 2, Reason: models.ReasonTrackGenerate}); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	bal, _ := svc.Balance(context.Background(), userID)
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
	assertConsistent(t, svc, userID)
}

func TestPosting_Validation(t *testing.T) {
	svc, _, _, userID := newTestService(10)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
		want error
	}{
		{"debit zero", func() error {
			_, err := svc.Debit(ctx, noopTx{}, Posting{UserID: userID, Amount: 0, Reason: models.ReasonTrackGenerate})
			return err
		}, ErrInvalidAmount},
		{"debit with credit reason", func() error {
			_, err := svc.Debit(ctx, noopTx{}, Posting{UserID: userID, Amount: 1, Reason: models.ReasonPurchase})
			return err
		}, ErrInvalidReason},
		{"credit negative", func() error {
			_, err := svc.Credit(ctx, noopTx{}, Posting{UserID: userID, Amount: -5, Reason: models.ReasonPurchase})
			return err
		}, ErrInvalidAmount},
		{"credit with debit reason", func() error {
			_, err := svc.Credit(ctx, noopTx{}, Posting{UserID: userID, Amount: 1, Reason: models.ReasonTrackGenerate})
			return err
		}, ErrInvalidReason},
		{"unknown user", func() error {
			_, err := svc.Credit(ctx, noopTx{}, Posting{UserID: uuid.New(), Amount: 1, Reason: models.ReasonAdminGrant})
			return err
		}, ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	assertConsistent(t, svc, userID)
}

func TestGrant_DuplicateExternalRef(t *testing.T) {
	svc, _, _, userID := newTestService(0)
	ref := "cs_test_123"
	p := Posting{UserID: userID, Amount: 300, Reason: models.ReasonPurchase, ExternalRef: &ref}

	if _, err := svc.Grant(context.Background(), p); err != nil {
		t.Fatalf("first Grant: %v", err)
	}
	if _, err := svc.Grant(context.Background(), p); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("second Grant err = %v, want ErrDuplicateEntry", err)
	}
	bal, _ := svc.Balance(context.Background(), userID)
	if bal != 300 {
		t.Errorf("balance = %d, want 300", bal)
	}
}

func TestConcurrentDebits_NeverOverdraw(t *testing.T) {
	svc, _, _, userID := newTestService(10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(context.Background(), noopTx{}, Posting{UserID: userID, Amount: 1, Reason: models.ReasonTrackGenerate})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("succeeded = %d, want 10", succeeded)
	}
	bal, _ := svc.Balance(context.Background(), userID)
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
	assertConsistent(t, svc, userID)
}

func TestStatement_NewestFirstAndClamped(t *testing.T) {
	svc, _, _, userID := newTestService(100)
	for i := 0; i < 3; i++ {
		if _, err := svc.Debit(context.Background(), noopTx{}, Posting{UserID: userID, Amount: 1, Reason: models.ReasonTrackGenerate}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := svc.Statement(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("Statement: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("len = %d, want 4", len(list))
	}
	if list[0].Reason != models.ReasonTrackGenerate || list[3].Reason != models.ReasonAdminGrant {
		t.Errorf("order = %s .. %s", list[0].Reason, list[3].Reason)
	}

	two, _ := svc.Statement(context.Background(), userID, 2)
	if len(two) != 2 {
		t.Errorf("len = %d, want 2", len(two))
	}
}
