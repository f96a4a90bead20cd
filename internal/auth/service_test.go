package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for TxBeginner, AccountStore and Crediter.
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

// trackedTx records whether the registration committed.
type trackedTx struct {
	noopTx
	pool *mockPool
}

func (t *trackedTx) Commit(context.Context) error {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	t.pool.commits++
	return nil
}

type mockPool struct {
	mu      sync.Mutex
	commits int
}

func (p *mockPool) Begin(context.Context) (pgx.Tx, error) { return &trackedTx{pool: p}, nil }

type mockAccounts struct {
	mu      sync.Mutex
	byEmail map[string]*models.User
}

func newMockAccounts() *mockAccounts {
	return &mockAccounts{byEmail: make(map[string]*models.User)}
}

func (m *mockAccounts) CreateTx(_ context.Context, _ pgx.Tx, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}
	}
	u.Credits = 0
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	m.byEmail[u.Email] = &cp
	return nil
}

func (m *mockAccounts) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEmail[email]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

type mockCrediter struct {
	mu       sync.Mutex
	postings []ledger.Posting
	err      error
}

func (m *mockCrediter) Credit(_ context.Context, _ pgx.Tx, p ledger.Posting) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.postings = append(m.postings, p)
	return &models.LedgerEntry{ID: uuid.New(), UserID: p.UserID, Delta: p.Amount, Reason: p.Reason}, nil
}

func newTestService(trial int) (*service, *mockPool, *mockAccounts, *mockCrediter) {
	pool := &mockPool{}
	accounts := newMockAccounts()
	credits := &mockCrediter{}
	return NewService(pool, accounts, credits, "test-secret", trial), pool, accounts, credits
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestRegister_GrantsTrialCreditsThroughLedger(t *testing.T) {
	svc, pool, _, credits := newTestService(400)

	u, err := svc.Register(context.Background(), " Ada@Example.com ", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Email != "ada@example.com" {
		t.Errorf("expected normalized email, got %q", u.Email)
	}
	if u.Credits != 400 {
		t.Errorf("expected 400 credits, got %d", u.Credits)
	}
	if u.PPPBand != models.PPPBandHigh || u.Plan != models.PlanFree {
		t.Errorf("unexpected defaults: band=%s plan=%s", u.PPPBand, u.Plan)
	}
	if len(credits.postings) != 1 {
		t.Fatalf("expected 1 posting, got %d", len(credits.postings))
	}
	p := credits.postings[0]
	if p.Reason != models.ReasonAdminGrant || p.Amount != 400 || p.UserID != u.ID {
		t.Errorf("unexpected posting: %+v", p)
	}
	if meta, ok := p.Meta.(trialMeta); !ok || meta.Source != "signup_trial" {
		t.Errorf("unexpected meta: %#v", p.Meta)
	}
	if pool.commits != 1 {
		t.Errorf("expected 1 commit, got %d", pool.commits)
	}
}

func TestRegister_ZeroTrialSkipsGrant(t *testing.T) {
	svc, _, _, credits := newTestService(0)

	u, err := svc.Register(context.Background(), "zero@example.com", "password123", "Zero")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.Credits != 0 {
		t.Errorf("expected 0 credits, got %d", u.Credits)
	}
	if len(credits.postings) != 0 {
		t.Errorf("expected no postings, got %d", len(credits.postings))
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc, _, _, _ := newTestService(400)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dup@example.com", "password123", "One"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.Register(ctx, "DUP@example.com", "password123", "Two")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegister_WeakPassword(t *testing.T) {
	svc, pool, _, _ := newTestService(400)

	_, err := svc.Register(context.Background(), "weak@example.com", "short", "Weak")
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if pool.commits != 0 {
		t.Errorf("expected no commit, got %d", pool.commits)
	}
}

func TestRegister_GrantFailureDoesNotCommit(t *testing.T) {
	svc, pool, _, credits := newTestService(400)
	credits.err = errors.New("ledger down")

	_, err := svc.Register(context.Background(), "fail@example.com", "password123", "Fail")
	if err == nil {
		t.Fatal("expected error")
	}
	if pool.commits != 0 {
		t.Errorf("expected no commit, got %d", pool.commits)
	}
}

// ---------------------------------------------------------------------------
// Login and tokens
// ---------------------------------------------------------------------------

func TestLogin_IssuesTokenThatValidates(t *testing.T) {
	svc, _, _, _ := newTestService(400)
	ctx := context.Background()

	u, err := svc.Register(ctx, "login@example.com", "password123", "Login")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := svc.Login(ctx, "login@example.com", "password123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id != u.ID {
		t.Errorf("expected subject %s, got %s", u.ID, id)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc, _, _, _ := newTestService(400)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "creds@example.com", "password123", "Creds"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Login(ctx, "creds@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	svc, _, _, _ := newTestService(400)
	ctx := context.Background()
	userID := uuid.New()

	expired := func() string {
		past := time.Now().Add(-48 * time.Hour)
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
		})
		s, _ := tok.SignedString([]byte("test-secret"))
		return s
	}()

	otherSecret := func() string {
		other := NewService(&mockPool{}, newMockAccounts(), &mockCrediter{}, "other-secret", 0)
		s, _ := other.issueToken(userID)
		return s
	}()

	badSubject := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "not-a-uuid",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		s, _ := tok.SignedString([]byte("test-secret"))
		return s
	}()

	unsigned := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: userID.String()})
		s, _ := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		return s
	}()

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"expired", expired},
		{"wrong secret", otherSecret},
		{"bad subject", badSubject},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(ctx, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
