package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/soundfoundry/backend/internal/execution"
	"github.com/soundfoundry/backend/internal/jobs"
	"github.com/soundfoundry/backend/internal/ledger"
	"github.com/soundfoundry/backend/internal/models"
	"github.com/soundfoundry/backend/internal/pricing"
	"github.com/soundfoundry/backend/internal/quota"
)

// ---------------------------------------------------------------------------
// memDB is an in-memory stand-in for Postgres. Transactions are serialized and
// a rollback restores the state seen at Begin, so tests observe the same
// all-or-nothing behaviour the real schema gives.
// ---------------------------------------------------------------------------

type memState struct {
	users   map[uuid.UUID]models.User
	entries []models.LedgerEntry
	tracks  map[uuid.UUID]models.Track
	jobs    map[uuid.UUID]models.Job
}

func (s memState) clone() memState {
	return memState{
		users:   maps.Clone(s.users),
		entries: slices.Clone(s.entries),
		tracks:  maps.Clone(s.tracks),
		jobs:    maps.Clone(s.jobs),
	}
}

type memDB struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   memState

	beginErr error
}

func newMemDB() *memDB {
	return &memDB{st: memState{
		users:  make(map[uuid.UUID]models.User),
		tracks: make(map[uuid.UUID]models.Track),
		jobs:   make(map[uuid.UUID]models.Job),
	}}
}

func (db *memDB) Begin(context.Context) (pgx.Tx, error) {
	if db.beginErr != nil {
		return nil, db.beginErr
	}
	db.txMu.Lock()
	db.mu.Lock()
	snap := db.st.clone()
	db.mu.Unlock()
	return &memTx{db: db, snap: snap}, nil
}

type memTx struct {
	db   *memDB
	snap memState
	done bool
}

func (tx *memTx) Commit(context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.txMu.Unlock()
	return nil
}

func (tx *memTx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	tx.db.mu.Lock()
	tx.db.st = tx.snap
	tx.db.mu.Unlock()
	tx.done = true
	tx.db.txMu.Unlock()
	return nil
}

func (tx *memTx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("nested tx") }
func (tx *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (tx *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (tx *memTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (tx *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (tx *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (tx *memTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (tx *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (tx *memTx) Conn() *pgx.Conn { return nil }

// --- users ---

type memUsers struct{ db *memDB }

func (r memUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.st.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	return &u, nil
}

func (r memUsers) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.User, error) {
	return r.GetByID(ctx, id)
}

func (r memUsers) DebitIfSufficient(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.st.users[id]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	if u.Credits < amount {
		return 0, ledger.ErrInsufficientCredits
	}
	u.Credits -= amount
	r.db.st.users[id] = u
	return u.Credits, nil
}

func (r memUsers) AddCredits(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.st.users[id]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	u.Credits += amount
	r.db.st.users[id] = u
	return u.Credits, nil
}

func (r memUsers) UpdatePricingProfile(_ context.Context, id uuid.UUID, band models.PPPBand, solidarity bool) (*models.User, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	u, ok := r.db.st.users[id]
	if !ok {
		return nil, ledger.ErrUserNotFound
	}
	u.PPPBand = band
	u.SolidarityOptIn = solidarity
	r.db.st.users[id] = u
	return &u, nil
}

// --- ledger entries ---

type memEntries struct{ db *memDB }

// CreateTx enforces the same unique constraints as the schema.
func (r memEntries) CreateTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, x := range r.db.st.entries {
		if e.ExternalRef != nil && x.ExternalRef != nil && *x.ExternalRef == *e.ExternalRef {
			return fmt.Errorf("%w: ledger_entries_external_ref_key", ledger.ErrDuplicateEntry)
		}
		oneRefund := e.Reason == models.ReasonRefundFailure || e.Reason == models.ReasonQualityPartial
		if oneRefund && e.TrackID != nil && x.TrackID != nil && *x.TrackID == *e.TrackID && x.Reason == e.Reason {
			return fmt.Errorf("%w: ledger_entries_one_refund_per_track", ledger.ErrDuplicateEntry)
		}
	}
	r.db.st.entries = append(r.db.st.entries, *e)
	return nil
}

func (r memEntries) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(r.db.st.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := r.db.st.entries[i]; e.UserID == userID {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r memEntries) SumByUser(_ context.Context, userID uuid.UUID) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	sum := 0
	for _, e := range r.db.st.entries {
		if e.UserID == userID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (r memEntries) FindTrackDebitTx(_ context.Context, _ pgx.Tx, userID, trackID uuid.UUID) (*models.LedgerEntry, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range r.db.st.entries {
		if e.UserID == userID && e.TrackID != nil && *e.TrackID == trackID && e.Reason == models.ReasonTrackGenerate {
			return &e, nil
		}
	}
	return nil, nil
}

func (r memEntries) HasTrackEntryTx(_ context.Context, _ pgx.Tx, trackID uuid.UUID, reason models.LedgerReason) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, e := range r.db.st.entries {
		if e.TrackID != nil && *e.TrackID == trackID && e.Reason == reason {
			return true, nil
		}
	}
	return false, nil
}

// --- tracks ---

type memTracks struct{ db *memDB }

func (r memTracks) CreateTx(_ context.Context, _ pgx.Tx, t *models.Track) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	r.db.st.tracks[t.ID] = *t
	return nil
}

func (r memTracks) GetByID(_ context.Context, id uuid.UUID) (*models.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.st.tracks[id]
	if !ok {
		return nil, ErrTrackNotFound
	}
	return &t, nil
}

func (r memTracks) GetByIDTx(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Track, error) {
	return r.GetByID(ctx, id)
}

func (r memTracks) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.Track, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.Track
	for _, t := range r.db.st.tracks {
		if t.UserID == userID && len(out) < limit {
			out = append(out, &t)
		}
	}
	return out, nil
}

// update applies fn unless the track is terminal, mirroring the SQL guard.
func (r memTracks) update(id uuid.UUID, fn func(*models.Track)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.st.tracks[id]
	if !ok || t.Status.IsTerminal() {
		return nil
	}
	fn(&t)
	r.db.st.tracks[id] = t
	return nil
}

func (r memTracks) MarkRendering(_ context.Context, id uuid.UUID) error {
	return r.update(id, func(t *models.Track) { t.Status = models.TrackStatusRendering })
}

func (r memTracks) SetProvider(_ context.Context, id uuid.UUID, provider string) error {
	return r.update(id, func(t *models.Track) { t.Provider = provider })
}

func (r memTracks) Complete(_ context.Context, id uuid.UUID, fileURL, previewURL string) error {
	return r.update(id, func(t *models.Track) {
		t.Status = models.TrackStatusComplete
		t.FileURL = &fileURL
		t.PreviewURL = &previewURL
	})
}

func (r memTracks) Fail(_ context.Context, id uuid.UUID, message string) error {
	return r.update(id, func(t *models.Track) {
		t.Status = models.TrackStatusFailed
		t.ErrorMessage = &message
	})
}

func (r memTracks) SetPublic(_ context.Context, id uuid.UUID, public bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t := r.db.st.tracks[id]
	t.Public = public
	r.db.st.tracks[id] = t
	return nil
}

// --- jobs ---

type memJobs struct{ db *memDB }

func (r memJobs) CreateTx(_ context.Context, _ pgx.Tx, j *models.Job) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.st.jobs[j.ID] = *j
	return nil
}

func (r memJobs) get(id uuid.UUID) (models.Job, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	j, ok := r.db.st.jobs[id]
	if !ok {
		return models.Job{}, jobs.ErrJobNotFound
	}
	return j, nil
}

func (r memJobs) GetByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r memJobs) update(id uuid.UUID, fn func(*models.Job)) bool {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	j, ok := r.db.st.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return false
	}
	fn(&j)
	r.db.st.jobs[id] = j
	return true
}

func (r memJobs) Start(_ context.Context, id uuid.UUID) (bool, error) {
	return r.update(id, func(j *models.Job) { j.Status = models.JobStatusProcessing }), nil
}

func (r memJobs) SetProviderJobID(_ context.Context, id uuid.UUID, providerJobID string) error {
	r.update(id, func(j *models.Job) { j.ProviderJobID = &providerJobID })
	return nil
}

func (r memJobs) SetProgress(_ context.Context, id uuid.UUID, p float64) error {
	r.update(id, func(j *models.Job) { j.Progress = max(j.Progress, p) })
	return nil
}

func (r memJobs) Complete(_ context.Context, id uuid.UUID) error {
	r.update(id, func(j *models.Job) {
		j.Status = models.JobStatusComplete
		j.Progress = 1.0
	})
	return nil
}

func (r memJobs) Fail(_ context.Context, id uuid.UUID, message string) error {
	r.update(id, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.Error = &message
	})
	return nil
}

// ---------------------------------------------------------------------------
// Fixture wiring the real services over memDB.
// ---------------------------------------------------------------------------

type fixture struct {
	db      *memDB
	users   memUsers
	entries memEntries
	tracks  memTracks
	jobs    memJobs
	ledger  *ledger.Service
	refunds *RefundEngine
	engine  *pricing.Engine
	counter *quota.MemoryCounter
	gate    *quota.Gate
	svc     *TrackService

	enqueued []execution.GenerateTrackArgs
	insertFn InsertGenerateTrackTxFunc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultEngine(t *testing.T) *pricing.Engine {
	t.Helper()
	e, err := pricing.NewEngine(pricing.DefaultCosts())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func newFixture(t *testing.T, policy quota.Policy) *fixture {
	t.Helper()
	db := newMemDB()
	f := &fixture{
		db:      db,
		users:   memUsers{db},
		entries: memEntries{db},
		tracks:  memTracks{db},
		jobs:    memJobs{db},
		engine:  defaultEngine(t),
		counter: quota.NewMemoryCounter(),
	}
	f.ledger = ledger.NewService(db, f.users, f.entries)
	f.refunds = NewRefundEngine(db, f.ledger, f.entries, f.tracks, discardLogger())
	f.gate = quota.NewGate(policy, f.counter, discardLogger())
	f.svc = &TrackService{
		Pool:    db,
		Users:   f.users,
		Tracks:  f.tracks,
		Jobs:    f.jobs,
		Ledger:  f.ledger,
		Gate:    f.gate,
		Refunds: f.refunds,
		Insert: func(ctx context.Context, tx pgx.Tx, args execution.GenerateTrackArgs) error {
			if f.insertFn != nil {
				return f.insertFn(ctx, tx, args)
			}
			f.enqueued = append(f.enqueued, args)
			return nil
		},
		DefaultProvider: "fal",
		Logger:          discardLogger(),
	}
	return f
}

// addUser creates a user and grants credits through the ledger, as signup does.
func (f *fixture) addUser(t *testing.T, credits int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.db.mu.Lock()
	f.db.st.users[id] = models.User{ID: id, Email: id.String() + "@test", PPPBand: models.PPPBandHigh, Plan: models.PlanFree}
	f.db.mu.Unlock()
	if credits > 0 {
		if _, err := f.ledger.Grant(context.Background(), ledger.Posting{UserID: id, Amount: credits, Reason: models.ReasonAdminGrant}); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	return id
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

// assertInvariant checks users.credits == sum(delta) and credits >= 0.
func (f *fixture) assertInvariant(t *testing.T, userID uuid.UUID) {
	t.Helper()
	rec, err := f.ledger.Reconcile(context.Background(), userID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !rec.Consistent || rec.Cached < 0 {
		t.Fatalf("ledger invariant broken: cached=%d sum=%d", rec.Cached, rec.LedgerSum)
	}
}

func (f *fixture) entriesFor(trackID uuid.UUID, reason models.LedgerReason) []models.LedgerEntry {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range f.db.st.entries {
		if e.TrackID != nil && *e.TrackID == trackID && e.Reason == reason {
			out = append(out, e)
		}
	}
	return out
}

// completeTrack marks a track complete directly, as a finished render would.
func (f *fixture) completeTrack(t *testing.T, trackID uuid.UUID) {
	t.Helper()
	if err := f.tracks.Complete(context.Background(), trackID, "https://s3/x.mp3", "https://s3/x.mp3"); err != nil {
		t.Fatal(err)
	}
}
