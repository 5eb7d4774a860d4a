package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"oxo/pkg/db"
)

// Store persists scan summaries.
type Store interface {
	Create(ctx context.Context, scan Scan) error
	UpdateState(ctx context.Context, id string, state State, cause string) error
	SetLogURL(ctx context.Context, id, url string) error
	Get(ctx context.Context, id string) (Scan, error)
	List(ctx context.Context) ([]Scan, error)
}

// MemoryStore keeps scans for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	scans map[string]Scan
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scans: make(map[string]Scan)}
}

func (s *MemoryStore) Create(_ context.Context, scan Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[scan.ID]; ok {
		return fmt.Errorf("scan %s already exists", scan.ID)
	}
	s.scans[scan.ID] = scan
	return nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, state State, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[id]
	if !ok {
		return ErrScanNotFound
	}
	scan.State = state
	if cause != "" {
		scan.Cause = cause
	}
	scan.UpdatedAt = time.Now().UTC()
	s.scans[id] = scan
	return nil
}

func (s *MemoryStore) SetLogURL(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[id]
	if !ok {
		return ErrScanNotFound
	}
	scan.LogURL = url
	s.scans[id] = scan
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan, ok := s.scans[id]
	if !ok {
		return Scan{}, ErrScanNotFound
	}
	return scan, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Scan, 0, len(s.scans))
	for _, scan := range s.scans {
		out = append(out, scan)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PostgresStore keeps scans in the scans table.
type PostgresStore struct {
	q db.Querier
}

func NewPostgresStore(q db.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

func (s *PostgresStore) Create(ctx context.Context, scan Scan) error {
	_, err := db.Exec(ctx, s.q,
		`INSERT INTO scans (id, title, asset, runtime, state, cause, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		scan.ID, scan.Title, scan.Asset, string(scan.Runtime), string(scan.State), scan.Cause, scan.CreatedAt, scan.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, state State, cause string) error {
	tag, err := db.Exec(ctx, s.q,
		`UPDATE scans SET state = $2, cause = CASE WHEN $3 = '' THEN cause ELSE $3 END, updated_at = now() WHERE id = $1`,
		id, string(state), cause)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScanNotFound
	}
	return nil
}

func (s *PostgresStore) SetLogURL(ctx context.Context, id, url string) error {
	tag, err := db.Exec(ctx, s.q, `UPDATE scans SET log_url = $2 WHERE id = $1`, id, url)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScanNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Scan, error) {
	var scan Scan
	err := db.Get(ctx, s.q, &scan,
		`SELECT id, title, asset, runtime, state, cause, log_url, created_at, updated_at FROM scans WHERE id = $1`, id)
	if db.IsNotFound(err) {
		return Scan{}, ErrScanNotFound
	}
	return scan, err
}

func (s *PostgresStore) List(ctx context.Context) ([]Scan, error) {
	var scans []Scan
	err := db.Select(ctx, s.q, &scans,
		`SELECT id, title, asset, runtime, state, cause, log_url, created_at, updated_at FROM scans ORDER BY created_at DESC`)
	return scans, err
}
