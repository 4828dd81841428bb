package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/branchops/impact/internal/api"
)

var (
	ErrInvalidRecord  = errors.New("invalid snapshot record")
	ErrSchemaMismatch = errors.New("snapshot schema mismatch")
)

// Record is the persisted result of one (intervention, branch) analysis.
// Result carries no timestamps so re-analysis over unchanged data reproduces it exactly.
type Record struct {
	SchemaVersion string                       `json:"schema_version"`
	AnalyzedAt    time.Time                    `json:"analyzed_at"`
	RunID         string                       `json:"run_id"`
	PolicyHash    string                       `json:"policy_hash,omitempty"`
	Result        *api.BranchPerformanceResult `json:"result"`
}

// NewRecord wraps result under the current schema version
func NewRecord(result *api.BranchPerformanceResult, runID, policyHash string, at time.Time) *Record {
	return &Record{
		SchemaVersion: api.SnapshotSchema,
		AnalyzedAt:    at.UTC(),
		RunID:         runID,
		PolicyHash:    policyHash,
		Result:        result,
	}
}

// Validate checks the record can be keyed and decoded by this version
func (r *Record) Validate() error {
	if r == nil || r.Result == nil {
		return fmt.Errorf("%w: missing result", ErrInvalidRecord)
	}
	if r.Result.InterventionID == "" || r.Result.BranchID == "" {
		return fmt.Errorf("%w: intervention and branch ids are required", ErrInvalidRecord)
	}
	if r.SchemaVersion != api.SnapshotSchema {
		return fmt.Errorf("%w: got %q, want %q", ErrSchemaMismatch, r.SchemaVersion, api.SnapshotSchema)
	}
	return nil
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Store persists one record per (intervention, branch); writes replace
type Store interface {
	// Upsert creates or replaces the record for its (intervention, branch)
	Upsert(ctx context.Context, rec *Record) error

	// Get returns the record, or nil if none exists
	Get(ctx context.Context, interventionID, branchID string) (*Record, error)

	// List returns all records for an intervention ordered by branch id
	List(ctx context.Context, interventionID string) ([]*Record, error)

	// Close releases resources
	Close() error
}

func key(interventionID, branchID string) string {
	return fmt.Sprintf("perf:%s:%s", interventionID, branchID)
}

// MemoryStore is an in-memory snapshot store with optional file persistence
type MemoryStore struct {
	mu       sync.RWMutex
	fileMu   sync.Mutex // serializes snapshot file writes
	store    map[string]*Record
	snapshot string // optional file path for persistence
}

// NewMemoryStore creates an in-memory store, loading snapshotPath if it exists
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		store:    make(map[string]*Record),
		snapshot: snapshotPath,
	}
	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	cp := *rec

	m.mu.Lock()
	m.store[key(rec.Result.InterventionID, rec.Result.BranchID)] = &cp
	m.mu.Unlock()

	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, interventionID, branchID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.store[key(interventionID, branchID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, interventionID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, rec := range m.store {
		if rec.Result.InterventionID == interventionID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sortByBranch(out)
	return out, nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, rec := range records {
		if rec.Validate() != nil {
			continue // written by an older schema
		}
		m.store[k] = rec
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.fileMu.Lock()
	defer m.fileMu.Unlock()

	m.mu.RLock()
	data, err := json.MarshalIndent(m.store, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	tmp := m.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshot)
}

func sortByBranch(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Result.BranchID < recs[j].Result.BranchID
	})
}

// Copy upserts every record of an intervention from src into dst and returns
// how many were copied. Used when moving snapshots between backends.
func Copy(ctx context.Context, src, dst Store, interventionID string, progress func(done, total int)) (int, error) {
	recs, err := src.List(ctx, interventionID)
	if err != nil {
		return 0, fmt.Errorf("list source snapshots: %w", err)
	}
	for i, rec := range recs {
		if err := dst.Upsert(ctx, rec); err != nil {
			return i, fmt.Errorf("copy %s/%s: %w", interventionID, rec.Result.BranchID, err)
		}
		if progress != nil {
			progress(i+1, len(recs))
		}
	}
	return len(recs), nil
}
