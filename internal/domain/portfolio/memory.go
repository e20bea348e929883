package portfolio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store, used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]Row
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]Row), now: time.Now}
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("portfolio memory store: %w", ctx.Err())
	default:
		return nil
	}
}

// List returns the rows of kind ordered by update time, oldest first.
func (s *MemoryStore) List(ctx context.Context, principal string, kind Kind) ([]Row, error) {
	if err := ValidateRow(principal, kind); err != nil {
		return nil, err
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Row
	for _, row := range s.rows[strings.TrimSpace(principal)] {
		if row.Kind == kind {
			out = append(out, cloneRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// Insert stores row under a fresh ID unless one is provided.
func (s *MemoryStore) Insert(ctx context.Context, principal string, row Row) (Row, error) {
	if err := ValidateRow(principal, row.Kind); err != nil {
		return Row{}, err
	}
	if err := checkContext(ctx); err != nil {
		return Row{}, err
	}
	key := strings.TrimSpace(principal)
	row = cloneRow(row)
	if strings.TrimSpace(row.ID) == "" {
		row.ID = uuid.NewString()
	}
	row.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.rows[key]
	if !ok {
		bucket = make(map[string]Row)
		s.rows[key] = bucket
	}
	if _, exists := bucket[row.ID]; exists {
		return Row{}, fmt.Errorf("portfolio memory store: duplicate id %s", row.ID)
	}
	bucket[row.ID] = row
	return cloneRow(row), nil
}

// Update replaces the payload of an existing row of the same kind.
func (s *MemoryStore) Update(ctx context.Context, principal, id string, row Row) (Row, error) {
	if err := ValidateRow(principal, row.Kind); err != nil {
		return Row{}, err
	}
	if err := checkContext(ctx); err != nil {
		return Row{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[strings.TrimSpace(principal)][id]
	if !ok || existing.Kind != row.Kind {
		return Row{}, NotFound(row.Kind, id)
	}
	existing.Payload = append([]byte(nil), row.Payload...)
	existing.UpdatedAt = s.now().UTC()
	s.rows[strings.TrimSpace(principal)][id] = existing
	return cloneRow(existing), nil
}

// Delete removes a row.
func (s *MemoryStore) Delete(ctx context.Context, principal string, kind Kind, id string) error {
	if err := ValidateRow(principal, kind); err != nil {
		return err
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.rows[strings.TrimSpace(principal)]
	existing, ok := bucket[id]
	if !ok || existing.Kind != kind {
		return NotFound(kind, id)
	}
	delete(bucket, id)
	return nil
}

func cloneRow(row Row) Row {
	row.Payload = append([]byte(nil), row.Payload...)
	return row
}
