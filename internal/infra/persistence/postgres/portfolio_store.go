package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/quotestream/internal/domain/portfolio"
)

const (
	listRowsSQL = `
SELECT id, kind, payload, updated_at
FROM portfolio_rows
WHERE principal = $1 AND kind = $2
ORDER BY updated_at, id`

	insertRowSQL = `
INSERT INTO portfolio_rows (principal, id, kind, payload)
VALUES ($1, $2, $3, $4)
RETURNING updated_at`

	updateRowSQL = `
UPDATE portfolio_rows
SET payload = $4, updated_at = NOW()
WHERE principal = $1 AND id = $2 AND kind = $3
RETURNING updated_at`

	deleteRowSQL = `
DELETE FROM portfolio_rows
WHERE principal = $1 AND id = $2 AND kind = $3`
)

// PortfolioStore persists portfolio rows as JSONB documents, one table for
// every kind.
type PortfolioStore struct {
	pool *pgxpool.Pool
}

// NewPortfolioStore constructs a PortfolioStore backed by the provided pgx pool.
func NewPortfolioStore(pool *pgxpool.Pool) *PortfolioStore {
	return &PortfolioStore{pool: pool}
}

func (s *PortfolioStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("portfolio store: nil pool")
	}
	return s.pool, nil
}

// List returns the rows of kind ordered by update time, oldest first.
func (s *PortfolioStore) List(ctx context.Context, principal string, kind portfolio.Kind) ([]portfolio.Row, error) {
	if err := portfolio.ValidateRow(principal, kind); err != nil {
		return nil, err
	}
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRowsSQL, strings.TrimSpace(principal), string(kind))
	if err != nil {
		return nil, fmt.Errorf("portfolio store: list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []portfolio.Row
	for rows.Next() {
		var (
			row     portfolio.Row
			rawKind string
		)
		if err := rows.Scan(&row.ID, &rawKind, &row.Payload, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("portfolio store: scan %s: %w", kind, err)
		}
		row.Kind = portfolio.Kind(rawKind)
		row.UpdatedAt = row.UpdatedAt.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("portfolio store: list %s: %w", kind, err)
	}
	return out, nil
}

// Insert stores row under a fresh ID unless one is provided.
func (s *PortfolioStore) Insert(ctx context.Context, principal string, row portfolio.Row) (portfolio.Row, error) {
	if err := portfolio.ValidateRow(principal, row.Kind); err != nil {
		return portfolio.Row{}, err
	}
	pool, err := s.ensurePool()
	if err != nil {
		return portfolio.Row{}, err
	}
	row.ID = strings.TrimSpace(row.ID)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	err = pool.QueryRow(ctx, insertRowSQL, strings.TrimSpace(principal), row.ID, string(row.Kind), row.Payload).
		Scan(&row.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return portfolio.Row{}, fmt.Errorf("portfolio store: duplicate id %s", row.ID)
		}
		return portfolio.Row{}, fmt.Errorf("portfolio store: insert %s: %w", row.Kind, err)
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, nil
}

// Update replaces the payload of an existing row of the same kind.
func (s *PortfolioStore) Update(ctx context.Context, principal, id string, row portfolio.Row) (portfolio.Row, error) {
	if err := portfolio.ValidateRow(principal, row.Kind); err != nil {
		return portfolio.Row{}, err
	}
	pool, err := s.ensurePool()
	if err != nil {
		return portfolio.Row{}, err
	}
	row.ID = id
	err = pool.QueryRow(ctx, updateRowSQL, strings.TrimSpace(principal), id, string(row.Kind), row.Payload).
		Scan(&row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return portfolio.Row{}, portfolio.NotFound(row.Kind, id)
	}
	if err != nil {
		return portfolio.Row{}, fmt.Errorf("portfolio store: update %s: %w", row.Kind, err)
	}
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, nil
}

// Delete removes a row.
func (s *PortfolioStore) Delete(ctx context.Context, principal string, kind portfolio.Kind, id string) error {
	if err := portfolio.ValidateRow(principal, kind); err != nil {
		return err
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deleteRowSQL, strings.TrimSpace(principal), id, string(kind))
	if err != nil {
		return fmt.Errorf("portfolio store: delete %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return portfolio.NotFound(kind, id)
	}
	return nil
}

var _ portfolio.Store = (*PortfolioStore)(nil)
