package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/quotestream/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	portfolio *PortfolioStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:     persistence.NewStore(pool),
		portfolio: NewPortfolioStore(pool),
	}
}

// Portfolio returns the portfolio row repository.
func (s *Store) Portfolio() *PortfolioStore {
	return s.portfolio
}
