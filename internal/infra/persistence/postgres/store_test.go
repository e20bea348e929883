package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/quotestream/internal/domain/portfolio"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	require.NotNil(t, store)
	require.Nil(t, store.Pool())
	require.NotNil(t, store.Portfolio())
}

func TestPortfolioStoreNilPool(t *testing.T) {
	store := NewPortfolioStore(nil)
	_, err := store.List(context.Background(), "alice", portfolio.KindPosition)
	require.ErrorContains(t, err, "nil pool")
}

func TestPortfolioStoreValidatesBeforeQuerying(t *testing.T) {
	store := NewPortfolioStore(nil)
	_, err := store.Insert(context.Background(), "", portfolio.Row{Kind: portfolio.KindPosition})
	require.Error(t, err)
	require.NotContains(t, err.Error(), "nil pool")

	err = store.Delete(context.Background(), "alice", portfolio.Kind("bond"), "id")
	require.Error(t, err)
	require.NotContains(t, err.Error(), "nil pool")
}
