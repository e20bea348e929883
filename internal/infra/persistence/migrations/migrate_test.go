package migrations

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	dbmigrations "github.com/coachpo/quotestream/db/migrations"
)

func TestResolveDirSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "migrations")
	require.NoError(t, os.MkdirAll(path, 0o755))

	resolved, err := resolveDir(path)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(resolved), resolved)
}

func TestResolveDirMissing(t *testing.T) {
	_, err := resolveDir(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestResolveDirFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	_, err := resolveDir(path)
	require.ErrorIs(t, err, errNotDirectory)
}

func TestResolveSourceEmbedded(t *testing.T) {
	src, err := resolveSource(Embedded)
	require.NoError(t, err)
	require.Empty(t, src.dir)
	require.Equal(t, "embedded", src.label)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	require.NoError(t, err)
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	require.Equal(t, ups, downs)
	require.True(t, ups["0001_portfolio_rows"])
}

func TestFileURLUnixAndWindows(t *testing.T) {
	for _, path := range []string{"/tmp/migrations", "/Users/example/project/db/migrations", "C:/tmp/migrations"} {
		got := fileURL(path)
		require.True(t, strings.HasPrefix(got, "file://"), got)
		require.Greater(t, len(got), len("file://"))
	}
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	err := Apply(context.Background(), "postgresql://invalid", "does-not-exist", nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRollbackValidatesBeforeConnecting(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", "still-missing", 1, nil)
	require.ErrorIs(t, err, fs.ErrNotExist)

	err = Rollback(context.Background(), "postgresql://invalid", Embedded, 0, nil)
	require.ErrorIs(t, err, errSteps)
}
