package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, steps, err := parseCommand([]string{"up"})
	require.NoError(t, err)
	require.Equal(t, "up", cmd)
	require.Zero(t, steps)

	cmd, steps, err = parseCommand([]string{"down"})
	require.NoError(t, err)
	require.Equal(t, "down", cmd)
	require.Equal(t, 1, steps)

	_, steps, err = parseCommand([]string{"down", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, steps)
}

func TestParseCommandRejects(t *testing.T) {
	for _, args := range [][]string{nil, {"sideways"}, {"down", "x"}, {"down", "0"}} {
		_, _, err := parseCommand(args)
		require.Error(t, err, "args %v", args)
	}
}

func TestRunRequiresDatabase(t *testing.T) {
	t.Setenv("QUOTESTREAM_DATABASE_DSN", "")
	err := run([]string{"up"})
	require.ErrorContains(t, err, "-database flag is required")
}
