package database

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustPort(t *testing.T, s string) int {
	t.Helper()
	port, err := strconv.Atoi(s)
	require.NoError(t, err)
	return port
}
