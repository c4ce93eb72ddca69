package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIn(t *testing.T) {
	a := []string{"hours", "days", "weeks"}
	require.True(t, In("days", a))
	require.False(t, In("months", a))
	require.False(t, In("days", nil))
}

func TestTrunc(t *testing.T) {
	require.Equal(t, "short", Trunc("short", 10))
	require.Equal(t, "exact", Trunc("exact", 5))
	require.Equal(t, "abc...", Trunc("abcdef", 3))
	require.Equal(t, "", Trunc("", 3))
}
