// Package testutils contains convenience utilities for testing.
package testutils

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// SkipIfShort causes the test to be skipped when running with -short. Used
// for tests which exercise a real git binary.
func SkipIfShort(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode.")
	}
}

// MustReadFile reads the given file and fails the test on error.
func MustReadFile(t *testing.T, filename string) string {
	b, err := os.ReadFile(filename)
	require.NoError(t, err)
	return string(b)
}

// MustWriteFile writes the given content and fails the test on error.
func MustWriteFile(t *testing.T, filename, content string) {
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
}

// AssertCloses ensures the given io.Closer closes without error.
func AssertCloses(t *testing.T, c io.Closer) {
	require.NoError(t, c.Close())
}
