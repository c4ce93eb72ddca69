package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"go.confighist.org/infra/go/git"
)

func TestReadyGate(t *testing.T) {
	ctx := context.Background()
	r := New("/fake/repo")
	require.Equal(t, "/fake/repo", r.Dir())
	require.False(t, r.Ready())

	err := r.Write(ctx, func(ctx context.Context, co git.Checkout) error {
		t.Fatal("must not run before MarkReady")
		return nil
	})
	require.ErrorIs(t, err, ErrNotInitialised)
	err = r.Read(ctx, func(ctx context.Context, co git.Checkout) error {
		t.Fatal("must not run before MarkReady")
		return nil
	})
	require.ErrorIs(t, err, ErrNotInitialised)

	r.MarkReady()
	ran := false
	require.NoError(t, r.Write(ctx, func(ctx context.Context, co git.Checkout) error {
		ran = true
		require.Equal(t, "/fake/repo", co.Dir())
		return nil
	}))
	require.True(t, ran)
}
