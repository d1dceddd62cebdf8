package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/dyluth/tailor/pkg/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister []string

func (f fakeLister) ListSessions(context.Context) ([]*blackboard.Session, error) {
	out := make([]*blackboard.Session, 0, len(f))
	for _, id := range f {
		out = append(out, &blackboard.Session{ID: id})
	}
	return out, nil
}

type failingLister struct{}

func (failingLister) ListSessions(context.Context) ([]*blackboard.Session, error) {
	return nil, errors.New("connection refused")
}

func TestResolveSessionID(t *testing.T) {
	sessions := fakeLister{
		"0f1e2d3c-aaaa-4bbb-8ccc-000000000001",
		"0f1e2d3c-aaaa-4bbb-8ccc-000000000002",
		"9a8b7c6d-1111-4222-8333-444444444444",
	}
	ctx := context.Background()

	t.Run("full UUID is returned unchanged", func(t *testing.T) {
		id, err := ResolveSessionID(ctx, failingLister{}, "11111111-2222-4333-8444-555555555555")
		require.NoError(t, err)
		assert.Equal(t, "11111111-2222-4333-8444-555555555555", id)
	})

	t.Run("unique prefix", func(t *testing.T) {
		id, err := ResolveSessionID(ctx, sessions, "9a8b7c")
		require.NoError(t, err)
		assert.Equal(t, "9a8b7c6d-1111-4222-8333-444444444444", id)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := ResolveSessionID(ctx, sessions, "9a8b")
		assert.ErrorIs(t, err, ErrShortIDTooShort)
		assert.ErrorContains(t, err, "at least 6 characters")
	})

	t.Run("no match", func(t *testing.T) {
		_, err := ResolveSessionID(ctx, sessions, "ffffff")
		var notFound *NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := ResolveSessionID(ctx, sessions, "0f1e2d3c")
		var ambiguous *AmbiguousError
		require.ErrorAs(t, err, &ambiguous)
		assert.Len(t, ambiguous.Matches, 2)
		assert.Contains(t, err.Error(), "matches 2 sessions")
	})

	t.Run("lister failure", func(t *testing.T) {
		_, err := ResolveSessionID(ctx, failingLister{}, "0f1e2d")
		assert.ErrorContains(t, err, "connection refused")
	})
}
