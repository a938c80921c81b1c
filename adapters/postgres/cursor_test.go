package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/screeem/screeem/core/es"
	"github.com/screeem/screeem/core/es/estests"
)

// Cursors and the posts projection share one pool; a projector restarted on
// it resumes after its saved cursor.
func TestCursorStore(t *testing.T) {
	pool := NewTestPool(t)
	c := NewCursorStore(pool)

	t.Run("get and set", func(t *testing.T) {
		seq, err := c.Get(t.Context(), "posts")
		require.NoError(t, err)
		require.Zero(t, seq)

		require.NoError(t, c.Set(t.Context(), "posts", 42))
		require.NoError(t, c.Set(t.Context(), "posts", 43))
		require.NoError(t, c.Set(t.Context(), "other", 7))

		seq, err = c.Get(t.Context(), "posts")
		require.NoError(t, err)
		require.Equal(t, uint64(43), seq)
	})

	t.Run("projector resumes", func(t *testing.T) {
		store := NewStore(pool)
		t.Cleanup(func() { _ = store.Close() })

		streamID := estests.NewStreamID("org")
		_, err := store.Append(t.Context(), streamID, estests.TimelineStreamType, estests.Events(3), 0, estests.Meta())
		require.NoError(t, err)

		var handled []uint64
		proj := es.NewBaseProjection("counting")
		proj.On("PostScheduled", func(_ context.Context, ev es.StoredEvent) error {
			handled = append(handled, ev.Sequence)
			return nil
		})

		p := es.NewProjector(store, proj, es.WithCursorStore(c))
		require.NoError(t, p.Start(t.Context()))
		p.Stop()
		require.Len(t, handled, 3)

		_, err = store.Append(t.Context(), streamID, estests.TimelineStreamType, estests.Events(2), 3, estests.Meta())
		require.NoError(t, err)

		p = es.NewProjector(store, proj, es.WithCursorStore(c))
		require.NoError(t, p.Start(t.Context()))
		p.Stop()
		require.Len(t, handled, 5)

		saved, err := c.Get(t.Context(), "counting")
		require.NoError(t, err)
		require.Equal(t, handled[4], saved)
	})
}
