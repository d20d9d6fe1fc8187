package persist_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"flowchat/internal/persist"
	"flowchat/internal/repository"
	"flowchat/internal/store"
)

type failingKV struct {
	*repository.MemoryKV
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("quota exceeded")
	}
	return f.MemoryKV.Set(ctx, key, value)
}

func setupWriter(t *testing.T) (*store.ConversationStore, *repository.StateRepository, *persist.Writer, *failingKV) {
	t.Helper()
	kv := &failingKV{MemoryKV: repository.NewMemoryKV()}
	repo := repository.NewStateRepository(kv)
	s := store.New(store.Options{Model: "gpt-4o-mini"})
	return s, repo, persist.NewWriter(s, repo), kv
}

func TestWriter_Flush(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty conversations are not persisted", func(t *testing.T) {
		s, repo, w, _ := setupWriter(t)

		empty := s.Create()
		used := s.Create()
		s.Select(empty.ID)
		_, err := s.AppendUserMessage(used.ID, "hello")
		require.NoError(t, err)

		require.NoError(t, w.Flush(ctx))

		state, err := repo.Load(ctx)
		require.NoError(t, err)
		require.Len(t, state.Conversations, 1)
		assert.Equal(t, used.ID, state.Conversations[0].ID)
		assert.Equal(t, "hello", state.Conversations[0].Title)
		require.NotNil(t, state.ActiveID)
		assert.Equal(t, empty.ID, *state.ActiveID)
	})

	t.Run("Deleting the last conversation persists an empty list", func(t *testing.T) {
		s, repo, w, _ := setupWriter(t)
		c := s.Create()
		s.Select(c.ID)
		_, err := s.AppendUserMessage(c.ID, "hi")
		require.NoError(t, err)
		require.NoError(t, w.Flush(ctx))

		s.Delete(c.ID)
		require.NoError(t, w.Flush(ctx))

		state, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, state.Conversations)
		assert.Nil(t, state.ActiveID)
	})

	t.Run("Only dirty parts are written", func(t *testing.T) {
		s, _, w, kv := setupWriter(t)

		s.SetModel("deepseek-r1")
		require.NoError(t, w.Flush(ctx))
		assert.EqualValues(t, 1, kv.calls.Load())

		require.NoError(t, w.Flush(ctx))
		assert.EqualValues(t, 1, kv.calls.Load(), "nothing dirty, nothing written")

		w.MarkAll()
		require.NoError(t, w.Flush(ctx))
		assert.EqualValues(t, 4, kv.calls.Load())
	})

	t.Run("Failures are returned and do not affect the store", func(t *testing.T) {
		s, _, w, kv := setupWriter(t)
		kv.fail.Store(true)
		c := s.Create()
		_, err := s.AppendUserMessage(c.ID, "hi")
		require.NoError(t, err)

		err = w.Flush(ctx)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota exceeded")
		got, err := s.Get(c.ID)
		require.NoError(t, err)
		assert.Len(t, got.Messages, 1)
	})
}

func TestWriter_Run(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, repo, w, _ := setupWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	s.SetModel("deepseek-v3")

	require.Eventually(t, func() bool {
		state, err := repo.Load(context.Background())
		return err == nil && state.Model == "deepseek-v3"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
