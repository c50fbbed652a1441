package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/session"
	"github.com/BaSui01/notegen/testutil"
	"github.com/BaSui01/notegen/testutil/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.JournalConfig{
		Enabled:  true,
		Database: config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"},
	}
	store, err := Open(cfg, testutil.TestLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, noteID, outcome string, startedAt time.Time) session.GenerationRecord {
	return session.GenerationRecord{
		RequestID: id,
		SessionID: "s-1",
		NoteID:    noteID,
		Outcome:   outcome,
		Chars:     12,
		Chunks:    3,
		Duration:  1500 * time.Millisecond,
		StartedAt: startedAt,
	}
}

func TestStore_RecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordGeneration(ctx, record("r1", "note-a", "completed", base)))
	require.NoError(t, store.RecordGeneration(ctx, record("r2", "note-a", "cancelled", base.Add(time.Minute))))
	require.NoError(t, store.RecordGeneration(ctx, record("r3", "note-b", "partial", base.Add(2*time.Minute))))

	rows, err := store.Recent(ctx, "note-a", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "r2", rows[0].RequestID)
	assert.Equal(t, "r1", rows[1].RequestID)
	assert.Equal(t, int64(1500), rows[1].DurationMS)
	assert.Equal(t, 12, rows[1].Chars)
	assert.True(t, rows[1].StartedAt.Equal(base))
}

func TestStore_DuplicateRequestIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.RecordGeneration(ctx, record("dup", "n", "completed", now)))
	require.NoError(t, store.RecordGeneration(ctx, record("dup", "n", "error", now)))

	rows, err := store.Recent(ctx, "n", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", rows[0].Outcome)
}

func TestStore_OutcomeCountsAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordGeneration(ctx, record("old", "n", "completed", base.Add(-48*time.Hour))))
	require.NoError(t, store.RecordGeneration(ctx, record("a", "n", "completed", base)))
	require.NoError(t, store.RecordGeneration(ctx, record("b", "n", "completed", base.Add(time.Hour))))
	rec := record("c", "n", "error", base.Add(2*time.Hour))
	rec.ErrorCode = "CONNECT_TIMEOUT"
	require.NoError(t, store.RecordGeneration(ctx, rec))

	counts, err := store.OutcomeCounts(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"completed": 2, "error": 1}, counts)

	n, err := store.Prune(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := store.Recent(ctx, "n", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.Equal(t, "CONNECT_TIMEOUT", rows[0].ErrorCode)
}

func TestStore_ClosedReturnsError(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	assert.Error(t, store.RecordGeneration(context.Background(), record("x", "n", "completed", time.Now())))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.JournalConfig{Database: config.DatabaseConfig{Driver: "oracle"}}, nil, nil)
	assert.Error(t, err)
}

func TestNewStore_NilPool(t *testing.T) {
	_, err := NewStore(nil, nil)
	assert.Error(t, err)
}

// Manager 在生成结束后把记录写入 journal
func TestStore_WiredIntoManager(t *testing.T) {
	store := newTestStore(t)
	backend := mocks.NewMockBackend().WithChunks(time.Millisecond, "he", "llo")

	cfg := config.DefaultSessionConfig()
	cfg.CloseDelay = 50 * time.Millisecond
	m := session.NewManager(cfg, backend,
		session.WithLogger(testutil.TestLogger(t)),
		session.WithJournal(store),
	)

	var wg sync.WaitGroup
	for _, note := range []string{"n1", "n2"} {
		wg.Add(1)
		go func(note string) {
			defer wg.Done()
			res, err := m.Generate(testutil.TestContext(t), note, "prompt", nil)
			assert.NoError(t, err)
			assert.Equal(t, "hello", res.Text)
		}(note)
	}
	wg.Wait()
	// Close 会等待后台写入完成
	m.Close()

	for _, note := range []string{"n1", "n2"} {
		rows, err := store.Recent(context.Background(), note, 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "completed", rows[0].Outcome)
		assert.Equal(t, 5, rows[0].Chars)
		assert.Equal(t, 2, rows[0].Chunks)
	}
}
