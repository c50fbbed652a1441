package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/notegen/config"
	"github.com/BaSui01/notegen/testutil"
	"github.com/BaSui01/notegen/testutil/mocks"
	"github.com/BaSui01/notegen/transport"
	"github.com/BaSui01/notegen/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordinatorFixture struct {
	backend     *mocks.MockBackend
	pool        *Pool
	releaser    *countingReleaser
	coordinator *Coordinator
	session     *Session
}

func newCoordinatorFixture(t *testing.T, cfg config.SessionConfig, backend *mocks.MockBackend) *coordinatorFixture {
	t.Helper()
	p, _, _ := newTestPool(t, cfg, backend)
	releaser := &countingReleaser{inner: p}
	return &coordinatorFixture{
		backend:     backend,
		pool:        p,
		releaser:    releaser,
		coordinator: NewCoordinator(cfg, backend, releaser, nil, testutil.TestLogger(t), nil),
		session:     mustAcquire(t, p),
	}
}

// sinkRecorder 记录 sink 调用
type sinkRecorder struct {
	mu     sync.Mutex
	deltas []string
	full   []string
}

func (r *sinkRecorder) sink(delta, full string) {
	r.mu.Lock()
	r.deltas = append(r.deltas, delta)
	r.full = append(r.full, full)
	r.mu.Unlock()
}

func (r *sinkRecorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas)
}

func (r *sinkRecorder) Deltas() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deltas...)
}

func TestCoordinator_ThreeChunksThenEnd(t *testing.T) {
	backend := mocks.NewMockBackend().WithChunks(5*time.Millisecond, "Hel", "lo, ", "world")
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)
	rec := &sinkRecorder{}

	req := NewGenerationRequest("note-1", "greet")
	res, err := fx.coordinator.Run(testutil.TestContext(t), req, fx.session, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "Hello, world", res.Text)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, req.ID, res.RequestID)
	assert.Equal(t, fx.session.ID, res.SessionID)
	assert.Equal(t, []string{"Hel", "lo, ", "world"}, rec.Deltas())
	assert.Equal(t, "Hello, world", rec.full[len(rec.full)-1])

	assert.Equal(t, int32(1), fx.releaser.calls.Load())
	assert.Equal(t, []bool{true}, fx.releaser.Outcomes())
	assert.Equal(t, 0, fx.session.Channel.ListenerCount())

	starts := backend.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "greet", starts[0].Prompt)
	assert.Equal(t, "note-1", starts[0].NoteID)
	assert.Equal(t, fx.session.ID, starts[0].SessionID)

	snap := fx.pool.Snapshot()
	assert.True(t, snap.HasSession)
	assert.False(t, snap.InUse)
}

func TestCoordinator_BackendErrorEvent(t *testing.T) {
	backend := mocks.NewMockBackend().WithScript(func(ctx context.Context, req transport.StartRequest, s *mocks.MockStream) {
		s.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: "par"})
		s.Emit(types.Event{Type: types.EventError, RequestID: req.RequestID, Message: "model overloaded"})
	})
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	res, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrBackendError, err)
	testutil.AssertContains(t, err.Error(), "model overloaded")
	assert.Equal(t, "par", res.Text)

	assert.Equal(t, []bool{false}, fx.releaser.Outcomes())
	assert.False(t, fx.pool.Snapshot().HasSession, "failed session is closed by default")
}

func TestCoordinator_TransportFailure(t *testing.T) {
	backend := mocks.NewMockBackend().WithScript(func(ctx context.Context, req transport.StartRequest, s *mocks.MockStream) {
		s.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: "x"})
		time.Sleep(10 * time.Millisecond)
		s.Fail(errors.New("connection reset"))
	})
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	_, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrConnectFailed, err)
	assert.Equal(t, int32(1), fx.releaser.calls.Load())
}

func TestCoordinator_WatchdogReturnsPartialText(t *testing.T) {
	backend := mocks.NewMockBackend().WithScript(func(ctx context.Context, req transport.StartRequest, s *mocks.MockStream) {
		s.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: "ab"})
		s.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: "c"})
		<-ctx.Done()
	})
	cfg := testSessionConfig()
	cfg.GenerationTimeout = 60 * time.Millisecond
	fx := newCoordinatorFixture(t, cfg, backend)

	res, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, "abc", res.Text)
	assert.Equal(t, []bool{false}, fx.releaser.Outcomes())

	testutil.AssertEventuallyTrue(t, func() bool { return len(backend.Cancels()) == 1 }, time.Second)
}

func TestCoordinator_WatchdogWithoutTextFails(t *testing.T) {
	backend := mocks.NewMockBackend()
	cfg := testSessionConfig()
	cfg.GenerationTimeout = 40 * time.Millisecond
	fx := newCoordinatorFixture(t, cfg, backend)

	_, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrGenerationTimeout, err)
	assert.Equal(t, int32(1), fx.releaser.calls.Load())
}

func TestCoordinator_WatchdogPartialDisabled(t *testing.T) {
	backend := mocks.NewMockBackend().WithScript(func(ctx context.Context, req transport.StartRequest, s *mocks.MockStream) {
		s.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: "abc"})
		<-ctx.Done()
	})
	cfg := testSessionConfig()
	cfg.GenerationTimeout = 40 * time.Millisecond
	cfg.PartialOnTimeout = false
	fx := newCoordinatorFixture(t, cfg, backend)

	res, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrGenerationTimeout, err)
	assert.Equal(t, "abc", res.Text)
}

func TestCoordinator_CancelBeforeFirstChunk(t *testing.T) {
	backend := mocks.NewMockBackend().WithChunks(150*time.Millisecond, "late")
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)
	rec := &sinkRecorder{}

	req := NewGenerationRequest("n", "p")
	time.AfterFunc(50*time.Millisecond, func() { req.Token.Cancel() })

	res, err := fx.coordinator.Run(testutil.TestContext(t), req, fx.session, rec.sink)
	require.NoError(t, err, "cancellation resolves instead of rejecting")
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Empty(t, res.Text)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, rec.Calls(), "no sink calls after cancellation")
	assert.Equal(t, []bool{false}, fx.releaser.Outcomes())

	cancels := backend.Cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, req.ID, cancels[0].RequestID)
}

func TestCoordinator_LateChunkAfterCancelIsDiscarded(t *testing.T) {
	cfg := testSessionConfig()
	cfg.CloseOnFailure = false
	backend := mocks.NewMockBackend()
	fx := newCoordinatorFixture(t, cfg, backend)
	stream := backend.Stream(fx.session.ID)
	rec := &sinkRecorder{}

	req := NewGenerationRequest("n", "p")
	// sink 内触发取消，随后的 chunk 已在路上
	sink := func(delta, full string) {
		rec.sink(delta, full)
		req.Token.Cancel()
	}

	backend.WithScript(func(ctx context.Context, sr transport.StartRequest, s *mocks.MockStream) {
		s.Emit(types.Event{Type: types.EventChunk, RequestID: sr.RequestID, Chunk: "a"})
		s.Emit(types.Event{Type: types.EventChunk, RequestID: sr.RequestID, Chunk: "b"})
		s.Emit(types.Event{Type: types.EventEnd, RequestID: sr.RequestID, FullText: "ab"})
	})
	require.NotNil(t, stream)

	res, err := fx.coordinator.Run(testutil.TestContext(t), req, fx.session, sink)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, "a", res.Text, "accumulated text excludes chunks seen after cancellation")
	assert.Equal(t, []string{"a"}, rec.Deltas())
}

func TestCoordinator_CancelIsIdempotent(t *testing.T) {
	backend := mocks.NewMockBackend().WithChunks(time.Millisecond, "x")
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	req := NewGenerationRequest("n", "p")
	res, err := fx.coordinator.Run(testutil.TestContext(t), req, fx.session, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	assert.NotPanics(t, func() {
		req.Token.Cancel()
		req.Token.Cancel()
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), fx.releaser.calls.Load())
	assert.Empty(t, backend.Cancels(), "cancel after completion has no side effects")
}

func TestCoordinator_CancelRacingCompletionDoesNotNotifyBackend(t *testing.T) {
	for i := 0; i < 20; i++ {
		backend := mocks.NewMockBackend().WithChunks(time.Millisecond, "x")
		fx := newCoordinatorFixture(t, testSessionConfig(), backend)

		// 取消落在会话已归还、结果尚未交付的窗口内
		req := NewGenerationRequest("n", "p")
		fx.releaser.afterRelease = func() { req.Token.Cancel() }

		res, err := fx.coordinator.Run(testutil.TestContext(t), req, fx.session, nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, res.Outcome)
		assert.Equal(t, []bool{true}, fx.releaser.Outcomes())

		time.Sleep(10 * time.Millisecond)
		assert.Empty(t, backend.Cancels(), "iteration %d", i)
	}
}

func TestCoordinator_WatchdogAfterSettleDoesNotNotifyBackend(t *testing.T) {
	backend := mocks.NewMockBackend().WithChunks(time.Millisecond, "x")
	cfg := testSessionConfig()
	cfg.GenerationTimeout = 30 * time.Millisecond
	fx := newCoordinatorFixture(t, cfg, backend)

	// 归还耗时超过看门狗，看门狗在 run 已结束后触发
	fx.releaser.afterRelease = func() { time.Sleep(80 * time.Millisecond) }

	res, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, backend.Cancels())
	assert.Equal(t, int32(1), fx.releaser.calls.Load())
}

func TestCoordinator_ContextCancelActsAsCancel(t *testing.T) {
	backend := mocks.NewMockBackend().WithChunks(200*time.Millisecond, "x")
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req := NewGenerationRequest("n", "p")

	res, err := fx.coordinator.Run(ctx, req, fx.session, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.True(t, req.Token.Cancelled())
}

func TestCoordinator_DispatchTimeout(t *testing.T) {
	backend := mocks.NewMockBackend().WithStartDelay(time.Second)
	cfg := testSessionConfig()
	cfg.DispatchTimeout = 30 * time.Millisecond
	fx := newCoordinatorFixture(t, cfg, backend)

	_, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrDispatchTimeout, err)
	assert.Equal(t, int32(1), fx.releaser.calls.Load())
}

func TestCoordinator_DispatchRejected(t *testing.T) {
	backend := mocks.NewMockBackend().WithStartError(types.NewError(types.ErrBackendError, "quota exceeded"))
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	_, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrBackendError, err)
}

func TestCoordinator_IgnoresOtherRequestEvents(t *testing.T) {
	backend := mocks.NewMockBackend().WithScript(func(ctx context.Context, req transport.StartRequest, s *mocks.MockStream) {
		s.Emit(types.Event{Type: types.EventChunk, RequestID: "previous", Chunk: "stale"})
		s.Emit(types.Event{Type: types.EventEnd, RequestID: "previous"})
		s.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: "fresh"})
		s.Emit(types.Event{Type: types.EventEnd, RequestID: req.RequestID})
	})
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	res, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.Text)
}

func TestCoordinator_ListenerAlreadyAttached(t *testing.T) {
	backend := mocks.NewMockBackend()
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	_, err := fx.session.Channel.Subscribe(func(types.Event) {})
	require.NoError(t, err)

	_, err = fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrListenerAttached, err)
	assert.Equal(t, int32(1), fx.releaser.calls.Load())
}

func TestCoordinator_ChannelClosedDuringRun(t *testing.T) {
	backend := mocks.NewMockBackend()
	fx := newCoordinatorFixture(t, testSessionConfig(), backend)

	time.AfterFunc(30*time.Millisecond, func() { fx.pool.Close(true) })

	_, err := fx.coordinator.Run(testutil.TestContext(t), NewGenerationRequest("n", "p"), fx.session, nil)
	testutil.AssertErrorCode(t, types.ErrConnectFailed, err)
	assert.Equal(t, int32(1), fx.releaser.calls.Load())
}

// =============================================================================
// 性质测试
// =============================================================================

// terminalPath 是一次生成的结束方式
type terminalPath int

const (
	pathEnd terminalPath = iota
	pathBackendError
	pathTransport
	pathWatchdog
	pathCancel
	pathDispatchError
)

// TestCoordinator_ReleaseExactlyOnce 对每种结束路径（以及与取消的竞争）
// 检查会话恰好归还一次、监听器被摘除、取消后没有 sink 调用。
func TestCoordinator_ReleaseExactlyOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)
	properties.Property("release is exhaustive and single", prop.ForAll(
		func(path int, chunks int, cancelRace bool) bool {
			cfg := testSessionConfig()
			cfg.GenerationTimeout = 80 * time.Millisecond
			cfg.CloseOnFailure = false

			p := terminalPath(path)
			backend := mocks.NewMockBackend().WithScript(func(ctx context.Context, req transport.StartRequest, s *mocks.MockStream) {
				for i := 0; i < chunks; i++ {
					s.Emit(types.Event{Type: types.EventChunk, RequestID: req.RequestID, Chunk: "x"})
				}
				switch p {
				case pathEnd:
					s.Emit(types.Event{Type: types.EventEnd, RequestID: req.RequestID})
				case pathBackendError:
					s.Emit(types.Event{Type: types.EventError, RequestID: req.RequestID, Message: "boom"})
				case pathTransport:
					s.Fail(errors.New("reset"))
				default:
					<-ctx.Done()
				}
			})
			if p == pathDispatchError {
				backend.WithStartError(errors.New("rejected"))
			}

			fx := newCoordinatorFixture(t, cfg, backend)
			req := NewGenerationRequest("n", "p")
			if p == pathCancel || cancelRace {
				time.AfterFunc(time.Millisecond, func() { req.Token.Cancel() })
			}

			var sinkCalls atomic.Int32
			sink := func(string, string) { sinkCalls.Add(1) }

			_, _ = fx.coordinator.Run(testutil.TestContext(t), req, fx.session, sink)
			settledCalls := sinkCalls.Load()
			time.Sleep(5 * time.Millisecond)

			return fx.releaser.calls.Load() == 1 &&
				fx.session.Channel.ListenerCount() == 0 &&
				sinkCalls.Load() == settledCalls
		},
		gen.IntRange(int(pathEnd), int(pathDispatchError)),
		gen.IntRange(0, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
