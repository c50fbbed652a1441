package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/notegen/testutil"
	"github.com/BaSui01/notegen/testutil/mocks"
	"github.com/BaSui01/notegen/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChannelFactory_ReadyViaTransport(t *testing.T) {
	backend := mocks.NewMockBackend()
	f := NewChannelFactory(backend, 200*time.Millisecond, zap.NewNop(), nil)

	ch, err := f.Create(testutil.TestContext(t), "sess-1")
	require.NoError(t, err)
	defer ch.Close()

	assert.True(t, ch.Alive())
	assert.Equal(t, "sess-1", ch.SessionID())
	assert.Equal(t, int64(1), f.Creates())
}

func TestChannelFactory_ReadyViaConnectedEvent(t *testing.T) {
	backend := mocks.NewMockBackend().WithReadyMode(mocks.ReadyConnectedEvent)
	f := NewChannelFactory(backend, 200*time.Millisecond, zap.NewNop(), nil)

	ch, err := f.Create(testutil.TestContext(t), "sess-1")
	require.NoError(t, err)
	defer ch.Close()
	assert.True(t, ch.Alive())
}

func TestChannelFactory_ConnectTimeout(t *testing.T) {
	backend := mocks.NewMockBackend().WithReadyMode(mocks.ReadyNever)
	f := NewChannelFactory(backend, 30*time.Millisecond, zap.NewNop(), nil)

	start := time.Now()
	ch, err := f.Create(testutil.TestContext(t), "sess-1")

	assert.Nil(t, ch)
	testutil.AssertErrorCode(t, types.ErrConnectTimeout, err)
	assert.True(t, types.IsConnectionError(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, backend.LastStream().Closed(), "timed-out stream must be torn down")
}

func TestChannelFactory_StreamFailsBeforeReady(t *testing.T) {
	backend := mocks.NewMockBackend().WithReadyMode(mocks.ReadyFail)
	f := NewChannelFactory(backend, 200*time.Millisecond, zap.NewNop(), nil)

	ch, err := f.Create(testutil.TestContext(t), "sess-1")
	assert.Nil(t, ch)
	testutil.AssertErrorCode(t, types.ErrConnectFailed, err)
	assert.True(t, types.IsRetryable(err))
}

func TestChannelFactory_OpenError(t *testing.T) {
	backend := mocks.NewMockBackend().WithOpenError(errors.New("dial refused"))
	f := NewChannelFactory(backend, 200*time.Millisecond, zap.NewNop(), nil)

	_, err := f.Create(testutil.TestContext(t), "sess-1")
	testutil.AssertErrorCode(t, types.ErrConnectFailed, err)
	testutil.AssertContains(t, err.Error(), "dial refused")
}

func TestChannelFactory_CallerCancelled(t *testing.T) {
	backend := mocks.NewMockBackend().WithReadyMode(mocks.ReadyNever)
	f := NewChannelFactory(backend, time.Second, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := f.Create(ctx, "sess-1")
	testutil.AssertErrorCode(t, types.ErrCancelled, err)
}

func TestChannelFactory_ReplaysEarlyEvents(t *testing.T) {
	backend := mocks.NewMockBackend().WithReadyMode(mocks.ReadyNever)
	f := NewChannelFactory(backend, time.Second, zap.NewNop(), nil)

	go func() {
		testutil.WaitFor(func() bool { return backend.LastStream() != nil }, time.Second)
		s := backend.LastStream()
		s.Emit(types.Event{Type: types.EventPing})
		s.Emit(types.Event{Type: types.EventConnected})
	}()

	ch, err := f.Create(testutil.TestContext(t), "sess-1")
	require.NoError(t, err)
	defer ch.Close()

	var mu sync.Mutex
	var got []types.EventType
	_, err = ch.Subscribe(func(ev types.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})
	require.NoError(t, err)

	backend.LastStream().Emit(types.Event{Type: types.EventChunk, Chunk: "x"})
	testutil.AssertEventuallyTrue(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, typ := range got {
			if typ == types.EventChunk {
				return true
			}
		}
		return false
	}, time.Second)
}
