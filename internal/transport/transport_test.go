package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUnknownDriver(t *testing.T) {
	r := NewRegistry()
	_, err := r.OpenOutbound(context.Background(), Options{Driver: "carrier-pigeon"}, Endpoint{Address: "x"})
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = r.OpenInbound(context.Background(), Options{Driver: "carrier-pigeon"}, Endpoint{Address: "x"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Register("b", Driver{})
	r.Register("a", Driver{})
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))

	_, err := r.OpenOutbound(context.Background(), Options{Driver: "a"}, Endpoint{})
	assert.ErrorIs(t, err, ErrUnknownDriver, "driver without outbound side")
}

func TestDefaultRegistryHasMemory(t *testing.T) {
	assert.True(t, DefaultRegistry.Has(MemoryDriver))
}

func openMemoryPair(t *testing.T, hwm int) (Outbound, Inbound, *Hub) {
	t.Helper()
	hub := NewHub()
	opts := Options{Driver: MemoryDriver, HighWaterMark: hwm, Hub: hub}

	out, err := OpenOutbound(context.Background(), opts, Endpoint{Address: "orders"})
	require.NoError(t, err)
	in, err := OpenInbound(context.Background(), opts, Endpoint{Address: "orders", Bind: true})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = out.Close()
		_ = in.Close()
	})
	return out, in, hub
}

func TestMemorySendReceive(t *testing.T) {
	out, in, hub := openMemoryPair(t, 10)
	ctx := context.Background()

	payload := []byte(`{"header":{"type":1}}`)
	require.NoError(t, out.Send(ctx, payload))
	payload[0] = 'X'
	assert.Equal(t, 1, hub.Len("orders"))

	ready, err := in.Poll(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ready)

	got, err := in.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"header":{"type":1}}`, string(got), "send copies the payload")
}

func TestMemoryPollTimeout(t *testing.T) {
	_, in, _ := openMemoryPair(t, 10)

	start := time.Now()
	ready, err := in.Poll(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	_, err = in.Receive(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMemoryBackpressure(t *testing.T) {
	out, _, _ := openMemoryPair(t, 2)

	require.NoError(t, out.Send(context.Background(), []byte("1")))
	require.NoError(t, out.Send(context.Background(), []byte("2")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := out.Send(ctx, []byte("3"))
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestMemoryClosed(t *testing.T) {
	out, in, _ := openMemoryPair(t, 2)

	require.NoError(t, out.Close())
	assert.ErrorIs(t, out.Send(context.Background(), []byte("x")), ErrClosed)

	require.NoError(t, in.Close())
	require.NoError(t, in.Close(), "close is idempotent")
	_, err := in.Poll(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = in.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

type scriptedFetcher struct {
	batches [][][]byte
	err     error
	closed  int
}

func (f *scriptedFetcher) Fetch(context.Context, time.Duration) ([][]byte, error) {
	if len(f.batches) == 0 {
		return nil, f.err
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *scriptedFetcher) Close() error {
	f.closed++
	return nil
}

func TestPolledInboundBuffersBatches(t *testing.T) {
	f := &scriptedFetcher{batches: [][][]byte{{[]byte("a"), []byte("b")}}}
	in := NewPolledInbound(f)
	ctx := context.Background()

	ready, err := in.Poll(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, 2, in.Buffered())

	first, err := in.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first))

	ready, err = in.Poll(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ready, "buffered message is ready without fetching")

	second, err := in.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", string(second))

	require.NoError(t, in.Close())
	require.NoError(t, in.Close())
	assert.Equal(t, 1, f.closed)
}

func TestPolledInboundWrapsFetchErrors(t *testing.T) {
	boom := errors.New("broker unavailable")
	in := NewPolledInbound(&scriptedFetcher{err: boom})

	ready, err := in.Poll(context.Background(), time.Millisecond)
	assert.False(t, ready)
	assert.ErrorIs(t, err, boom)
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	assert.Equal(t, DefaultHighWaterMark, opts.HWM())
	assert.Equal(t, 5*time.Second, opts.DialTimeoutOrDefault())
	assert.NotNil(t, opts.Log())
}
