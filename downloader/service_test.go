package downloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errNotConnected = errors.New("not connected")

// fakeConnector hands out the queued streams, one per connection.
type fakeConnector struct {
	streams chan []byte
	closed  chan struct{}
}

func newFakeConnector(streams ...[]byte) *fakeConnector {
	c := &fakeConnector{
		streams: make(chan []byte, len(streams)),
		closed:  make(chan struct{}, len(streams)),
	}
	for _, s := range streams {
		c.streams <- s
	}
	return c
}

func (c *fakeConnector) Connect(context.Context) (io.ReadCloser, error) {
	select {
	case s := <-c.streams:
		return &fakeConn{Reader: bytes.NewReader(s), closed: c.closed}, nil
	default:
		return nil, errNotConnected
	}
}

type fakeConn struct {
	*bytes.Reader
	closed chan struct{}
}

func (c *fakeConn) Close() error {
	c.closed <- struct{}{}
	return nil
}

type received struct {
	result  Result
	err     error
	version uint64
}

func TestService(t *testing.T) {
	require := require.New(t)

	results := make(chan received, 4)
	var f *fixture
	// the handler runs on the service goroutine, between two receptions
	f = newFixture(t,
		WithPollInterval(10*time.Millisecond),
		WithResultHandler(func(r Result, err error) {
			var version uint64
			if app, ok := f.slots.Application(r.Slot); ok {
				version = app.FirmwareVersion()
			}
			results <- received{r, err, version}
		}))
	require.NoError(f.mem.Load(flashStart, image(t, 3, 2000, 1)))

	conn := newFakeConnector(image(t, 4, 1000, 1), image(t, 7, 1500, 2))
	s := NewService(f.downloader, conn)

	require.NoError(s.Start(context.Background()))
	require.ErrorIs(s.Start(context.Background()), ErrRunning)

	for _, version := range []uint64{4, 7} {
		select {
		case r := <-results:
			require.NoError(r.err)
			require.NoError(r.result.CompareErr)
			require.True(r.result.Comparison.VersionDiffers)
			require.Equal(version, r.version)
		case <-time.After(5 * time.Second):
			require.FailNow("no reception")
		}
	}

	s.Stop()
	s.Stop()
	require.Len(conn.closed, 2)

	slot, found := f.slots.HasValidNewerApplication(f.active)
	require.True(found)
	require.Equal(0, slot)
}

func TestServiceStopsWithContext(t *testing.T) {
	f := newFixture(t, WithPollInterval(time.Hour))
	s := NewService(f.downloader, newFakeConnector())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "service still running")
	}
}

func TestServiceRestart(t *testing.T) {
	f := newFixture(t, WithPollInterval(time.Millisecond))
	s := NewService(f.downloader, ConnectorFunc(func(context.Context) (io.ReadCloser, error) {
		return nil, errNotConnected
	}))

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestServiceRestartAfterContextCancelled(t *testing.T) {
	f := newFixture(t, WithPollInterval(time.Millisecond))
	s := NewService(f.downloader, ConnectorFunc(func(context.Context) (io.ReadCloser, error) {
		return nil, errNotConnected
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()
	s.Wait()

	require.NoError(t, s.Start(context.Background()))
	require.ErrorIs(t, s.Start(context.Background()), ErrRunning)
	s.Stop()
}
