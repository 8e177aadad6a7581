package uart

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// fakePort replays chunks; a nil chunk is a read timeout.
type fakePort struct {
	chunks  [][]byte
	eof     bool // report timeouts as io.EOF like posix ports
	flushed bool
	closed  bool
}

func (p *fakePort) Read(buf []byte) (int, error) {
	if len(p.chunks) == 0 {
		return p.timeout()
	}
	c := p.chunks[0]
	if c == nil {
		p.chunks = p.chunks[1:]
		return p.timeout()
	}
	n := copy(buf, c)
	if n == len(c) {
		p.chunks = p.chunks[1:]
	} else {
		p.chunks[0] = c[n:]
	}
	return n, nil
}

func (p *fakePort) timeout() (int, error) {
	if p.eof {
		return 0, io.EOF
	}
	return 0, nil
}

func (p *fakePort) Write(buf []byte) (int, error) { return len(buf), nil }

func (p *fakePort) Flush() error {
	p.flushed = true
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func newTestConnector(p *fakePort, cfg Config) *Connector {
	logger, _ := test.NewNullLogger()
	c := NewConnector(cfg, logger)
	c.open = func(Config) (port, error) { return p, nil }
	return c
}

var testConfig = Config{
	Name:        "/dev/ttyTEST",
	ReadTimeout: 100 * time.Millisecond,
	IdleTimeout: 300 * time.Millisecond,
	WaitTimeout: time.Second,
}

func TestStreamEndsWhenSenderStops(t *testing.T) {
	for _, eof := range []bool{false, true} {
		require := require.New(t)

		p := &fakePort{
			eof:    eof,
			chunks: [][]byte{nil, nil, []byte("hello "), nil, nil, []byte("world"), nil, nil, nil, []byte("late")},
		}
		conn, err := newTestConnector(p, testConfig).Connect(context.Background())
		require.NoError(err)
		require.True(p.flushed)

		data, err := io.ReadAll(conn)
		require.NoError(err)
		require.Equal("hello world", string(data))

		require.NoError(conn.Close())
		require.True(p.closed)
	}
}

func TestStreamWaitTimeout(t *testing.T) {
	conn, err := newTestConnector(&fakePort{}, testConfig).Connect(context.Background())
	require.NoError(t, err)

	n, err := conn.Read(make([]byte, 16))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamCancelled(t *testing.T) {
	cfg := testConfig
	cfg.WaitTimeout = 0

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := newTestConnector(&fakePort{chunks: [][]byte{[]byte("abc")}}, cfg).Connect(ctx)
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	cancel()
	_, err = conn.Read(buf)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConnectFailure(t *testing.T) {
	c := NewConnector(testConfig, nil)
	c.open = func(Config) (port, error) { return nil, errors.New("no such file") }

	_, err := c.Connect(context.Background())
	require.Error(t, err)

	_, err = NewDevice(Config{})
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	var opened Config
	c := NewConnector(Config{Name: "/dev/ttyTEST"}, nil)
	c.open = func(cfg Config) (port, error) {
		opened = cfg
		return &fakePort{}, nil
	}

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 115200, opened.Baud)
	require.Equal(t, DefaultConfig().ReadTimeout, opened.ReadTimeout)
	require.Equal(t, DefaultConfig().IdleTimeout, opened.IdleTimeout)
}
