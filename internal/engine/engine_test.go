//go:build linux || darwin

package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/goofy/internal/endpoint"
	"github.com/joeycumines/goofy/internal/logging"
	"github.com/joeycumines/goofy/internal/poller"
	"github.com/joeycumines/goofy/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func endpointFor(t *testing.T, port int, path string) endpoint.Endpoint {
	t.Helper()
	u, err := endpoint.Parse(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	require.NoError(t, err)
	return endpoint.Endpoint{URL: u, Addr: [4]byte{127, 0, 0, 1}, Port: port}
}

func portOf(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// serve answers every connection with response, once its request headers
// have been read, then closes it. Request lines are sent on the returned
// channel.
func serve(t *testing.T, ln net.Listener, response string) <-chan string {
	t.Helper()
	requests := make(chan string, 1024)
	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				r := bufio.NewReader(conn)
				var lines []string
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						break
					}
					lines = append(lines, strings.TrimRight(line, "\r\n"))
				}
				requests <- strings.Join(lines, "\n")
				_, _ = conn.Write([]byte(response))
			}()
		}
	}()
	return requests
}

// hold accepts connections and keeps them open until the test ends.
func hold(t *testing.T, ln net.Listener) {
	t.Helper()
	var (
		mu    sync.Mutex
		conns []net.Conn
		done  = make(chan struct{})
	)
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
}

func newEngine(t *testing.T, endpoints []endpoint.Endpoint, capacity int, opts ...Option) *Engine {
	t.Helper()
	e, err := New(endpoints, capacity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_Run_respondingServer(t *testing.T) {
	ln := listen(t)
	requests := serve(t, ln, "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n")

	var out bytes.Buffer
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/ping")}, 64,
		WithWaves(3, time.Hour, 1),
		WithRunDuration(time.Second),
		WithOutput(&out),
	)
	require.NoError(t, e.Run(context.Background()))

	totals := e.Totals()
	assert.Equal(t, 3, totals.Opened)
	assert.Equal(t, 3, totals.Connected)
	assert.Equal(t, 3, totals.Closed)
	assert.Equal(t, 3, totals.HTTP.Count(200))
	assert.Zero(t, totals.ErrorTotal())

	pending, established := e.slots.counts()
	assert.Equal(t, totals.Opened, totals.Connected+pending)
	assert.Zero(t, established)

	assert.True(t, strings.HasPrefix(out.String(),
		"     | delta      | | total | | results                   |\n"+
			"secs  new estb clos pend estb errs  200  500  503  504  xxx\n"+
			"---- ---- ---- ---- ---- ---- ---- ---- ---- ---- ---- ----\n"+
			"   0    3    0    0    3    0    0    0    0    0    0    0\n",
	), out.String())

	for range 3 {
		select {
		case req := <-requests:
			assert.Equal(t, "GET /ping HTTP/1.0\nHost: 127.0.0.1\nUser-Agent: Goofy 0.0", req)
		case <-time.After(time.Second):
			t.Fatal("expected request")
		}
	}
}

func TestEngine_Run_connectionRefused(t *testing.T) {
	ln := listen(t)
	port := portOf(ln)
	require.NoError(t, ln.Close())

	var out bytes.Buffer
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, port, "/")}, 16,
		WithWaves(1, time.Hour, 1),
		WithRunDuration(300*time.Millisecond),
		WithOutput(&out),
	)
	require.NoError(t, e.Run(context.Background()))

	totals := e.Totals()
	assert.Equal(t, 1, totals.Errors[stats.OriginConnect].Count(int(unix.ECONNREFUSED)))
	assert.Equal(t, 1, totals.ErrorTotal())
	assert.Zero(t, totals.Connected)
	// loopback may refuse synchronously, in which case nothing was opened
	assert.Equal(t, totals.Opened, totals.Closed)
	assert.Contains(t, out.String(), "\tconnect: "+stats.ErrnoName(int(unix.ECONNREFUSED))+":1 \n")
}

func TestEngine_Run_deadlineBeforeNextWave(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	var logs bytes.Buffer
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 16,
		WithWaves(2, 10*time.Second, UnlimitedWaves),
		WithRunDuration(2*time.Second),
		WithOutput(&bytes.Buffer{}),
		WithLogger(logging.New(&logs, 1)),
	)
	start := time.Now()
	require.NoError(t, e.Run(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, 2, e.Totals().Opened, "exactly one wave")
	assert.Contains(t, logs.String(), `"interval":"run/2s"`)
	assert.Contains(t, logs.String(), `"msg":"run duration reached"`)
}

func TestEngine_Run_waveLimitBoundsAttempts(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 64,
		WithWaves(2, 20*time.Millisecond, 3),
		WithReportInterval(time.Hour),
		WithRunDuration(400*time.Millisecond),
		WithOutput(&bytes.Buffer{}),
	)
	require.NoError(t, e.Run(context.Background()))

	totals := e.Totals()
	assert.Equal(t, 6, totals.Opened)
	assert.Equal(t, int64(6), e.requests)
	pending, established := e.slots.counts()
	assert.Equal(t, 6, pending+established)
}

func TestEngine_Run_zeroWaves(t *testing.T) {
	var out bytes.Buffer
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, 9, "/")}, 4,
		WithWaves(1, time.Hour, 0),
		WithRunDuration(50*time.Millisecond),
		WithOutput(&out),
	)
	require.NoError(t, e.Run(context.Background()))
	assert.Zero(t, e.Totals().Opened)
	// the initial interval is empty, and still reported
	assert.Contains(t, out.String(), "   0    0    0    0    0    0    0    0    0    0    0    0\n")
}

func TestEngine_Run_cancel(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 16,
		WithWaves(1, time.Hour, UnlimitedWaves),
		WithOutput(&bytes.Buffer{}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	require.NoError(t, e.Run(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.ErrorIs(t, e.Run(context.Background()), ErrRunning)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Run(context.Background()), ErrClosed)
}

func TestEngine_roundRobinAcrossWaves(t *testing.T) {
	ln := listen(t)
	hold(t, ln)
	port := portOf(ln)

	e := newEngine(t, []endpoint.Endpoint{
		endpointFor(t, port, "/a"),
		endpointFor(t, port, "/b"),
		endpointFor(t, port, "/c"),
	}, 16, WithWaves(2, time.Hour, UnlimitedWaves))

	require.NoError(t, e.tickWave(timeNow()))
	require.NoError(t, e.tickWave(timeNow()))

	for i, want := range []int{0, 1, 2, 0} {
		s := &e.slots.slots[i]
		assert.Equal(t, want, s.endpoint, "slot %d", i)
		assert.Equal(t, int64(i+1), s.requestNumber)
		assert.Equal(t, StateConnecting, s.state)
	}
	assert.Equal(t, 1, e.cursor)
	assert.Equal(t, 4, e.stats.Opened)
}

func TestEngine_slotsExhausted(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 2,
		WithWaves(3, time.Hour, 1),
		WithOutput(&bytes.Buffer{}),
	)
	err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrSlotsExhausted)
	assert.Equal(t, 2, e.stats.Opened)
}

// connectOne opens a single connection and drives it until it leaves the
// connecting state.
func connectOne(t *testing.T, e *Engine) *slot {
	t.Helper()
	require.NoError(t, e.tickWave(timeNow()))
	s := &e.slots.slots[0]
	require.Equal(t, StateConnecting, s.state)
	for range 100 {
		require.NoError(t, e.poll())
		require.NoError(t, e.dispatch())
		if s.state != StateConnecting {
			return s
		}
	}
	t.Fatal("connect did not complete")
	return nil
}

func TestEngine_slowConnectDiagnostic(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	base := time.Now()
	oldNow := timeNow
	t.Cleanup(func() { timeNow = oldNow })
	timeNow = func() time.Time { return base }

	var out bytes.Buffer
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 4,
		WithWaves(1, time.Hour, UnlimitedWaves),
		WithOutput(&out),
	)
	require.NoError(t, e.tickWave(timeNow()))

	timeNow = func() time.Time { return base.Add(1500 * time.Millisecond) }
	s := &e.slots.slots[0]
	for range 100 {
		require.NoError(t, e.poll())
		require.NoError(t, e.dispatch())
		if s.state != StateConnecting {
			break
		}
	}
	require.Equal(t, StateEstablished, s.state)
	assert.Equal(t, "1 connect time: 1500000\n", out.String())
	assert.Equal(t, 1, e.stats.Latency.Count())
	assert.Equal(t, 1500*time.Millisecond, e.stats.Latency.Max())
}

func TestEngine_closeClearsLatchedEvents(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	closed := stubCloseFD(t, unix.Close)
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 4,
		WithWaves(1, time.Hour, UnlimitedWaves),
		WithOutput(&bytes.Buffer{}),
	)
	s := connectOne(t, e)
	require.Equal(t, StateEstablished, s.state)
	fd := s.fd

	e.collect(s.index, poller.EventError|poller.EventRead|poller.EventHangup)
	require.NoError(t, e.dispatch())

	assert.Equal(t, StateUnused, s.state)
	assert.Equal(t, 1, e.stats.Closed)
	assert.Equal(t, 1, e.stats.Errors[stats.OriginConnect].Total())
	assert.Zero(t, e.revents[s.index])
	assert.Empty(t, e.ready)
	assert.Equal(t, []int{fd}, *closed)
}

func stubWriteFD(t *testing.T, fn func(fd int, b []byte) (int, error)) {
	t.Helper()
	old := writeFD
	t.Cleanup(func() { writeFD = old })
	writeFD = fn
}

func TestEngine_sendFailureCloses(t *testing.T) {
	for _, tc := range [...]struct {
		name  string
		write func(fd int, b []byte) (int, error)
		errno unix.Errno
	}{
		{
			name:  "short write",
			write: func(fd int, b []byte) (int, error) { return len(b) - 1, nil },
			errno: unix.EIO,
		},
		{
			name:  "write error",
			write: func(fd int, b []byte) (int, error) { return -1, unix.EPIPE },
			errno: unix.EPIPE,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ln := listen(t)
			hold(t, ln)

			stubWriteFD(t, tc.write)
			e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 4,
				WithWaves(1, time.Hour, UnlimitedWaves),
				WithOutput(&bytes.Buffer{}),
			)
			s := connectOne(t, e)

			assert.Equal(t, StateUnused, s.state)
			assert.Equal(t, 1, e.stats.Connected)
			assert.Equal(t, 1, e.stats.Closed)
			assert.Equal(t, 1, e.stats.ErrorTotal())
			assert.Equal(t, 1, e.stats.Errors[stats.OriginWrite].Count(int(tc.errno)))
		})
	}
}

func TestEngine_readFailureCloses(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 4,
		WithWaves(1, time.Hour, UnlimitedWaves),
		WithOutput(&bytes.Buffer{}),
	)
	s := connectOne(t, e)
	require.Equal(t, StateEstablished, s.state)

	old := readFD
	t.Cleanup(func() { readFD = old })
	readFD = func(fd int, b []byte) (int, error) { return -1, unix.ECONNRESET }

	e.collect(s.index, poller.EventRead)
	require.NoError(t, e.dispatch())

	assert.Equal(t, StateUnused, s.state)
	assert.Equal(t, 1, e.stats.Closed)
	assert.Equal(t, 1, e.stats.Errors[stats.OriginRead].Count(int(unix.ECONNRESET)))
	assert.Zero(t, e.stats.HTTP.Total())
}

func TestEngine_unexpectedReadinessIsLogged(t *testing.T) {
	ln := listen(t)
	hold(t, ln)

	var logs bytes.Buffer
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, portOf(ln), "/")}, 4,
		WithWaves(1, time.Hour, UnlimitedWaves),
		WithOutput(&bytes.Buffer{}),
		WithLogger(logging.New(&logs, 0)),
	)
	require.NoError(t, e.tickWave(timeNow()))
	s := &e.slots.slots[0]

	e.collect(s.index, poller.EventRead)
	require.NoError(t, e.dispatch())

	assert.Equal(t, StateConnecting, s.state)
	assert.Contains(t, logs.String(), `"msg":"unexpected readiness"`)
	assert.Contains(t, logs.String(), `"events":"read"`)
}

func TestEngine_timeout(t *testing.T) {
	e := newEngine(t, []endpoint.Endpoint{endpointFor(t, 9, "/")}, 1,
		WithWaves(1, 10*time.Second, 1),
		WithReportInterval(3*time.Second),
		WithRunDuration(2*time.Second),
	)
	base := time.Unix(100, 0)
	e.start.Mark(base)

	assert.Equal(t, 2000, e.timeout(base))
	assert.Equal(t, 500, e.timeout(base.Add(1500*time.Millisecond)))
	assert.Equal(t, 2, e.timeout(base.Add(2*time.Second-1200*time.Microsecond)))
	assert.Equal(t, 0, e.timeout(base.Add(3*time.Second)))

	e.opts.runFor = 0
	assert.Equal(t, 3000, e.timeout(base.Add(time.Hour)))
}

func TestParseStatus(t *testing.T) {
	for _, tc := range [...]struct {
		in   string
		code int
		ok   bool
	}{
		{"HTTP/1.0 200 OK\r\n", 200, true},
		{"HTTP/1.1 503 Service Unavailable", 503, true},
		{"HTTP/1.0 404", 404, true},
		{"HTTP/1.0 20", 0, false},
		{"HTTP/2.0 200 OK", 0, false},
		{"HTTP/1.0 2x0 OK", 0, false},
		{"<html>hello</html>", 0, false},
	} {
		code, ok := parseStatus([]byte(tc.in))
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.code, code, tc.in)
	}
}

func TestNew_invalid(t *testing.T) {
	ep := endpointFor(t, 80, "/")

	_, err := New(nil, 1)
	assert.Error(t, err)

	_, err = New([]endpoint.Endpoint{ep}, 0)
	assert.Error(t, err)

	_, err = New([]endpoint.Endpoint{ep}, 1, WithWaves(0, time.Second, 1))
	assert.Error(t, err)

	_, err = New([]endpoint.Endpoint{ep}, 1, WithHeaders("X-Big: "+strings.Repeat("a", maxRequestSize)))
	assert.ErrorIs(t, err, ErrRequestTooLarge)
}
