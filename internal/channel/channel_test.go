package channel

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/p2pbackup/internal/protocol"
	"github.com/tunnelmesh/p2pbackup/testutil"
)

// fakeConn counts writes and blocks reads until closed.
type fakeConn struct {
	writes atomic.Int32
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (f *fakeConn) ReadFrom(_ []byte) (int, net.Addr, error) {
	<-f.closed
	return 0, nil, net.ErrClosed
}

func (f *fakeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	f.writes.Add(1)
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (f *fakeConn) SetDeadline(_ time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }

func newTestChannel(t *testing.T, timeout time.Duration) *Channel {
	t.Helper()
	c, err := New(Config{Conn: testutil.ListenUDP(t), Timeout: timeout, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSendReceivesReply(t *testing.T) {
	server := newTestChannel(t, time.Second)
	server.SetUnsolicitedHandler(func(msg *protocol.Message, from net.Addr) {
		_ = server.Reply(from, protocol.NewMessage("PONG", msg.ID, msg.Args...))
	})

	client := newTestChannel(t, time.Second)
	reply, err := client.Send(context.Background(), server.LocalAddr(), "PING", "hello")
	require.NoError(t, err)

	assert.Equal(t, "PONG", reply.Verb)
	assert.Equal(t, []string{"hello"}, reply.Args)
}

func TestConcurrentRepliesOutOfOrder(t *testing.T) {
	const n = 8

	responder := testutil.ListenUDP(t)
	defer func() { _ = responder.Close() }()

	// Collect all requests first, then answer them newest first.
	go func() {
		type req struct {
			msg  *protocol.Message
			from net.Addr
		}
		var reqs []req
		buf := make([]byte, 1024)
		for len(reqs) < n {
			k, from, err := responder.ReadFrom(buf)
			if err != nil {
				return
			}
			msg, err := protocol.Parse(buf[:k])
			if err != nil {
				continue
			}
			reqs = append(reqs, req{msg: msg, from: from})
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			r := reqs[i]
			reply := protocol.NewMessage("PONG", r.msg.ID, r.msg.Args...)
			_, _ = responder.WriteTo(reply.Bytes(), r.from)
		}
	}()

	client := newTestChannel(t, 2*time.Second)

	var wg sync.WaitGroup
	errs := make([]error, n)
	got := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := client.Send(context.Background(), responder.LocalAddr(), "PING", strconv.Itoa(i))
			errs[i] = err
			if err == nil {
				got[i] = reply.Arg(0)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, strconv.Itoa(i), got[i], "request %d received another request's reply", i)
	}
}

func TestDuplicateIDRejectedBeforeIO(t *testing.T) {
	conn := newFakeConn()
	c, err := New(Config{Conn: conn, Timeout: 5 * time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)

	to := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	first := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), to, protocol.NewMessage("PING", 5), nil)
		first <- err
	}()

	testutil.Eventually(t, time.Second, func() bool { return conn.writes.Load() == 1 }, "first request not sent")

	_, err = c.Request(context.Background(), to, protocol.NewMessage("PING", 5), nil)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, int32(1), conn.writes.Load(), "duplicate must not reach the socket")

	require.NoError(t, c.Close())
	select {
	case err := <-first:
		assert.ErrorIs(t, err, protocol.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("pending request was not cancelled by Close")
	}
}

func TestSendTimeout(t *testing.T) {
	silent := testutil.ListenUDP(t)
	defer func() { _ = silent.Close() }()

	client := newTestChannel(t, 100*time.Millisecond)

	var late atomic.Int32
	client.SetUnsolicitedHandler(func(msg *protocol.Message, _ net.Addr) {
		if msg.Verb == "PONG" {
			late.Add(1)
		}
	})

	start := time.Now()
	_, err := client.Request(context.Background(), silent.LocalAddr(), protocol.NewMessage("PING", 77), nil)
	assert.ErrorIs(t, err, protocol.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// The pending entry is gone, so a late reply is treated as unsolicited.
	_, err = silent.WriteTo(protocol.NewMessage("PONG", 77).Bytes(), client.LocalAddr())
	require.NoError(t, err)
	testutil.Eventually(t, time.Second, func() bool { return late.Load() == 1 }, "late reply not delivered")
}

func TestContextCancellation(t *testing.T) {
	silent := testutil.ListenUDP(t)
	defer func() { _ = silent.Close() }()

	client := newTestChannel(t, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Send(ctx, silent.LocalAddr(), "PING")
	assert.ErrorIs(t, err, protocol.ErrCancelled)
}

func TestPushWithSameIDIsNotClaimed(t *testing.T) {
	server := testutil.ListenUDP(t)
	defer func() { _ = server.Close() }()

	client := newTestChannel(t, 2*time.Second)

	pushes := make(chan *protocol.Message, 1)
	client.SetUnsolicitedHandler(func(msg *protocol.Message, _ net.Addr) {
		pushes <- msg
	})

	done := make(chan *protocol.Message, 1)
	go func() {
		reply, err := client.Request(context.Background(), server.LocalAddr(), protocol.NewMessage(protocol.VerbBackupReq, 3), nil)
		if err == nil {
			done <- reply
		}
	}()

	buf := make([]byte, 1024)
	_, from, err := server.ReadFrom(buf)
	require.NoError(t, err)

	_, err = server.WriteTo(protocol.NewMessage(protocol.VerbStoreReq, 3, "f", "0", "alice").Bytes(), from)
	require.NoError(t, err)

	select {
	case push := <-pushes:
		assert.Equal(t, protocol.VerbStoreReq, push.Verb)
	case <-time.After(time.Second):
		t.Fatal("push was not delivered to the unsolicited handler")
	}

	_, err = server.WriteTo(protocol.NewMessage(protocol.VerbBackupPlan, 3, "f", "[]", "4096").Bytes(), from)
	require.NoError(t, err)

	select {
	case reply := <-done:
		assert.Equal(t, protocol.VerbBackupPlan, reply.Verb)
	case <-time.After(time.Second):
		t.Fatal("reply was not matched")
	}
}

func TestCustomMatcherClaimsReplyWithoutID(t *testing.T) {
	server := newTestChannel(t, time.Second)
	server.SetUnsolicitedHandler(func(msg *protocol.Message, from net.Addr) {
		_ = server.Reply(from, protocol.NewMessage("PONG", 0, "custom"))
	})

	client := newTestChannel(t, time.Second)
	id := client.NextID()
	reply, err := client.Request(context.Background(), server.LocalAddr(), protocol.NewMessage("PING", id),
		func(msg *protocol.Message) bool { return msg.Verb == "PONG" })
	require.NoError(t, err)
	assert.Equal(t, "custom", reply.Arg(0))
}

func TestClosedChannel(t *testing.T) {
	c := newTestChannel(t, time.Second)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Send(context.Background(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, "PING")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Notify(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, "PING"), ErrClosed)
}

func TestNextIDMonotonic(t *testing.T) {
	c, err := New(Config{Conn: newFakeConn(), FirstID: 100, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	assert.Equal(t, uint64(100), c.NextID())
	assert.Equal(t, uint64(101), c.NextID())
}
