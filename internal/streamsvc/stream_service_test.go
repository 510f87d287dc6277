package streamsvc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neuroplastio/mousetrail/internal/subsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startService(t *testing.T) (*Service, *subsvc.Registry, context.CancelFunc, <-chan error) {
	t.Helper()
	// handler goroutines may still log after a test returns
	log := zap.NewNop()
	reg := subsvc.NewRegistry(log)
	svc := New(log, reg, WithHost("127.0.0.1"), WithPort(0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.Start(ctx)
	}()
	select {
	case <-svc.Ready():
	case err := <-done:
		t.Fatalf("service failed to start: %v", err)
	case <-time.After(time.Second):
		t.Fatal("service did not become ready")
	}
	t.Cleanup(cancel)
	return svc, reg, cancel, done
}

func dial(t *testing.T, svc *Service) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(svc.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForCount(t *testing.T, reg *subsvc.Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return reg.Len() == n
	}, time.Second, 5*time.Millisecond)
}

func TestClientReceivesBroadcast(t *testing.T) {
	svc, reg, _, _ := startService(t)
	conn := dial(t, svc)
	waitForCount(t, reg, 1)

	subs := reg.Snapshot()
	require.Len(t, subs, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, subs[0].Send(ctx, []byte(`{"deltas":[[1,2]]}`)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	typ, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.JSONEq(t, `{"deltas":[[1,2]]}`, string(msg))
}

func TestInboundMessagesAreIgnored(t *testing.T) {
	svc, reg, _, _ := startService(t)
	conn := dial(t, svc)
	waitForCount(t, reg, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, reg.Len())
}

func TestClientDisconnectUnregisters(t *testing.T) {
	svc, reg, _, _ := startService(t)
	first := dial(t, svc)
	dial(t, svc)
	waitForCount(t, reg, 2)

	ids := map[string]bool{}
	for _, sub := range reg.Snapshot() {
		ids[sub.ID().String()] = true
	}
	assert.Len(t, ids, 2, "each connection gets its own identity")

	require.NoError(t, first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	first.Close()
	waitForCount(t, reg, 1)
}

func TestClosedSubscriberRejectsSend(t *testing.T) {
	svc, reg, _, _ := startService(t)
	conn := dial(t, svc)
	waitForCount(t, reg, 1)

	sub := reg.Snapshot()[0]
	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.Send(context.Background(), []byte("x")), errNotActive)

	// the read loop notices the closed socket and removes the subscriber
	waitForCount(t, reg, 0)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error %v", err)
}

func TestShutdownClosesClients(t *testing.T) {
	svc, reg, cancel, done := startService(t)
	conn := dial(t, svc)
	waitForCount(t, reg, 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	waitForCount(t, reg, 0)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	svc, reg, _, _ := startService(t)
	port := svc.Addr().(*net.TCPAddr).Port

	other := New(zap.NewNop(), reg, WithHost("127.0.0.1"), WithPort(port))
	err := other.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
