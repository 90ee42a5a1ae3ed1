package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

// wsServer runs a scripted subscription endpoint. For every connection it
// answers the eth_subscribe request, then hands the connection to script.
func wsServer(t *testing.T, script func(conn *websocket.Conn, connIndex int64)) *httptest.Server {
	t.Helper()
	var conns atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" {
			return
		}
		ack := map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub1"}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}

		script(conn, conns.Add(1))
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendNotification(t *testing.T, conn *websocket.Conn, rec logRecord) {
	t.Helper()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params":  map[string]any{"subscription": "0xsub1", "result": json.RawMessage(raw)},
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func testListenerConfig(url string) ListenerConfig {
	cfg := DefaultListenerConfig(url, testWatch)
	cfg.QueueSize = 16
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	cfg.AckTimeout = 2 * time.Second
	return cfg
}

func recordAt(block uint64, logIdx uint32, tx string) logRecord {
	rec := transferRecord(testWatch)
	rec.BlockNumber = hexUint(block)
	rec.LogIndex = hexUint(uint64(logIdx))
	rec.TransactionHash = tx
	return rec
}

func collect(t *testing.T, ch <-chan TransferEvent, n int) []TransferEvent {
	t.Helper()
	out := make([]TransferEvent, 0, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case evt, ok := <-ch:
			require.True(t, ok, "channel closed before %d events", n)
			out = append(out, evt)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

func TestListenerEmitsAndDeduplicates(t *testing.T) {
	done := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn, _ int64) {
		sendNotification(t, conn, recordAt(100, 1, "0xaa00000000000000000000000000000000000000000000000000000000000001"))
		// Duplicate of the first event.
		sendNotification(t, conn, recordAt(100, 1, "0xaa00000000000000000000000000000000000000000000000000000000000001"))
		// Malformed: missing topics.
		bad := recordAt(100, 2, "0xaa00000000000000000000000000000000000000000000000000000000000002")
		bad.Topics = nil
		sendNotification(t, conn, bad)
		sendNotification(t, conn, recordAt(101, 0, "0xaa00000000000000000000000000000000000000000000000000000000000003"))
		<-done
	})
	defer srv.Close()
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(testListenerConfig(wsURL(srv)), nil)
	ch, err := l.Start(ctx)
	require.NoError(t, err)

	select {
	case <-l.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("listener never became ready")
	}

	events := collect(t, ch, 2)
	assert.Equal(t, uint64(100), events[0].BlockNumber)
	assert.Equal(t, uint64(101), events[1].BlockNumber)

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Decoded)
	assert.Equal(t, int64(1), stats.Duplicates)
	assert.Equal(t, int64(1), stats.Malformed)
	assert.Equal(t, uint64(101), stats.LastBlock)

	// Cancelling the context tears down the stream and closes the channel.
	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

// catchUpBackfill serves a scripted catch-up result.
type catchUpBackfill struct {
	head   uint64
	events []TransferEvent
	calls  atomic.Int64
	from   atomic.Uint64
}

func (b *catchUpBackfill) BlockNumber(ctx context.Context) (uint64, error) {
	return b.head, nil
}

func (b *catchUpBackfill) TransferLogs(ctx context.Context, watch Address, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	b.calls.Add(1)
	b.from.Store(fromBlock)
	return b.events, nil
}

func TestListenerReconnectCatchUp(t *testing.T) {
	txA := "0xaa00000000000000000000000000000000000000000000000000000000000001"
	txB := "0xbb00000000000000000000000000000000000000000000000000000000000002"
	txC := "0xcc00000000000000000000000000000000000000000000000000000000000003"

	evtA, err := decodeTransferLog(recordAt(100, 0, txA), testWatch)
	require.NoError(t, err)
	evtB, err := decodeTransferLog(recordAt(101, 0, txB), testWatch)
	require.NoError(t, err)

	// Catch-up returns the already-seen A and the missed B.
	backfill := &catchUpBackfill{head: 102, events: []TransferEvent{*evtA, *evtB}}

	done := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn, connIndex int64) {
		if connIndex == 1 {
			// First connection: deliver A, then drop the connection.
			sendNotification(t, conn, recordAt(100, 0, txA))
			time.Sleep(50 * time.Millisecond)
			return
		}
		// Second connection: live event C, after the catch-up window.
		sendNotification(t, conn, recordAt(102, 0, txC))
		<-done
	})
	defer srv.Close()
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(testListenerConfig(wsURL(srv)), backfill)
	ch, err := l.Start(ctx)
	require.NoError(t, err)

	events := collect(t, ch, 3)

	// A once, then the missed B from catch-up, then live C. B is processed
	// exactly once and in block order relative to post-reconnect events.
	require.Equal(t, Hash(txA), events[0].TxHash)
	require.Equal(t, Hash(txB), events[1].TxHash)
	require.Equal(t, Hash(txC), events[2].TxHash)

	assert.Equal(t, int64(1), backfill.calls.Load())
	assert.Equal(t, uint64(100), backfill.from.Load(), "catch-up starts at last confirmed block")

	stats := l.Stats()
	assert.Equal(t, int64(3), stats.Decoded)
	assert.Equal(t, int64(1), stats.Duplicates, "catch-up overlap de-duplicated")
	assert.GreaterOrEqual(t, stats.Reconnects, int64(1))
}

func TestListenerRetriesTransientSubscribeRejection(t *testing.T) {
	done := make(chan struct{})
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			ID int64 `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if conns.Add(1) == 1 {
			// Node overload on the first attempt: not a config error.
			conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32005, "message": "subscription limit exceeded"},
			})
			return
		}
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": "0xsub1"})
		sendNotification(t, conn, recordAt(100, 1, "0xaa00000000000000000000000000000000000000000000000000000000000001"))
		<-done
	}))
	defer srv.Close()
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(testListenerConfig(wsURL(srv)), nil)
	ch, err := l.Start(ctx)
	require.NoError(t, err)

	events := collect(t, ch, 1)
	assert.Equal(t, uint64(100), events[0].BlockNumber)
	assert.NoError(t, l.Err(), "transient rejection must not be recorded as fatal")
	assert.GreaterOrEqual(t, conns.Load(), int64(2))
}

func TestListenerFatalSubscribeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req struct {
			ID int64 `json:"id"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32602, "message": "invalid filter address"},
		})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListener(testListenerConfig(wsURL(srv)), nil)
	ch, err := l.Start(ctx)
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close without events")
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not give up on fatal rejection")
	}

	require.Error(t, l.Err())
	assert.Contains(t, l.Err().Error(), "invalid filter address")

	select {
	case <-l.Ready():
		t.Fatal("listener must not report ready after a fatal rejection")
	default:
	}
}

func TestListenerStartValidation(t *testing.T) {
	cfg := DefaultListenerConfig("", Address("bogus"))
	l := NewListener(cfg, nil)
	_, err := l.Start(context.Background())
	require.Error(t, err)
}
