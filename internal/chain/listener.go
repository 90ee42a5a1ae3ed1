package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ListenerConfig configures the chain event listener.
type ListenerConfig struct {
	WSURL             string
	WatchAddress      Address
	QueueSize         int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	AckTimeout        time.Duration
}

// DefaultListenerConfig returns listener defaults.
func DefaultListenerConfig(wsURL string, watch Address) ListenerConfig {
	return ListenerConfig{
		WSURL:             wsURL,
		WatchAddress:      watch,
		QueueSize:         1024,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      20 * time.Second,
		ReadTimeout:       60 * time.Second,
		AckTimeout:        5 * time.Second,
	}
}

// Backfiller is the historical log query surface used to close reconnect
// gaps. Implemented by RPCClient.
type Backfiller interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransferLogs(ctx context.Context, watch Address, fromBlock, toBlock uint64) ([]TransferEvent, error)
}

// maxSeenEvents bounds the de-duplication set; when exceeded the set is
// reset wholesale (old events are far outside any catch-up window by then).
const maxSeenEvents = 50000

// Listener maintains a streaming eth_subscribe subscription for transfer
// logs to the watch address and emits decoded events on a bounded channel.
//
// On connection loss it reconnects with exponential backoff and jitter, then
// queries the block range spanning the gap so events missed during the
// disconnect are emitted exactly once, ordered by (block, logIndex), before
// live delivery resumes. Events older than the gap are not recoverable.
type Listener struct {
	config   ListenerConfig
	backfill Backfiller

	mu   sync.Mutex
	conn *websocket.Conn

	out    chan TransferEvent
	closed atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once

	fatalMu  sync.Mutex
	fatalErr error

	nextID atomic.Int64
	seen   map[string]struct{}

	connected  atomic.Bool
	reconnects atomic.Int64
	received   atomic.Int64
	decoded    atomic.Int64
	malformed  atomic.Int64
	duplicates atomic.Int64
	lastBlock  atomic.Uint64
}

// ListenerStats is a snapshot of listener counters.
type ListenerStats struct {
	Connected  bool   `json:"connected"`
	Reconnects int64  `json:"reconnects"`
	Received   int64  `json:"received"`
	Decoded    int64  `json:"decoded"`
	Malformed  int64  `json:"malformed"`
	Duplicates int64  `json:"duplicates"`
	LastBlock  uint64 `json:"last_block"`
}

// NewListener creates a listener. backfill may be nil to disable catch-up.
func NewListener(config ListenerConfig, backfill Backfiller) *Listener {
	return &Listener{
		config:   config,
		backfill: backfill,
		out:      make(chan TransferEvent, config.QueueSize),
		ready:    make(chan struct{}),
		seen:     make(map[string]struct{}),
	}
}

// Start validates the configuration and launches the subscription loop.
// The returned channel carries the event sequence for the lifetime of the
// listener and is closed when ctx is cancelled or a fatal error occurs.
func (l *Listener) Start(ctx context.Context) (<-chan TransferEvent, error) {
	if _, err := NormalizeAddress(string(l.config.WatchAddress)); err != nil {
		return nil, fmt.Errorf("listener: %w", err)
	}
	if l.config.WSURL == "" {
		return nil, fmt.Errorf("listener: ws url is required")
	}
	go l.runLoop(ctx)
	return l.out, nil
}

// Ready is closed after the first successful subscription.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// Err returns the fatal error that terminated the listener, if any.
func (l *Listener) Err() error {
	l.fatalMu.Lock()
	defer l.fatalMu.Unlock()
	return l.fatalErr
}

// Stats returns a snapshot of listener counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Connected:  l.connected.Load(),
		Reconnects: l.reconnects.Load(),
		Received:   l.received.Load(),
		Decoded:    l.decoded.Load(),
		Malformed:  l.malformed.Load(),
		Duplicates: l.duplicates.Load(),
		LastBlock:  l.lastBlock.Load(),
	}
}

func (l *Listener) setFatal(err error) {
	l.fatalMu.Lock()
	if l.fatalErr == nil {
		l.fatalErr = err
	}
	l.fatalMu.Unlock()
}

func (l *Listener) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("listener: run loop panic recovered")
		}
		l.disconnect()
		if l.closed.CompareAndSwap(false, true) {
			close(l.out)
		}
	}()

	delay := l.config.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := l.connect(ctx); err != nil {
			log.Warn().Err(err).Msg("listener: connection failed")
			if !l.waitBackoff(ctx, &delay) {
				return
			}
			continue
		}

		if err := l.subscribe(ctx); err != nil {
			if l.Err() != nil {
				// Subscription rejected by the node: configuration error,
				// no point reconnecting.
				log.Error().Err(err).Msg("listener: subscription rejected, giving up")
				return
			}
			log.Warn().Err(err).Msg("listener: subscribe failed")
			l.disconnect()
			if !l.waitBackoff(ctx, &delay) {
				return
			}
			continue
		}

		delay = l.config.ReconnectDelay
		l.readyOnce.Do(func() { close(l.ready) })

		// Close the reconnect gap before consuming live messages; anything
		// the node buffered meanwhile is read afterwards, and the de-dup
		// set drops the overlap.
		if l.backfill != nil && l.lastBlock.Load() > 0 {
			l.catchUp(ctx)
		}

		l.readLoop(ctx)
		l.disconnect()
		l.reconnects.Add(1)

		if !l.waitBackoff(ctx, &delay) {
			return
		}
	}
}

// waitBackoff sleeps for the jittered delay and doubles it up to the cap.
// Returns false if the context was cancelled.
func (l *Listener) waitBackoff(ctx context.Context, delay *time.Duration) bool {
	jittered := *delay + time.Duration(rand.Int63n(int64(*delay/2)+1))
	select {
	case <-time.After(jittered):
	case <-ctx.Done():
		return false
	}
	*delay *= 2
	if *delay > l.config.MaxReconnectDelay {
		*delay = l.config.MaxReconnectDelay
	}
	return true
}

func (l *Listener) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, l.config.WSURL, nil)
	if err != nil {
		return fmt.Errorf("listener: dial: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.connected.Store(true)

	log.Info().Str("endpoint", l.config.WSURL).Msg("listener: connected")
	return nil
}

func (l *Listener) disconnect() {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
	l.connected.Store(false)
}

// subscribe sends the eth_subscribe request and waits for its ack. A JSON-RPC
// error response marks the listener fatally misconfigured.
func (l *Listener) subscribe(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("listener: not connected")
	}

	reqID := l.nextID.Add(1)
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "eth_subscribe",
		"params": []any{
			"logs",
			map[string]any{
				"topics": []any{TransferTopic0, nil, PadTopic(l.config.WatchAddress)},
			},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("listener: write subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(l.config.AckTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("listener: read subscribe ack: %w", err)
	}

	var ack struct {
		ID     int64     `json:"id"`
		Result string    `json:"result"`
		Error  *rpcError `json:"error"`
	}
	if err := json.Unmarshal(msg, &ack); err != nil {
		return fmt.Errorf("listener: parse subscribe ack: %w", err)
	}
	if ack.Error != nil {
		err := fmt.Errorf("listener: subscribe rejected: %d %s", ack.Error.Code, ack.Error.Message)
		if subscribeErrorFatal(ack.Error.Code) {
			l.setFatal(err)
		}
		return err
	}
	if ack.Result == "" {
		return fmt.Errorf("listener: empty subscription id")
	}

	log.Info().
		Str("subscription", ack.Result).
		Str("watch", string(l.config.WatchAddress)).
		Msg("listener: subscribed")
	return nil
}

// subscribeErrorFatal reports whether a JSON-RPC subscribe rejection is a
// configuration error. Invalid params (bad filter address) and unknown
// method are permanent; anything else (node overload, subscription limits)
// is worth another attempt after backoff.
func subscribeErrorFatal(code int) bool {
	switch code {
	case -32601, -32602:
		return true
	}
	return false
}

func (l *Listener) readLoop(ctx context.Context) {
	pingTicker := time.NewTicker(l.config.PingInterval)
	defer pingTicker.Stop()

	// Unblock ReadMessage promptly when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.disconnect()
		case <-stop:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn != nil {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Debug().Err(err).Msg("listener: ping failed")
					return
				}
			}
		default:
		}

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Info().Msg("listener: connection closed normally")
			} else {
				log.Warn().Err(err).Msg("listener: read error, reconnecting")
			}
			return
		}

		if !l.handleMessage(ctx, message) {
			return
		}
	}
}

// handleMessage decodes one subscription frame. Returns false only when the
// context was cancelled while emitting.
func (l *Listener) handleMessage(ctx context.Context, data []byte) bool {
	l.received.Add(1)

	var notification struct {
		Method string `json:"method"`
		Params struct {
			Subscription string          `json:"subscription"`
			Result       json.RawMessage `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &notification); err != nil {
		l.malformed.Add(1)
		log.Debug().Err(err).Msg("listener: unparseable frame")
		return true
	}
	if notification.Method != "eth_subscription" || len(notification.Params.Result) == 0 {
		return true
	}

	var rec logRecord
	if err := json.Unmarshal(notification.Params.Result, &rec); err != nil {
		l.malformed.Add(1)
		log.Debug().Err(err).Msg("listener: unparseable log record")
		return true
	}

	evt, err := decodeTransferLog(rec, l.config.WatchAddress)
	if err != nil {
		if err == errMalformedLog {
			l.malformed.Add(1)
			log.Debug().Str("tx", rec.TransactionHash).Msg("listener: discarding malformed log")
		}
		return true
	}

	return l.emit(ctx, *evt)
}

// emit de-duplicates and delivers one event. The bounded channel blocks the
// decode loop when the engine falls behind (backpressure, never drops).
func (l *Listener) emit(ctx context.Context, evt TransferEvent) bool {
	id := evt.EventID()
	if _, dup := l.seen[id]; dup {
		l.duplicates.Add(1)
		return true
	}
	if len(l.seen) >= maxSeenEvents {
		l.seen = make(map[string]struct{})
	}
	l.seen[id] = struct{}{}

	if evt.BlockNumber > l.lastBlock.Load() {
		l.lastBlock.Store(evt.BlockNumber)
	}
	l.decoded.Add(1)

	select {
	case l.out <- evt:
		return true
	default:
		log.Warn().
			Int("capacity", cap(l.out)).
			Msg("listener: event queue full, blocking on consumer")
	}

	select {
	case l.out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// catchUp queries the block range spanning the disconnect gap and emits any
// missed events in (block, logIndex) order.
func (l *Listener) catchUp(ctx context.Context) {
	from := l.lastBlock.Load()

	head, err := l.backfill.BlockNumber(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("listener: catch-up head lookup failed")
		return
	}
	if head < from {
		return
	}

	events, err := l.backfill.TransferLogs(ctx, l.config.WatchAddress, from, head)
	if err != nil {
		log.Warn().Err(err).Uint64("from", from).Uint64("to", head).Msg("listener: catch-up query failed")
		return
	}

	emitted := 0
	for _, evt := range events {
		before := l.decoded.Load()
		if !l.emit(ctx, evt) {
			return
		}
		if l.decoded.Load() > before {
			emitted++
		}
	}

	log.Info().
		Uint64("from", from).
		Uint64("to", head).
		Int("events", emitted).
		Msg("listener: reconnect catch-up complete")
}
