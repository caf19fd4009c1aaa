package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/types"
	"github.com/saiset-co/sai-parse/utils"
)

type BridgeState int32

const (
	BridgeStateStopped BridgeState = iota
	BridgeStateStarting
	BridgeStateRunning
	BridgeStateStopping
	BridgeStateReconnecting
)

// Bridge mirrors dispatched events to a host collaborator over a websocket
// connection, reconnecting with a fixed delay when the peer goes away.
// Events that cannot be queued while disconnected are discarded; the bridge
// is an observability tap, not a delivery guarantee.
type Bridge struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	config            *types.BridgeConfig
	conn              *websocket.Conn
	connMu            sync.RWMutex
	send              chan *types.Event
	reconnectDelay    time.Duration
	pingInterval      time.Duration
	writeWait         time.Duration
	state             atomic.Value
	reconnectAttempts int32
	writerDone        chan struct{}
}

func NewBridge(ctx context.Context, logger types.Logger, config *types.BridgeConfig) (*Bridge, error) {
	if config == nil || config.URL == "" {
		return nil, types.ErrConfigIsNil
	}

	reconnectDelay := 5 * time.Second
	if config.ReconnectDelayMs > 0 {
		reconnectDelay = time.Duration(config.ReconnectDelayMs) * time.Millisecond
	}

	pingInterval := 54 * time.Second
	if config.PingIntervalMs > 0 {
		pingInterval = time.Duration(config.PingIntervalMs) * time.Millisecond
	}

	bridgeCtx, cancel := context.WithCancel(ctx)

	b := &Bridge{
		ctx:            bridgeCtx,
		cancel:         cancel,
		logger:         logger,
		config:         config,
		send:           make(chan *types.Event, 256),
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		writeWait:      10 * time.Second,
		writerDone:     make(chan struct{}),
	}

	b.state.Store(BridgeStateStopped)

	return b, nil
}

// Forward queues an event for the peer. Non-blocking; events are discarded
// when the outbound buffer is full.
func (b *Bridge) Forward(event *types.Event) {
	if b.getState() != BridgeStateRunning && b.getState() != BridgeStateReconnecting {
		return
	}

	select {
	case b.send <- event:
	default:
	}
}

func (b *Bridge) Start() error {
	if !b.transitionState(BridgeStateStopped, BridgeStateStarting) {
		return types.ErrAlreadyRunning
	}

	if err := b.connect(); err != nil {
		b.logger.Warn("Bridge initial connect failed, will retry",
			zap.String("url", b.config.URL),
			zap.Error(err))
	}

	b.setState(BridgeStateRunning)
	go b.writer()

	b.logger.Info("Event bridge started", zap.String("url", b.config.URL))
	return nil
}

func (b *Bridge) Stop() error {
	state := b.getState()
	if state != BridgeStateRunning && state != BridgeStateReconnecting {
		return types.ErrNotRunning
	}
	b.state.Store(BridgeStateStopping)

	b.cancel()

	select {
	case <-b.writerDone:
	case <-time.After(5 * time.Second):
		b.logger.Warn("Bridge writer stop timeout")
	}

	b.closeConn()
	b.state.Store(BridgeStateStopped)

	b.logger.Info("Event bridge stopped")
	return nil
}

func (b *Bridge) IsRunning() bool {
	return b.getState() == BridgeStateRunning
}

func (b *Bridge) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(b.ctx, b.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "bridge dial failed")
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()

	atomic.StoreInt32(&b.reconnectAttempts, 0)
	return nil
}

func (b *Bridge) closeConn() {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

func (b *Bridge) writer() {
	defer close(b.writerDone)

	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.send:
			if err := b.writeEvent(event); err != nil {
				b.logger.Warn("Bridge write failed", zap.Error(err))
				b.reconnect()
			}
		case <-ticker.C:
			if err := b.writeControl(websocket.PingMessage); err != nil {
				b.reconnect()
			}
		}
	}
}

func (b *Bridge) writeEvent(event *types.Event) error {
	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()

	if conn == nil {
		return types.ErrBridgeDisconnected
	}

	payload, err := utils.Marshal(event)
	if err != nil {
		return types.WrapError(err, "failed to encode event")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(b.writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (b *Bridge) writeControl(messageType int) error {
	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()

	if conn == nil {
		return types.ErrBridgeDisconnected
	}

	return conn.WriteControl(messageType, nil, time.Now().Add(b.writeWait))
}

func (b *Bridge) reconnect() {
	if !b.transitionState(BridgeStateRunning, BridgeStateReconnecting) {
		return
	}

	b.closeConn()

	for {
		attempts := atomic.AddInt32(&b.reconnectAttempts, 1)
		if b.config.MaxRetries > 0 && int(attempts) > b.config.MaxRetries {
			b.logger.Error("Bridge reconnect attempts exhausted",
				zap.Int32("attempts", attempts-1))
			b.setState(BridgeStateRunning)
			return
		}

		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}

		if err := b.connect(); err != nil {
			b.logger.Warn("Bridge reconnect failed",
				zap.Int32("attempt", attempts),
				zap.Error(err))
			continue
		}

		b.logger.Info("Bridge reconnected", zap.Int32("attempts", attempts))
		b.setState(BridgeStateRunning)
		return
	}
}

func (b *Bridge) getState() BridgeState {
	return b.state.Load().(BridgeState)
}

func (b *Bridge) setState(newState BridgeState) bool {
	return b.state.CompareAndSwap(b.getState(), newState)
}

func (b *Bridge) transitionState(from, to BridgeState) bool {
	return b.state.CompareAndSwap(from, to)
}
