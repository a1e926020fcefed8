package connmgr

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-engine-bridge/pkg/wire"
)

const (
	defaultReconnectDelay = 2500 * time.Millisecond
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

type timer interface{ Stop() bool }

type afterFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

// Manager owns the client's single socket and reconnects after a fixed delay
// whenever it drops. Only Close stops the retry loop.
type Manager struct {
	url            string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	pingInterval   time.Duration
	headerProvider HeaderProvider
	after          afterFunc
	log            *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	gen      uint64
	state    State
	timer    timer
	timerSeq uint64
	stopped  bool

	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

type Option func(*Manager)

func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reconnectDelay = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithPingInterval enables keepalive pings; zero disables them.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) { m.pingInterval = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(m *Manager) { m.headerProvider = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func New(url string, opts ...Option) *Manager {
	m := &Manager{
		url:            url,
		reconnectDelay: defaultReconnectDelay,
		dialTimeout:    defaultDialTimeout,
		pingInterval:   30 * time.Second,
		after:          realAfterFunc,
		log:            zap.NewNop(),
		state:          StateDisconnected,
	}
	for _, o := range opts {
		o(m)
	}
	m.rootCtx, m.rootCancel = context.WithCancel(context.Background())
	return m
}

// Connect drops any current socket and its handlers, then dials a new one.
// A failed dial schedules the next attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrClosed
	}
	m.gen++
	gen := m.gen
	old := m.conn
	m.conn = nil
	m.cancelTimerLocked()
	m.state = StateConnecting
	m.mu.Unlock()

	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "reconnect")
	}
	m.notifyState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, m.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      m.buildHeaders(),
	})
	if err != nil {
		m.log.Debug("ws_dial_failed", zap.String("url", m.url), zap.Error(err))
		m.handleClosed(gen)
		return err
	}

	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	m.conn = conn
	m.state = StateOpen
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info("ws_open", zap.String("url", m.url))
	m.notifyState(StateOpen)

	go m.listen(conn, gen)
	if m.pingInterval > 0 {
		m.wg.Add(1)
		go m.pingLoop(conn, gen)
	}
	return nil
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped && gen == m.gen
}

func (m *Manager) listen(conn *websocket.Conn, gen uint64) {
	defer m.wg.Done()
	for {
		_, data, err := conn.Read(m.rootCtx)
		if err != nil {
			m.log.Debug("ws_read_end", zap.Int("status", int(websocket.CloseStatus(err))), zap.Error(err))
			m.handleClosed(gen)
			return
		}
		for _, msg := range wire.DecodeFrame(data) {
			if !m.current(gen) {
				return
			}
			m.cbM.RLock()
			callbacks := make([]callbackEntry, len(m.msgCbs))
			copy(callbacks, m.msgCbs)
			m.cbM.RUnlock()
			for _, entry := range callbacks {
				if entry.callback != nil {
					entry.callback(msg)
				}
			}
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64) {
	defer m.wg.Done()
	t := time.NewTicker(m.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-m.rootCtx.Done():
			return
		case <-t.C:
			if !m.current(gen) {
				return
			}
			ctx, cancel := context.WithTimeout(m.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// handleClosed marks the socket gone and arms exactly one reconnect timer.
// Events from superseded connections are ignored.
func (m *Manager) handleClosed(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.cancelTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.after(m.reconnectDelay, func() { m.reconnectFired(seq) })
	m.mu.Unlock()

	m.log.Info("ws_reconnect_scheduled", zap.Duration("delay", m.reconnectDelay))
	m.notifyState(StateDisconnected)
}

func (m *Manager) reconnectFired(seq uint64) {
	m.mu.Lock()
	if m.stopped || seq != m.timerSeq || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if err := m.Connect(m.rootCtx); err != nil {
		m.log.Debug("ws_reconnect_failed", zap.Error(err))
	}
}

func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Send writes one command line. It never queues: a socket that is not open
// yields ErrNotOpen.
func (m *Manager) Send(cmd wire.Command) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateOpen || conn == nil {
		m.log.Debug("ws_send_dropped", zap.String("cmd", cmd.String()), zap.Stringer("state", state))
		return ErrNotOpen
	}
	ctx, cancel := context.WithTimeout(m.rootCtx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(cmd.String())); err != nil {
		m.log.Debug("ws_send_failed", zap.String("cmd", cmd.String()), zap.Error(err))
		return err
	}
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// pendingReconnects is 0 or 1.
func (m *Manager) pendingReconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		return 1
	}
	return 0
}

func (m *Manager) OnMessage(cb MessageCallback) int {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	m.nextCbID++
	m.msgCbs = append(m.msgCbs, callbackEntry{id: m.nextCbID, callback: cb})
	return m.nextCbID
}

func (m *Manager) RemoveMessageCallback(id int) {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	for i, cb := range m.msgCbs {
		if cb.id == id {
			m.msgCbs = append(m.msgCbs[:i], m.msgCbs[i+1:]...)
			break
		}
	}
}

func (m *Manager) OnStateChange(cb StateCallback) int {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	m.nextCbID++
	m.stateCbs = append(m.stateCbs, stateCallbackEntry{id: m.nextCbID, callback: cb})
	return m.nextCbID
}

func (m *Manager) RemoveStateCallback(id int) {
	m.cbM.Lock()
	defer m.cbM.Unlock()
	for i, cb := range m.stateCbs {
		if cb.id == id {
			m.stateCbs = append(m.stateCbs[:i], m.stateCbs[i+1:]...)
			break
		}
	}
}

func (m *Manager) notifyState(state State) {
	m.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(m.stateCbs))
	copy(callbacks, m.stateCbs)
	m.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

// Close cancels any pending reconnect and closes the socket for good.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.gen++
	m.cancelTimerLocked()
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (m *Manager) buildHeaders() http.Header {
	hdr := http.Header{}
	if m.headerProvider == nil {
		return hdr
	}
	for k, v := range m.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

var _ Client = (*Manager)(nil)
