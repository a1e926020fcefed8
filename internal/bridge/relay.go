package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/chess-engine-bridge/internal/metrics"
	"github.com/park285/chess-engine-bridge/internal/registry"
	"github.com/park285/chess-engine-bridge/pkg/wire"
)

// SpawnFailedMessage is sent to the peer when the engine cannot be launched.
const SpawnFailedMessage = "Engine failed to start"

// Session pairs one websocket with one engine process.
type Session struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time

	conn     *websocket.Conn
	sup      *Supervisor
	reg      registry.Store
	metrics  *metrics.Metrics
	log      *zap.Logger
	touchDur time.Duration

	framer *Framer
	proc   *Process

	writeMu   sync.Mutex
	closeOnce sync.Once
	cancel    context.CancelFunc

	commands atomic.Int64
	messages atomic.Int64
}

// engineOutput receives the engine's stdout from the exec copier.
type engineOutput struct{ s *Session }

func (o engineOutput) Write(b []byte) (int, error) {
	for _, msg := range o.s.framer.Feed(b) {
		o.s.forward(msg)
	}
	return len(b), nil
}

func (s *Session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	defer cancel()

	s.framer = NewFramer(func(line []byte, err error) {
		s.metrics.LineDropped()
		s.log.Debug("engine_line_dropped", zap.ByteString("line", line), zap.Error(err))
	})

	proc, err := s.sup.Open(ctx, s.ID, engineOutput{s})
	if err != nil {
		s.metrics.SpawnFailed()
		s.log.Error("engine_spawn_failed", zap.Error(err))
		s.send(ctx, wire.EngineError(SpawnFailedMessage))
		s.closeSocket(websocket.StatusInternalError, "engine failed to start")
		return
	}
	s.proc = proc
	s.register(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.watchEngine(ctx)
	}()
	go func() {
		defer wg.Done()
		s.keepAlive(ctx)
	}()

	s.readClient(ctx)

	select {
	case <-proc.Done():
	default:
		s.metrics.EngineExited(metrics.ExitClientClosed)
	}
	if err := proc.Close(); err != nil {
		s.log.Warn("engine_close_failed", zap.Error(err))
	}
	cancel()
	s.closeSocket(websocket.StatusNormalClosure, "")
	wg.Wait()
	s.unregister()
}

// readClient writes every client frame to the engine until the socket closes.
func (s *Session) readClient(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.log.Debug("client_closed", zap.Int("status", int(status)))
			} else if ctx.Err() == nil {
				s.log.Debug("client_read_error", zap.Error(err))
			}
			return
		}
		line := strings.TrimSpace(string(data))
		if line == "" {
			continue
		}
		if err := s.proc.WriteLine(line); err != nil {
			s.log.Debug("engine_write_failed", zap.String("line", line), zap.Error(err))
			return
		}
		s.commands.Add(1)
		s.metrics.Frame(metrics.DirToEngine)
	}
}

// watchEngine reports an engine exit the session did not ask for.
func (s *Session) watchEngine(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.proc.Done():
	}
	if s.proc.Closed() {
		return
	}
	code := s.proc.ExitCode()
	s.metrics.EngineExited(metrics.ExitEngineExited)
	s.log.Warn("engine_closed_unexpectedly", zap.Int("code", code))
	s.send(ctx, wire.EngineClosed(code))
	s.closeSocket(websocket.StatusNormalClosure, "engine closed")
	s.cancel()
}

func (s *Session) forward(msg wire.Message) {
	s.messages.Add(1)
	s.metrics.Frame(metrics.DirToClient)
	s.send(context.Background(), msg)
}

func (s *Session) send(ctx context.Context, msg wire.Message) {
	b, err := wire.Encode(msg)
	if err != nil {
		s.log.Warn("encode_failed", zap.Stringer("kind", msg.Kind), zap.Error(err))
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(wctx, websocket.MessageText, b); err != nil {
		s.log.Debug("client_write_failed", zap.Stringer("kind", msg.Kind), zap.Error(err))
	}
}

func (s *Session) closeSocket(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(code, reason); err != nil {
			s.log.Debug("socket_close", zap.Error(err))
		}
	})
}

func (s *Session) record() registry.Record {
	rec := registry.Record{
		ID:         s.ID,
		RemoteAddr: s.RemoteAddr,
		StartedAt:  s.StartedAt,
		Commands:   s.commands.Load(),
		Messages:   s.messages.Load(),
	}
	if s.proc != nil {
		rec.PID = s.proc.PID()
	}
	return rec
}

func (s *Session) register(ctx context.Context) {
	if s.reg == nil {
		return
	}
	if err := s.reg.Register(ctx, s.record()); err != nil {
		s.log.Warn("registry_register_failed", zap.Error(err))
	}
}

func (s *Session) keepAlive(ctx context.Context) {
	if s.reg == nil || s.touchDur <= 0 {
		return
	}
	t := time.NewTicker(s.touchDur)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.reg.Register(ctx, s.record()); err != nil {
				s.log.Debug("registry_touch_failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) unregister() {
	if s.reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.reg.Remove(ctx, s.ID); err != nil {
		s.log.Warn("registry_remove_failed", zap.Error(err))
	}
}

// Close tears the session down from outside, e.g. on server shutdown. The
// read loop sees the closed socket and kills the engine.
func (s *Session) Close() {
	s.closeSocket(websocket.StatusGoingAway, "server shutting down")
}
