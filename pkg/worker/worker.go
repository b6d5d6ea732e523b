package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/beedrive/pkg/channel"
	"github.com/cuemby/beedrive/pkg/log"
	"github.com/cuemby/beedrive/pkg/pipeline"
	"github.com/cuemby/beedrive/pkg/types"
)

var (
	// ErrPrecondition is returned when a worker is activated without a
	// socket, both pipelines, or an identity card
	ErrPrecondition = errors.New("worker precondition violated")

	// ErrStopped is returned by Next and Send once Stop was requested
	ErrStopped = errors.New("worker stopped")
)

// Task is the transfer logic driven by a worker
type Task interface {
	Kind() types.TaskKind
	Run(ctx context.Context, s Session) error
}

// Session is the view of a worker handed to its Task
type Session interface {
	// Send frames one message to the peer
	Send(payload []byte) error
	// Next returns the next whole message from the peer
	Next() ([]byte, error)
	// Working reports whether the task should keep going
	Working() bool
	// Report publishes task progress
	Report(stage types.Stage, percent int, msg string)
	// Peer returns the identity presented by the peer in its handshake
	Peer() types.IDCard
}

// Config holds worker configuration
type Config struct {
	Name   string
	Secret string
	Crypto bool
	Sign   bool

	// Conn is the accepted client socket. When nil, Activate dials Target.
	Conn   net.Conn
	Target string

	// Proxy re-addresses outgoing messages when this worker is a relay hop
	Proxy *pipeline.ProxyContext

	Peer      types.IDCard
	User      string
	Task      Task
	Channel   channel.Config
	IOTimeout time.Duration
	Reporter  *log.Reporter
}

// Worker owns one connection for its whole lifetime
type Worker struct {
	card   types.IDCard
	peer   types.IDCard
	user   string
	secret string
	target string
	proxy  *pipeline.ProxyContext
	task   Task

	chCfg     channel.Config
	ioTimeout time.Duration
	reporter  *log.Reporter

	mu       sync.Mutex
	conn     net.Conn
	remote   string
	ch       *channel.Channel
	sender   *pipeline.Pipeline
	receiver *pipeline.Pipeline
	cancel   context.CancelFunc

	pending    [][]byte
	pendingErr error

	alive atomic.Bool
	work  atomic.Bool

	statusMu  sync.RWMutex
	stage     types.Stage
	percent   int
	message   string
	startedAt time.Time
}

// New creates a worker in the init stage
func New(cfg *Config) *Worker {
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = log.Nop()
	}

	w := &Worker{
		card:      types.NewIDCard(cfg.Name, HardwareAddr(), cfg.Crypto, cfg.Sign),
		peer:      cfg.Peer,
		user:      cfg.User,
		secret:    cfg.Secret,
		target:    cfg.Target,
		proxy:     cfg.Proxy,
		task:      cfg.Task,
		chCfg:     cfg.Channel,
		ioTimeout: cfg.IOTimeout,
		conn:      cfg.Conn,
		stage:     types.StageInit,
		message:   string(types.StageInit),
		startedAt: time.Now(),
	}
	if cfg.Conn != nil {
		w.remote = cfg.Conn.RemoteAddr().String()
	}
	w.reporter = reporter.With("worker_id", w.card.UUID)
	w.work.Store(true)
	return w
}

// Card returns the worker identity
func (w *Worker) Card() types.IDCard { return w.card }

// Peer returns the identity of the connected client
func (w *Worker) Peer() types.IDCard { return w.peer }

// User returns the authenticated user name
func (w *Worker) User() string { return w.user }

// StartedAt returns the creation time
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Kind returns the task kind, empty when no task is set
func (w *Worker) Kind() types.TaskKind {
	if w.task == nil {
		return ""
	}
	return w.task.Kind()
}

// Alive reports whether the worker is ready to serve
func (w *Worker) Alive() bool { return w.alive.Load() }

// Working reports whether no stop has been requested
func (w *Worker) Working() bool { return w.work.Load() }

// RemoteAddr returns the peer address, kept after disconnect
func (w *Worker) RemoteAddr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remote
}

// Activate establishes socket, pipelines and channel, then marks the worker alive
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil && w.target != "" {
		conn, err := Dial(ctx, w.target, w.ioTimeout)
		if err != nil {
			return err
		}
		w.conn = conn
		w.remote = conn.RemoteAddr().String()
	}

	var err error
	if w.sender, err = pipeline.New(pipeline.Options{
		Secret: w.secret,
		Crypto: w.card.Crypto,
		Sign:   w.card.Sign,
		Proxy:  w.proxy,
	}); err != nil {
		return fmt.Errorf("failed to build send pipeline: %w", err)
	}
	if w.receiver, err = pipeline.New(pipeline.Options{
		Secret: w.secret,
		Crypto: w.card.Crypto,
		Sign:   w.card.Sign,
	}); err != nil {
		return fmt.Errorf("failed to build receive pipeline: %w", err)
	}

	if err := w.checkPreconditions(); err != nil {
		return err
	}

	w.ch = channel.New(w.conn, w.sender, w.receiver, w.chCfg)
	w.ch.SetTimeout(w.ioTimeout)
	w.alive.Store(true)
	w.Report(types.StageActive, 0, string(types.StageActive))
	return nil
}

func (w *Worker) checkPreconditions() error {
	switch {
	case w.conn == nil:
		return fmt.Errorf("%w: no socket", ErrPrecondition)
	case w.sender == nil || w.receiver == nil:
		return fmt.Errorf("%w: pipelines not built", ErrPrecondition)
	case w.card.UUID == "":
		return fmt.Errorf("%w: no identity card", ErrPrecondition)
	}
	return nil
}

// Run activates the worker if needed and drives its task. The returned
// error is already classified; the socket is released on every path.
func (w *Worker) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		err = w.exit(err)
	}()

	if !w.work.Load() {
		return ErrStopped
	}
	if !w.alive.Load() {
		if err := w.Activate(ctx); err != nil {
			return err
		}
	}
	if w.task == nil {
		return fmt.Errorf("%w: no task", ErrPrecondition)
	}

	w.mu.Lock()
	w.cancel = cancel
	conn := w.conn
	w.mu.Unlock()
	if !w.work.Load() {
		cancel()
	}

	// Unblock pending socket I/O as soon as the run is cancelled
	go func() {
		<-ctx.Done()
		_ = conn.SetDeadline(time.Now())
	}()

	return w.task.Run(ctx, w)
}

// exit classifies err once, reports it and releases the socket
func (w *Worker) exit(err error) error {
	defer w.Disconnect()

	stopped := !w.work.Load()
	if err == nil {
		if stopped {
			w.Report(types.StageStopped, w.progress(), string(types.StageStopped))
		} else {
			w.Report(types.StageDone, 100, string(types.StageDone))
		}
		return nil
	}

	if stopped && !errors.Is(err, ErrPrecondition) {
		err = fmt.Errorf("%w: %v", ErrStopped, err)
	}

	te := Classify(err)
	w.reporter.Error(fmt.Sprintf("%s: %v", te.Kind.Describe(), te.Err), te.Severity, w.card)
	w.reporter.Flush()

	if te.Kind == KindUserAbort {
		w.Report(types.StageStopped, w.progress(), te.Error())
	} else {
		w.Report(types.StageError, w.progress(), te.Error())
	}
	return te
}

// Stop asks the run loop to exit and unblocks its socket I/O
func (w *Worker) Stop() {
	if w.alive.Load() {
		w.work.Store(false)

		w.mu.Lock()
		if w.cancel != nil {
			w.cancel()
		}
		if w.conn != nil {
			_ = w.conn.SetDeadline(time.Now())
		}
		w.mu.Unlock()
	}
	w.reporter.Flush()
}

// Cancel marks the worker as not working even before activation, so a
// later Run returns immediately
func (w *Worker) Cancel() {
	w.work.Store(false)
	w.Stop()
}

// Disconnect shuts down and releases the socket. It is idempotent.
func (w *Worker) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		if tc, ok := w.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		_ = w.conn.Close()
		w.conn = nil
	}
	w.ch = nil
	w.alive.Store(false)
}

// Send frames one message to the peer
func (w *Worker) Send(payload []byte) error {
	if !w.work.Load() {
		return ErrStopped
	}
	ch := w.channel()
	if ch == nil {
		return channel.ErrNoConn
	}
	return ch.Send(payload)
}

// Next returns the next whole message from the peer. Messages delivered
// back-to-back by one receive are queued and handed out in order.
func (w *Worker) Next() ([]byte, error) {
	for len(w.pending) == 0 {
		if w.pendingErr != nil {
			err := w.pendingErr
			w.pendingErr = nil
			return nil, err
		}
		if !w.work.Load() {
			return nil, ErrStopped
		}
		ch := w.channel()
		if ch == nil {
			return nil, channel.ErrNoConn
		}
		msgs, err := ch.ReceiveMessages()
		w.pending = append(w.pending, msgs...)
		w.pendingErr = err
	}

	msg := w.pending[0]
	w.pending = w.pending[1:]
	return msg, nil
}

func (w *Worker) channel() *channel.Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// Report publishes task progress
func (w *Worker) Report(stage types.Stage, percent int, msg string) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.stage = stage
	w.percent = percent
	w.message = msg
}

// Status returns the current stage, progress percent and message
func (w *Worker) Status() (types.Stage, int, string) {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.stage, w.percent, w.message
}

func (w *Worker) progress() int {
	_, percent, _ := w.Status()
	return percent
}

// Snapshot returns the status row reported to the manager
func (w *Worker) Snapshot() types.TaskStatus {
	stage, percent, msg := w.Status()
	return types.TaskStatus{
		UUID:    w.card.UUID,
		Kind:    w.Kind(),
		Stage:   stage,
		Percent: percent,
		Message: msg,
	}
}
