package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"

	"github.com/cuemby/beedrive/pkg/channel"
	"github.com/cuemby/beedrive/pkg/events"
	"github.com/cuemby/beedrive/pkg/log"
	"github.com/cuemby/beedrive/pkg/metrics"
	"github.com/cuemby/beedrive/pkg/transfer"
	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

var (
	// ErrFull is returned by NewTask when the pool has no free slot
	ErrFull = errors.New("manager pool is full")

	// ErrNotFound is returned by KillTask for an unknown worker
	ErrNotFound = errors.New("worker not found")

	// ErrStopped is returned by every call once the manager has exited
	ErrStopped = errors.New("manager stopped")
)

// Factory builds the task run by a dispatched worker
type Factory func(kind types.TaskKind) (worker.Task, error)

// Recorder receives the terminal state of every worker
type Recorder interface {
	Record(rec *types.TransferRecord) error
}

// Dispatch is one accepted, authenticated connection handed to a manager
type Dispatch struct {
	Conn   net.Conn
	Peer   types.IDCard
	User   string
	Task   types.TaskKind
	Secret string
}

// Config holds manager configuration
type Config struct {
	ID        string
	Name      string
	PoolSize  int
	Crypto    bool
	Sign      bool
	WorkDir   billy.Filesystem
	ChunkSize int
	Channel   channel.Config
	IOTimeout time.Duration
	Factory   Factory
	Recorder  Recorder
	Events    events.Publisher
	Reporter  *log.Reporter
}

// Manager supervises a bounded pool of workers from a single goroutine.
// Its state is only touched by that goroutine; callers go through Handle.
type Manager struct {
	id       string
	cfg      Config
	factory  Factory
	reporter *log.Reporter

	pool     map[string]*worker.Worker
	running  int
	requests chan request
	finished chan finished
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

type finished struct {
	worker *worker.Worker
	err    error
}

// Start launches a manager and returns the handle used to control it
func Start(cfg *Config) *Handle {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = log.Nop()
	}
	factory := cfg.Factory
	if factory == nil {
		fs, chunk := cfg.WorkDir, cfg.ChunkSize
		factory = func(kind types.TaskKind) (worker.Task, error) {
			return transfer.NewTask(kind, fs, chunk)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:       id,
		cfg:      *cfg,
		factory:  factory,
		reporter: reporter.With("manager_id", id),
		pool:     make(map[string]*worker.Worker, cfg.PoolSize),
		requests: make(chan request),
		finished: make(chan finished),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go m.serve()

	return &Handle{id: id, requests: m.requests, done: m.done}
}

func (m *Manager) serve() {
	defer close(m.done)
	defer m.cancel()

	m.reporter.Logger().Debug().Int("pool_size", m.cfg.PoolSize).Msg("Manager started")
	for {
		select {
		case req := <-m.requests:
			if m.handle(req) {
				m.reporter.Logger().Debug().Msg("Manager stopped")
				return
			}
		case f := <-m.finished:
			m.retire(f)
		}
	}
}

// handle answers one control request and reports whether the loop must exit
func (m *Manager) handle(req request) bool {
	switch r := req.(type) {
	case *isFullRequest:
		r.reply <- m.full()
	case *newTaskRequest:
		id, err := m.launch(r.dispatch)
		r.reply <- newTaskReply{uuid: id, err: err}
	case *killTaskRequest:
		r.reply <- m.kill(r.uuid)
	case *updateRequest:
		r.reply <- m.snapshot()
	case *stopRequest:
		m.drain()
		close(r.reply)
		return true
	default:
		panic(fmt.Sprintf("manager: unhandled request %T", req))
	}
	return false
}

// full counts killed workers until their goroutine has returned
func (m *Manager) full() bool {
	return m.running >= m.cfg.PoolSize
}

// launch registers a worker for d and starts it. On error the caller keeps
// ownership of the connection.
func (m *Manager) launch(d Dispatch) (string, error) {
	if m.full() {
		return "", ErrFull
	}
	task, err := m.factory(d.Task)
	if err != nil {
		return "", err
	}

	w := worker.New(&worker.Config{
		Name:      m.cfg.Name,
		Secret:    d.Secret,
		Crypto:    m.cfg.Crypto,
		Sign:      m.cfg.Sign,
		Conn:      d.Conn,
		Peer:      d.Peer,
		User:      d.User,
		Task:      task,
		Channel:   m.cfg.Channel,
		IOTimeout: m.cfg.IOTimeout,
		Reporter:  m.reporter,
	})
	id := w.Card().UUID
	m.pool[id] = w
	m.running++

	go func() {
		// Run recovers task panics, so finished is always sent
		err := w.Run(m.ctx)
		m.finished <- finished{worker: w, err: err}
	}()

	m.publish(events.EventTransferStarted, "transfer started", map[string]string{
		"worker_id": id,
		"kind":      string(d.Task),
		"user":      d.User,
	})
	m.reporter.Logger().Info().
		Str("worker_id", id).
		Str("task", string(d.Task)).
		Str("user", d.User).
		Str("peer", peerAddr(d.Conn)).
		Msg("Task launched")
	return id, nil
}

func peerAddr(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

func (m *Manager) kill(id string) error {
	w, ok := m.pool[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	w.Cancel()
	delete(m.pool, id)
	return nil
}

// retire removes a finished worker and records its terminal state
func (m *Manager) retire(f finished) {
	id := f.worker.Card().UUID
	if m.pool[id] == f.worker {
		delete(m.pool, id)
	}
	m.running--

	stage, _, msg := f.worker.Status()
	rec := &types.TransferRecord{
		UUID:       id,
		Name:       f.worker.Peer().Name,
		User:       f.worker.User(),
		Peer:       f.worker.RemoteAddr(),
		Kind:       f.worker.Kind(),
		Stage:      stage,
		Message:    msg,
		StartedAt:  f.worker.StartedAt(),
		FinishedAt: time.Now(),
	}
	result, event := "success", events.EventTransferCompleted
	if te := worker.Classify(f.err); te != nil {
		rec.ErrorKind = string(te.Kind)
		rec.Severity = te.Severity
		result, event = string(te.Kind), events.EventTransferFailed
		if te.Kind == worker.KindUserAbort {
			event = events.EventTransferStopped
		}
	}
	m.publish(event, msg, map[string]string{
		"worker_id": id,
		"kind":      string(rec.Kind),
		"user":      rec.User,
		"result":    result,
	})
	metrics.TransfersTotal.WithLabelValues(string(rec.Kind), result).Inc()
	metrics.TransferDuration.WithLabelValues(string(rec.Kind)).Observe(rec.FinishedAt.Sub(rec.StartedAt).Seconds())

	if m.cfg.Recorder != nil {
		if err := m.cfg.Recorder.Record(rec); err != nil {
			m.reporter.Logger().Warn().Err(err).Str("worker_id", id).Msg("Failed to record transfer")
		}
	}
}

func (m *Manager) publish(t events.EventType, msg string, meta map[string]string) {
	if m.cfg.Events == nil {
		return
	}
	meta["manager_id"] = m.id
	m.cfg.Events.Publish(&events.Event{Type: t, Message: msg, Metadata: meta})
}

// snapshot lists every live worker ordered by UUID
func (m *Manager) snapshot() []types.TaskStatus {
	statuses := make([]types.TaskStatus, 0, len(m.pool))
	for _, w := range m.pool {
		statuses = append(statuses, w.Snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].UUID < statuses[j].UUID
	})
	return statuses
}

// drain stops every worker and waits until all of them have finished
func (m *Manager) drain() {
	for _, w := range m.pool {
		w.Cancel()
	}
	m.cancel()
	for m.running > 0 {
		m.retire(<-m.finished)
	}
	m.reporter.Flush()
}
