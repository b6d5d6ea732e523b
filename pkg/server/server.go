package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/cuemby/beedrive/pkg/channel"
	"github.com/cuemby/beedrive/pkg/client"
	"github.com/cuemby/beedrive/pkg/events"
	"github.com/cuemby/beedrive/pkg/log"
	"github.com/cuemby/beedrive/pkg/manager"
	"github.com/cuemby/beedrive/pkg/metrics"
	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

const (
	DefaultRetryInterval    = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxWorkers       = 4
	DefaultReplayWindow     = 2 * time.Minute
)

var (
	// ErrServerStopped is returned once Stop was called
	ErrServerStopped = errors.New("server stopped")

	// ErrNotStarted is returned by Run before Start
	ErrNotStarted = errors.New("server not started")

	// ErrNoUsers is returned by New for an empty user table
	ErrNoUsers = errors.New("no users configured")
)

// Config holds server configuration
type Config struct {
	Address string
	Name    string

	// Users maps a user name to its shared secret
	Users  map[string]string
	Crypto bool
	Sign   bool

	MaxManagers int
	MaxWorkers  int

	WorkDir   billy.Filesystem
	ChunkSize int
	Channel   channel.Config

	RetryInterval    time.Duration
	HandshakeTimeout time.Duration
	IOTimeout        time.Duration

	// ReplayWindow bounds the clock skew accepted on handshake times and
	// how long a seen nonce is remembered
	ReplayWindow time.Duration

	// Factory overrides the task built for each dispatched connection
	Factory  manager.Factory
	Recorder manager.Recorder
	Events   events.Publisher
	Reporter *log.Reporter

	// OnRetry is called every time dispatch waits for a free slot
	OnRetry func(retries int64)
}

// Server accepts client connections and dispatches them onto managers
type Server struct {
	cfg      Config
	card     types.IDCard
	reporter *log.Reporter

	listener net.Listener
	token    string
	replay   *replayGuard

	mu       sync.Mutex
	managers []*manager.Handle
	stopped  bool

	running  atomic.Bool
	serving  atomic.Bool
	retries  atomic.Int64
	stopping chan struct{}
	runDone  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. Call Start, then Run.
func New(cfg *Config) (*Server, error) {
	if len(cfg.Users) == 0 {
		return nil, ErrNoUsers
	}
	c := *cfg
	if c.MaxManagers <= 0 {
		c.MaxManagers = runtime.NumCPU()
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.Reporter == nil {
		c.Reporter = log.Nop()
	}
	if c.Name == "" {
		c.Name = "beedrive"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      c,
		card:     types.NewIDCard(c.Name, worker.HardwareAddr(), c.Crypto, c.Sign),
		reporter: c.Reporter.With("component", "server"),
		replay:   newReplayGuard(c.ReplayWindow),
		stopping: make(chan struct{}),
		runDone:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start binds the listening socket
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerStopped
	}
	if s.listener != nil {
		return nil
	}

	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}

	token := make([]byte, 32)
	if _, err := rand.Read(token); err != nil {
		lis.Close()
		return fmt.Errorf("failed to generate sentinel token: %w", err)
	}

	s.listener = lis
	s.token = hex.EncodeToString(token)
	s.running.Store(true)

	s.reporter.Logger().Info().
		Str("addr", lis.Addr().String()).
		Bool("crypto", s.cfg.Crypto).
		Bool("sign", s.cfg.Sign).
		Int("max_managers", s.cfg.MaxManagers).
		Int("max_workers", s.cfg.MaxWorkers).
		Msg("Server listening")
	return nil
}

// Addr returns the bound listening address
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Card returns the server identity sent in handshake replies
func (s *Server) Card() types.IDCard {
	return s.card
}

// Running reports whether the server accepts connections
func (s *Server) Running() bool {
	return s.running.Load()
}

// Retries returns how many times dispatch waited for a free slot
func (s *Server) Retries() int64 {
	return s.retries.Load()
}

// ManagerCount returns the number of live managers
func (s *Server) ManagerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.managers)
}

// Run accepts connections until the server is stopped. It returns nil on
// a requested shutdown.
func (s *Server) Run() error {
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis == nil {
		return ErrNotStarted
	}
	if !s.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}
	defer close(s.runDone)
	defer lis.Close()

	for s.running.Load() {
		conn, err := lis.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.reporter.Logger().Warn().Err(err).Msg("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		metrics.ConnectionsAccepted.Inc()

		if exit := s.serve(conn); exit {
			break
		}
	}

	s.reporter.Logger().Info().Msg("Server stopped accepting")
	return nil
}

// serve authenticates conn and dispatches it. It reports whether the
// accept loop must exit.
func (s *Server) serve(conn net.Conn) bool {
	hs, err := s.handshake(conn)
	if err != nil {
		s.reporter.Logger().Warn().
			Err(err).
			Str("peer", conn.RemoteAddr().String()).
			Msg("Handshake failed")
		conn.Close()
		return !s.running.Load()
	}

	if hs.Task == types.TaskExist {
		conn.Close()
		s.reporter.Info("Received exist sentinel")
		return true
	}

	d := manager.Dispatch{
		Conn:   conn,
		Peer:   hs.Card,
		User:   hs.User,
		Task:   hs.Task,
		Secret: s.cfg.Users[hs.User],
	}
	id, err := s.addNewTask(s.ctx, d)
	if err != nil {
		if !errors.Is(err, ErrServerStopped) {
			s.reporter.Logger().Error().Err(err).Str("user", hs.User).Msg("Failed to dispatch connection")
		}
		conn.Close()
		return !s.running.Load()
	}

	s.reporter.Logger().Debug().
		Str("worker_id", id).
		Str("user", hs.User).
		Str("task", string(hs.Task)).
		Msg("Connection dispatched")
	return false
}

// Stop stops every manager, unblocks the accept loop and waits for Run to
// return. It is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running.Store(false)
	close(s.stopping)
	managers := s.managers
	s.managers = nil
	lis := s.listener
	token := s.token
	s.mu.Unlock()

	defer s.cancel()
	defer s.reporter.Flush()

	var errs []error
	for _, h := range managers {
		if err := h.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("manager %s: %w", h.ID(), err))
		}
	}
	metrics.ManagersTotal.Set(0)

	if lis == nil {
		return errors.Join(errs...)
	}
	if !s.serving.Load() {
		lis.Close()
		return errors.Join(errs...)
	}

	if err := client.SendExist(ctx, loopback(lis.Addr()), token, s.cfg.HandshakeTimeout); err != nil {
		s.reporter.Logger().Debug().Err(err).Msg("Exist sentinel failed, closing listener")
		lis.Close()
	}

	select {
	case <-s.runDone:
	case <-ctx.Done():
		lis.Close()
		s.cancel()
		<-s.runDone
		errs = append(errs, ctx.Err())
	}

	s.reporter.Logger().Info().Int("managers", len(managers)).Msg("Server stopped")
	return errors.Join(errs...)
}

// UpdateStatus returns a snapshot of every live worker across managers
func (s *Server) UpdateStatus(ctx context.Context) ([]types.TaskStatus, error) {
	s.mu.Lock()
	managers := append([]*manager.Handle(nil), s.managers...)
	s.mu.Unlock()

	var statuses []types.TaskStatus
	for _, h := range managers {
		st, err := h.Update(ctx)
		if errors.Is(err, manager.ErrStopped) {
			continue
		}
		if err != nil {
			return statuses, fmt.Errorf("manager %s: %w", h.ID(), err)
		}
		statuses = append(statuses, st...)
	}

	s.reporter.Logger().Debug().
		Int("managers", len(managers)).
		Int("workers", len(statuses)).
		Msg("Status updated")
	return statuses, nil
}

// loopback rewrites an unspecified listen address to the loopback address
func loopback(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	ip := tcp.IP
	if ip == nil || ip.IsUnspecified() {
		if ip.To4() != nil || ip == nil {
			ip = net.IPv4(127, 0, 0, 1)
		} else {
			ip = net.IPv6loopback
		}
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(tcp.Port))
}
