package server

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/beedrive/pkg/events"
	"github.com/cuemby/beedrive/pkg/manager"
	"github.com/cuemby/beedrive/pkg/metrics"
)

// addNewTask hands d to the first manager with a free slot, growing the
// manager set up to MaxManagers. When every slot is taken it waits
// RetryInterval and scans again until a slot frees or the server stops.
func (s *Server) addNewTask(ctx context.Context, d manager.Dispatch) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	for {
		if !s.running.Load() {
			return "", ErrServerStopped
		}

		id, err := s.tryDispatch(ctx, d)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, manager.ErrFull) {
			return "", err
		}

		n := s.retries.Add(1)
		metrics.DispatchRetries.Inc()
		if s.cfg.OnRetry != nil {
			s.cfg.OnRetry(n)
		}
		s.reporter.Logger().Debug().Int64("retries", n).Msg("All managers full, waiting")

		select {
		case <-time.After(s.cfg.RetryInterval):
		case <-s.stopping:
			return "", ErrServerStopped
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// tryDispatch makes one first-fit pass. It returns manager.ErrFull when no
// slot is free and no manager can be added.
func (s *Server) tryDispatch(ctx context.Context, d manager.Dispatch) (string, error) {
	s.mu.Lock()
	managers := append([]*manager.Handle(nil), s.managers...)
	s.mu.Unlock()

	for _, h := range managers {
		full, err := h.IsFull(ctx)
		if err != nil || full {
			continue
		}
		id, err := h.NewTask(ctx, d)
		if errors.Is(err, manager.ErrFull) || errors.Is(err, manager.ErrStopped) {
			continue
		}
		return id, err
	}

	h := s.grow()
	if h == nil {
		return "", manager.ErrFull
	}
	return h.NewTask(ctx, d)
}

// grow starts a manager unless MaxManagers are already live
func (s *Server) grow() *manager.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || len(s.managers) >= s.cfg.MaxManagers {
		return nil
	}
	h := manager.Start(&manager.Config{
		Name:      s.cfg.Name,
		PoolSize:  s.cfg.MaxWorkers,
		Crypto:    s.cfg.Crypto,
		Sign:      s.cfg.Sign,
		WorkDir:   s.cfg.WorkDir,
		ChunkSize: s.cfg.ChunkSize,
		Channel:   s.cfg.Channel,
		IOTimeout: s.cfg.IOTimeout,
		Factory:   s.cfg.Factory,
		Recorder:  s.cfg.Recorder,
		Events:    s.cfg.Events,
		Reporter:  s.cfg.Reporter,
	})
	s.managers = append(s.managers, h)
	metrics.ManagersTotal.Set(float64(len(s.managers)))
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(&events.Event{
			Type:     events.EventManagerStarted,
			Message:  "manager started",
			Metadata: map[string]string{"manager_id": h.ID()},
		})
	}

	s.reporter.Logger().Info().
		Str("manager_id", h.ID()).
		Int("managers", len(s.managers)).
		Msg("Manager started")
	return h
}
