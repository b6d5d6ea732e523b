package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/beedrive/pkg/channel"
	"github.com/cuemby/beedrive/pkg/events"
	"github.com/cuemby/beedrive/pkg/metrics"
	"github.com/cuemby/beedrive/pkg/pipeline"
	"github.com/cuemby/beedrive/pkg/security"
	"github.com/cuemby/beedrive/pkg/types"
)

var (
	// ErrAuthFailed is returned for an unknown user or a bad proof
	ErrAuthFailed = errors.New("authentication failed")

	// ErrPolicyMismatch is returned when the client card disagrees with the
	// server crypto or sign policy
	ErrPolicyMismatch = errors.New("security policy mismatch")

	// ErrBadHandshake is returned for an unreadable handshake frame
	ErrBadHandshake = errors.New("malformed handshake")

	// ErrReplay is returned for a stale handshake or a reused nonce
	ErrReplay = errors.New("handshake replayed")
)

// handshake reads and verifies the opening frame of conn and replies to
// it. On error the reply, if any, has already been sent.
func (s *Server) handshake(conn net.Conn) (types.Handshake, error) {
	var hs types.Handshake

	// Stop unblocks a client that never sends its handshake
	release := context.AfterFunc(s.ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer release()

	plain, err := pipeline.New(pipeline.Options{})
	if err != nil {
		return hs, err
	}
	ch := channel.New(conn, plain, plain, s.cfg.Channel)
	ch.SetTimeout(s.cfg.HandshakeTimeout)

	msgs, err := ch.ReceiveMessages()
	if len(msgs) == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		metrics.HandshakeFailures.WithLabelValues("read").Inc()
		return hs, fmt.Errorf("failed to read handshake: %w", err)
	}
	if len(msgs) > 1 || len(ch.History()) > 0 {
		return hs, s.reject(ch, "protocol", fmt.Errorf("%w: data before reply", ErrBadHandshake))
	}
	if err := json.Unmarshal(msgs[0], &hs); err != nil {
		return hs, s.reject(ch, "protocol", fmt.Errorf("%w: %v", ErrBadHandshake, err))
	}
	if hs.Card.UUID == "" {
		return hs, s.reject(ch, "protocol", fmt.Errorf("%w: missing card", ErrBadHandshake))
	}

	if hs.Task == types.TaskExist {
		if !isLoopback(conn.RemoteAddr()) || !security.VerifyProof(s.token, hs.Challenge(), hs.Proof) {
			return hs, s.reject(ch, "sentinel", fmt.Errorf("%w: invalid exist sentinel", ErrAuthFailed))
		}
		if err := s.replay.admit(hs, time.Now()); err != nil {
			return hs, s.reject(ch, "replay", err)
		}
		return hs, s.accept(ch)
	}

	secret, ok := s.cfg.Users[hs.User]
	if !ok || !security.VerifyProof(secret, hs.Challenge(), hs.Proof) {
		return hs, s.reject(ch, "auth", fmt.Errorf("%w: user %q", ErrAuthFailed, hs.User))
	}
	// Checked after the proof so unauthenticated frames never enter the cache
	if err := s.replay.admit(hs, time.Now()); err != nil {
		return hs, s.reject(ch, "replay", err)
	}
	if !hs.Task.Valid() {
		return hs, s.reject(ch, "task", fmt.Errorf("%w: unknown task %q", ErrBadHandshake, hs.Task))
	}
	if hs.Card.Crypto != s.cfg.Crypto || hs.Card.Sign != s.cfg.Sign {
		return hs, s.reject(ch, "policy", fmt.Errorf("%w: crypto=%t sign=%t", ErrPolicyMismatch, hs.Card.Crypto, hs.Card.Sign))
	}
	return hs, s.accept(ch)
}

func (s *Server) accept(ch *channel.Channel) error {
	if err := s.reply(ch, types.HandshakeReply{OK: true, Card: s.card}); err != nil {
		return err
	}
	return ch.Conn().SetDeadline(time.Time{})
}

// reject replies with the failure and returns cause
func (s *Server) reject(ch *channel.Channel, reason string, cause error) error {
	metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	if s.cfg.Events != nil {
		s.cfg.Events.Publish(&events.Event{
			Type:    events.EventHandshakeRejected,
			Message: cause.Error(),
			Metadata: map[string]string{
				"reason": reason,
				"peer":   ch.Conn().RemoteAddr().String(),
			},
		})
	}
	_ = s.reply(ch, types.HandshakeReply{OK: false, Message: cause.Error()})
	return cause
}

func (s *Server) reply(ch *channel.Channel, r types.HandshakeReply) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return ch.Send(data)
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}
