package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"

	"github.com/cuemby/beedrive/pkg/channel"
	"github.com/cuemby/beedrive/pkg/log"
	"github.com/cuemby/beedrive/pkg/pipeline"
	"github.com/cuemby/beedrive/pkg/security"
	"github.com/cuemby/beedrive/pkg/transfer"
	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var (
	// ErrHandshakeRejected is returned when the server refuses the handshake
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrHandshakeProtocol is returned for a malformed handshake exchange
	ErrHandshakeProtocol = errors.New("handshake protocol violation")
)

// Config holds client configuration
type Config struct {
	Address string
	Name    string
	User    string
	Secret  string
	Crypto  bool
	Sign    bool

	Channel          channel.Config
	ChunkSize        int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	IOTimeout        time.Duration
	Reporter         *log.Reporter
}

// Client talks to a BeeDrive server. Each transfer uses its own connection.
type Client struct {
	cfg  Config
	card types.IDCard
}

// NewClient creates a new client
func NewClient(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Reporter == nil {
		cfg.Reporter = log.Nop()
	}
	return &Client{
		cfg:  cfg,
		card: types.NewIDCard(cfg.Name, worker.HardwareAddr(), cfg.Crypto, cfg.Sign),
	}
}

// Card returns the identity presented in every handshake
func (c *Client) Card() types.IDCard {
	return c.card
}

// Handshake dials the server and authenticates for task. On success the
// caller owns the returned connection.
func (c *Client) Handshake(ctx context.Context, task types.TaskKind) (net.Conn, types.IDCard, error) {
	conn, err := worker.Dial(ctx, c.cfg.Address, c.cfg.DialTimeout)
	if err != nil {
		return nil, types.IDCard{}, fmt.Errorf("failed to connect to %s: %w", c.cfg.Address, err)
	}

	reply, err := Exchange(conn, c.cfg.Channel, NewHandshake(c.card, c.cfg.User, task, c.cfg.Secret), c.cfg.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, types.IDCard{}, err
	}
	return conn, reply.Card, nil
}

// Upload sends the local file to the server, stored there as remote
func (c *Client) Upload(ctx context.Context, fs billy.Filesystem, local, remote string) (types.TaskStatus, error) {
	return c.run(ctx, transfer.NewSender(fs, local, remote, c.cfg.ChunkSize))
}

// Download fetches remote from the server into the local file
func (c *Client) Download(ctx context.Context, fs billy.Filesystem, remote, local string) (types.TaskStatus, error) {
	return c.run(ctx, transfer.NewReceiver(fs, remote, local))
}

func (c *Client) run(ctx context.Context, task worker.Task) (types.TaskStatus, error) {
	conn, server, err := c.Handshake(ctx, task.Kind())
	if err != nil {
		return types.TaskStatus{}, err
	}

	w := worker.New(&worker.Config{
		Name:      c.cfg.Name,
		Secret:    c.cfg.Secret,
		Crypto:    c.cfg.Crypto,
		Sign:      c.cfg.Sign,
		Conn:      conn,
		Peer:      server,
		User:      c.cfg.User,
		Task:      task,
		Channel:   c.cfg.Channel,
		IOTimeout: c.cfg.IOTimeout,
		Reporter:  c.cfg.Reporter,
	})
	if err := w.Run(ctx); err != nil {
		return w.Snapshot(), err
	}
	return w.Snapshot(), nil
}

// SendExist delivers the shutdown sentinel to a server listening on addr.
// token is the server's internal sentinel secret.
func SendExist(ctx context.Context, addr, token string, timeout time.Duration) error {
	conn, err := worker.Dial(ctx, addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	card := types.NewIDCard("exist", "", false, false)
	_, err = Exchange(conn, channel.Config{}, NewHandshake(card, "", types.TaskExist, token), timeout)
	return err
}

// NewHandshake builds a handshake for task with a fresh nonce and the
// current time, proven with secret
func NewHandshake(card types.IDCard, user string, task types.TaskKind, secret string) types.Handshake {
	hs := types.Handshake{
		Card:  card,
		User:  user,
		Task:  task,
		Nonce: uuid.NewString(),
		Time:  time.Now().Unix(),
	}
	hs.Proof = security.Proof(secret, hs.Challenge())
	return hs
}

// Exchange writes hs as the first clear frame on conn and reads the reply
func Exchange(conn net.Conn, cfg channel.Config, hs types.Handshake, timeout time.Duration) (types.HandshakeReply, error) {
	var reply types.HandshakeReply

	plain, err := pipeline.New(pipeline.Options{})
	if err != nil {
		return reply, err
	}
	ch := channel.New(conn, plain, plain, cfg)
	ch.SetTimeout(timeout)

	data, err := json.Marshal(hs)
	if err != nil {
		return reply, err
	}
	if err := ch.Send(data); err != nil {
		return reply, fmt.Errorf("failed to send handshake: %w", err)
	}

	msgs, err := ch.ReceiveMessages()
	if len(msgs) == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return reply, fmt.Errorf("failed to read handshake reply: %w", err)
	}
	if len(msgs) > 1 || len(ch.History()) > 0 {
		return reply, fmt.Errorf("%w: data after reply", ErrHandshakeProtocol)
	}
	if err := json.Unmarshal(msgs[0], &reply); err != nil {
		return reply, fmt.Errorf("%w: %v", ErrHandshakeProtocol, err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("%w: %s", ErrHandshakeRejected, reply.Message)
	}

	_ = conn.SetDeadline(time.Time{})
	return reply, nil
}
