package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beedrive/pkg/channel"
	"github.com/cuemby/beedrive/pkg/pipeline"
	"github.com/cuemby/beedrive/pkg/security"
	"github.com/cuemby/beedrive/pkg/types"
)

// fakeServer answers one handshake on conn by writing the reply frames in
// a single write
func fakeServer(t *testing.T, conn net.Conn, check func(hs types.Handshake), replies ...[]byte) {
	t.Helper()
	plain, err := pipeline.New(pipeline.Options{})
	require.NoError(t, err)
	ch := channel.New(conn, plain, plain, channel.Config{})

	var wire []byte
	for _, r := range replies {
		frame, err := plain.Encode(r)
		require.NoError(t, err)
		wire = append(append(wire, frame...), channel.DefaultDelimiter...)
	}

	go func() {
		defer conn.Close()
		msg, err := ch.Receive()
		if err != nil {
			return
		}
		var hs types.Handshake
		if json.Unmarshal(msg, &hs) == nil && check != nil {
			check(hs)
		}
		_, _ = conn.Write(wire)
		// Hold the conn open until the client is done reading
		_, _ = ch.Receive()
	}()
}

func reply(t *testing.T, r types.HandshakeReply) []byte {
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return data
}

func TestExchangeAccepted(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	card := types.NewIDCard("laptop", "", true, true)
	server := types.NewIDCard("hive", "", true, true)
	seen := make(chan types.Handshake, 1)
	fakeServer(t, b, func(hs types.Handshake) { seen <- hs }, reply(t, types.HandshakeReply{OK: true, Card: server}))

	got, err := Exchange(a, channel.Config{}, NewHandshake(card, "alice", types.TaskUpload, "s3cret"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, server.UUID, got.Card.UUID)

	hs := <-seen
	assert.Equal(t, "alice", hs.User)
	assert.True(t, security.VerifyProof("s3cret", hs.Challenge(), hs.Proof))
	assert.False(t, security.VerifyProof("s3cret", card.UUID, hs.Proof))
}

func TestNewHandshakeIsFresh(t *testing.T) {
	card := types.NewIDCard("laptop", "", true, true)
	first := NewHandshake(card, "alice", types.TaskUpload, "s3cret")
	second := NewHandshake(card, "alice", types.TaskUpload, "s3cret")

	assert.NotEmpty(t, first.Nonce)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Proof, second.Proof)
	assert.InDelta(t, time.Now().Unix(), first.Time, 5)
}

func TestExchangeFailures(t *testing.T) {
	tests := []struct {
		name    string
		replies [][]byte
		target  error
	}{
		{"rejected", [][]byte{reply(t, types.HandshakeReply{OK: false, Message: "authentication failed"})}, ErrHandshakeRejected},
		{"garbage", [][]byte{[]byte("{")}, ErrHandshakeProtocol},
		{"two frames", [][]byte{reply(t, types.HandshakeReply{OK: true}), []byte("early")}, ErrHandshakeProtocol},
		{"no reply", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()
			if tt.replies == nil {
				go func() {
					buf := make([]byte, 1024)
					_, _ = b.Read(buf)
					b.Close()
				}()
			} else {
				fakeServer(t, b, nil, tt.replies...)
			}

			_, err := Exchange(a, channel.Config{}, types.Handshake{Card: types.NewIDCard("x", "", false, false)}, time.Second)
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestHandshakeDialFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	c := NewClient(Config{Address: addr, Name: "laptop", User: "alice", Secret: "s3cret", DialTimeout: time.Second})
	_, _, err = c.Handshake(context.Background(), types.TaskUpload)
	assert.Error(t, err)
	assert.NotEmpty(t, c.Card().UUID)
}
