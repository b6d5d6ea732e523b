package types

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// IDCard is the immutable identity of a worker or client
type IDCard struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	MAC    string `json:"mac"`
	Crypto bool   `json:"crypto"`
	Sign   bool   `json:"sign"`
}

// NewIDCard creates a card with a freshly generated UUID
func NewIDCard(name, mac string, crypto, sign bool) IDCard {
	return IDCard{
		UUID:   uuid.NewString(),
		Name:   name,
		MAC:    mac,
		Crypto: crypto,
		Sign:   sign,
	}
}

// Code returns the identity code used as the source token of proxy frames
func (c IDCard) Code() string {
	return c.UUID
}

// TaskKind is the transfer requested by a client in its handshake
type TaskKind string

const (
	TaskUpload   TaskKind = "upload"
	TaskDownload TaskKind = "download"

	// TaskExist is the internal sentinel used to unblock a parked accept call
	TaskExist TaskKind = "exist"
)

// Valid reports whether the kind names a dispatchable transfer
func (k TaskKind) Valid() bool {
	return k == TaskUpload || k == TaskDownload
}

// Stage is the lifecycle stage of a worker
type Stage string

const (
	StageInit      Stage = "init"
	StageActive    Stage = "active"
	StageHandshake Stage = "handshake"
	StageTransfer  Stage = "transfer"
	StageDone      Stage = "done"
	StageStopped   Stage = "stopped"
	StageError     Stage = "error"
)

// Terminal reports whether no further transitions follow the stage
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageStopped || s == StageError
}

// TaskStatus is one row of a manager status snapshot
type TaskStatus struct {
	UUID    string   `json:"uuid"`
	Kind    TaskKind `json:"kind"`
	Stage   Stage    `json:"stage"`
	Percent int      `json:"percent"`
	Message string   `json:"message"`
}

// Handshake is the first frame of every connection. Nonce and Time are
// fresh per connection and covered by Proof.
type Handshake struct {
	Card  IDCard   `json:"card"`
	User  string   `json:"user"`
	Task  TaskKind `json:"task"`
	Nonce string   `json:"nonce"`
	Time  int64    `json:"time"`
	Proof string   `json:"proof"`
}

// Challenge returns the string the handshake proof is computed over
func (h Handshake) Challenge() string {
	return h.Card.UUID + ":" + h.Nonce + ":" + strconv.FormatInt(h.Time, 10)
}

// HandshakeReply answers a handshake before the worker takes over
type HandshakeReply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Card    IDCard `json:"card"`
}

// FileHeader describes the file moved by a transfer
type FileHeader struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Ack closes a transfer step
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// TransferRecord is the persisted terminal state of one worker
type TransferRecord struct {
	UUID       string    `json:"uuid"`
	Name       string    `json:"name"`
	User       string    `json:"user"`
	Peer       string    `json:"peer"`
	Kind       TaskKind  `json:"kind"`
	Stage      Stage     `json:"stage"`
	Message    string    `json:"message"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Severity   int       `json:"severity"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
