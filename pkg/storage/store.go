package storage

import (
	"errors"
	"time"

	"github.com/cuemby/beedrive/pkg/types"
)

// ErrNotFound is returned when no record exists for a UUID
var ErrNotFound = errors.New("transfer record not found")

// Store defines the interface for transfer history storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Transfers
	PutTransfer(rec *types.TransferRecord) error
	GetTransfer(uuid string) (*types.TransferRecord, error)
	ListTransfers() ([]*types.TransferRecord, error)
	ListTransfersByUser(user string) ([]*types.TransferRecord, error)
	DeleteTransfer(uuid string) error
	Prune(before time.Time) (int, error)

	// Record satisfies manager.Recorder
	Record(rec *types.TransferRecord) error

	// Utility
	Close() error
}
