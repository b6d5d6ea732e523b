package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/cuemby/beedrive/pkg/pipeline"
	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

// DefaultChunkSize is the payload size of one data message
const DefaultChunkSize = 1024 * 1024

var (
	// ErrUnknownTask is returned for a task kind with no waiter
	ErrUnknownTask = errors.New("unknown task kind")

	// ErrInvalidName is returned for file names escaping the work directory
	ErrInvalidName = errors.New("invalid file name")

	// ErrChecksum is returned when the received file does not match its digest
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", pipeline.ErrIntegrity)

	// ErrRejected is returned when the peer declines a transfer
	ErrRejected = errors.New("transfer rejected by peer")

	// ErrProtocol is returned when the peer sends more data than announced
	ErrProtocol = errors.New("transfer protocol violation")
)

// NewTask builds the waiter for kind, rooted at fs
func NewTask(kind types.TaskKind, fs billy.Filesystem, chunkSize int) (worker.Task, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	switch kind {
	case types.TaskUpload:
		return &Upload{fs: fs}, nil
	case types.TaskDownload:
		return &Download{fs: fs, chunkSize: chunkSize}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTask, kind)
}

// CleanName validates a client supplied file name
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return cleaned, nil
}

// Percent returns done as a share of total, clamped to 0..100
func Percent(done, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(done * 100 / total)
	return max(0, min(p, 100))
}

func sendJSON(s worker.Session, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(data)
}

func nextJSON(s worker.Session, v any) error {
	data, err := s.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

func storage(err error) error {
	return fmt.Errorf("%w: %w", worker.ErrStorage, err)
}
