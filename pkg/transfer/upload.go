package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/go-git/go-billy/v5"

	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

// Upload receives a file from the client into the work directory
type Upload struct {
	fs billy.Filesystem
}

// Kind returns the upload task kind
func (u *Upload) Kind() types.TaskKind {
	return types.TaskUpload
}

// Run receives the file header, the data chunks and acknowledges the result
func (u *Upload) Run(ctx context.Context, s worker.Session) error {
	s.Report(types.StageHandshake, 0, "waiting for file header")

	var header types.FileHeader
	if err := nextJSON(s, &header); err != nil {
		return err
	}
	name, err := CleanName(header.Name)
	if err != nil {
		_ = sendJSON(s, types.Ack{OK: false, Message: err.Error()})
		return err
	}
	if header.Size < 0 {
		_ = sendJSON(s, types.Ack{OK: false, Message: "negative size"})
		return fmt.Errorf("%w: negative size", ErrProtocol)
	}

	partial := name + ".part"
	f, err := u.fs.Create(partial)
	if err != nil {
		_ = sendJSON(s, types.Ack{OK: false, Message: "cannot create file"})
		return storage(err)
	}
	if err := sendJSON(s, types.Ack{OK: true}); err != nil {
		f.Close()
		_ = u.fs.Remove(partial)
		return err
	}

	hash := sha256.New()
	received, err := receiveChunks(ctx, s, f, hash, header.Size, name)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = storage(cerr)
	}
	if err == nil && header.SHA256 != "" && hex.EncodeToString(hash.Sum(nil)) != header.SHA256 {
		err = ErrChecksum
	}
	if err != nil {
		_ = u.fs.Remove(partial)
		_ = sendJSON(s, types.Ack{OK: false, Message: err.Error()})
		return err
	}

	if err := u.fs.Rename(partial, name); err != nil {
		_ = u.fs.Remove(partial)
		return storage(err)
	}

	s.Report(types.StageTransfer, 100, fmt.Sprintf("received %s (%d bytes)", name, received))
	return sendJSON(s, types.Ack{OK: true, Message: "received"})
}

type writer interface {
	Write(p []byte) (int, error)
}

// receiveChunks copies size bytes of data messages into f and hash
func receiveChunks(ctx context.Context, s worker.Session, f, hash writer, size int64, name string) (int64, error) {
	var received int64
	for received < size {
		if !s.Working() || ctx.Err() != nil {
			return received, worker.ErrStopped
		}
		chunk, err := s.Next()
		if err != nil {
			return received, err
		}
		if received+int64(len(chunk)) > size {
			return received, fmt.Errorf("%w: more than %d bytes", ErrProtocol, size)
		}
		if _, err := f.Write(chunk); err != nil {
			return received, storage(err)
		}
		hash.Write(chunk)
		received += int64(len(chunk))
		s.Report(types.StageTransfer, Percent(received, size), "receiving "+name)
	}
	return received, nil
}
