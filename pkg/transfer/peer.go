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

// Sender is the client side of an upload: it pushes a local file to the
// server's work directory
type Sender struct {
	fs        billy.Filesystem
	local     string
	remote    string
	chunkSize int
}

// NewSender creates the upload task for local, stored remotely as remote
func NewSender(fs billy.Filesystem, local, remote string, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Sender{fs: fs, local: local, remote: remote, chunkSize: chunkSize}
}

// Kind returns the upload task kind
func (t *Sender) Kind() types.TaskKind {
	return types.TaskUpload
}

// Run announces the file, streams it and waits for the server verdict
func (t *Sender) Run(ctx context.Context, s worker.Session) error {
	header, err := describe(t.fs, t.local)
	if err != nil {
		return storage(err)
	}
	header.Name = t.remote

	s.Report(types.StageHandshake, 0, "announcing "+t.remote)
	if err := sendJSON(s, header); err != nil {
		return err
	}
	if err := expectAck(s); err != nil {
		return err
	}

	f, err := t.fs.Open(t.local)
	if err != nil {
		return storage(err)
	}
	defer f.Close()

	if _, err := sendChunks(ctx, s, f, t.chunkSize, header.Size, t.remote); err != nil {
		return err
	}
	if err := expectAck(s); err != nil {
		return err
	}
	s.Report(types.StageTransfer, 100, fmt.Sprintf("uploaded %s (%d bytes)", t.remote, header.Size))
	return nil
}

// Receiver is the client side of a download: it fetches a file from the
// server's work directory into a local file
type Receiver struct {
	fs     billy.Filesystem
	remote string
	local  string
}

// NewReceiver creates the download task for remote, written locally as local
func NewReceiver(fs billy.Filesystem, remote, local string) *Receiver {
	return &Receiver{fs: fs, remote: remote, local: local}
}

// Kind returns the download task kind
func (t *Receiver) Kind() types.TaskKind {
	return types.TaskDownload
}

// Run requests the file, stores its chunks and acknowledges the digest
func (t *Receiver) Run(ctx context.Context, s worker.Session) error {
	s.Report(types.StageHandshake, 0, "requesting "+t.remote)
	if err := sendJSON(s, types.FileHeader{Name: t.remote}); err != nil {
		return err
	}
	if err := expectAck(s); err != nil {
		return err
	}

	var header types.FileHeader
	if err := nextJSON(s, &header); err != nil {
		return err
	}
	if header.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrProtocol)
	}

	partial := t.local + ".part"
	f, err := t.fs.Create(partial)
	if err != nil {
		return storage(err)
	}

	hash := sha256.New()
	_, err = receiveChunks(ctx, s, f, hash, header.Size, t.remote)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = storage(cerr)
	}
	if err == nil && header.SHA256 != "" && hex.EncodeToString(hash.Sum(nil)) != header.SHA256 {
		err = ErrChecksum
	}
	if err == nil {
		if rerr := t.fs.Rename(partial, t.local); rerr != nil {
			err = storage(rerr)
		}
	}
	if err != nil {
		_ = t.fs.Remove(partial)
		_ = sendJSON(s, types.Ack{OK: false, Message: err.Error()})
		return err
	}

	s.Report(types.StageTransfer, 100, fmt.Sprintf("downloaded %s (%d bytes)", t.remote, header.Size))
	return sendJSON(s, types.Ack{OK: true, Message: "received"})
}

func expectAck(s worker.Session) error {
	var ack types.Ack
	if err := nextJSON(s, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}
	return nil
}
