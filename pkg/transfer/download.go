package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"

	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

// Download sends a file from the work directory to the client
type Download struct {
	fs        billy.Filesystem
	chunkSize int
}

// Kind returns the download task kind
func (d *Download) Kind() types.TaskKind {
	return types.TaskDownload
}

// Run answers the requested file header and streams the file in chunks
func (d *Download) Run(ctx context.Context, s worker.Session) error {
	s.Report(types.StageHandshake, 0, "waiting for file request")

	var req types.FileHeader
	if err := nextJSON(s, &req); err != nil {
		return err
	}
	name, err := CleanName(req.Name)
	if err != nil {
		_ = sendJSON(s, types.Ack{OK: false, Message: err.Error()})
		return err
	}

	header, err := describe(d.fs, name)
	if err != nil {
		msg := "cannot read file"
		if errors.Is(err, os.ErrNotExist) {
			msg = "file not found"
		}
		_ = sendJSON(s, types.Ack{OK: false, Message: msg})
		return storage(err)
	}
	if err := sendJSON(s, types.Ack{OK: true}); err != nil {
		return err
	}
	if err := sendJSON(s, header); err != nil {
		return err
	}

	f, err := d.fs.Open(name)
	if err != nil {
		return storage(err)
	}
	defer f.Close()

	sent, err := sendChunks(ctx, s, f, d.chunkSize, header.Size, name)
	if err != nil {
		return err
	}

	var ack types.Ack
	if err := nextJSON(s, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Message)
	}
	s.Report(types.StageTransfer, 100, fmt.Sprintf("sent %s (%d bytes)", name, sent))
	return nil
}

// sendChunks streams size bytes of r as data messages of at most chunkSize
func sendChunks(ctx context.Context, s worker.Session, r io.Reader, chunkSize int, size int64, name string) (int64, error) {
	buf := make([]byte, chunkSize)
	var sent int64
	for sent < size {
		if !s.Working() || ctx.Err() != nil {
			return sent, worker.ErrStopped
		}
		n, err := r.Read(buf)
		if n > 0 {
			if serr := s.Send(buf[:n]); serr != nil {
				return sent, serr
			}
			sent += int64(n)
			s.Report(types.StageTransfer, Percent(sent, size), "sending "+name)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return sent, storage(err)
		}
	}
	if sent != size {
		return sent, storage(fmt.Errorf("%s changed during transfer", name))
	}
	return sent, nil
}

// describe returns the size and digest of a regular file in fs
func describe(fs billy.Filesystem, name string) (types.FileHeader, error) {
	info, err := fs.Stat(name)
	if err != nil {
		return types.FileHeader{}, err
	}
	if info.IsDir() {
		return types.FileHeader{}, &os.PathError{Op: "open", Path: name, Err: errors.New("is a directory")}
	}

	f, err := fs.Open(name)
	if err != nil {
		return types.FileHeader{}, err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return types.FileHeader{}, err
	}
	return types.FileHeader{
		Name:   name,
		Size:   info.Size(),
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}
