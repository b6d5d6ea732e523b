package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beedrive/pkg/pipeline"
	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

// fakeSession replays inbound messages and records outbound ones
type fakeSession struct {
	in      [][]byte
	out     [][]byte
	stopped bool
	stage   types.Stage
	percent int
}

func (f *fakeSession) Send(payload []byte) error {
	f.out = append(f.out, bytes.Clone(payload))
	return nil
}

func (f *fakeSession) Next() ([]byte, error) {
	if len(f.in) == 0 {
		return nil, io.EOF
	}
	msg := f.in[0]
	f.in = f.in[1:]
	return msg, nil
}

func (f *fakeSession) Working() bool { return !f.stopped }

func (f *fakeSession) Report(stage types.Stage, percent int, msg string) {
	f.stage = stage
	f.percent = percent
}

func (f *fakeSession) Peer() types.IDCard { return types.IDCard{Name: "peer"} }

func mustJSON(t *testing.T, v any) []byte {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func acks(t *testing.T, out [][]byte) []types.Ack {
	var result []types.Ack
	for _, msg := range out {
		var ack types.Ack
		if json.Unmarshal(msg, &ack) == nil {
			result = append(result, ack)
		}
	}
	return result
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestNewTask(t *testing.T) {
	fs := memfs.New()

	up, err := NewTask(types.TaskUpload, fs, 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskUpload, up.Kind())

	down, err := NewTask(types.TaskDownload, fs, 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDownload, down.Kind())
	assert.Equal(t, DefaultChunkSize, down.(*Download).chunkSize)

	_, err = NewTask(types.TaskExist, fs, 0)
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = NewTask("rsync", fs, 0)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "report.pdf", want: "report.pdf"},
		{name: "nested", input: "photos/2024/bee.jpg", want: "photos/2024/bee.jpg"},
		{name: "windows separators", input: `photos\bee.jpg`, want: "photos/bee.jpg"},
		{name: "dots inside name", input: "archive..tar", want: "archive..tar"},
		{name: "redundant segments", input: "a/./b//c", want: "a/b/c"},
		{name: "empty", input: "", wantErr: true},
		{name: "absolute", input: "/etc/passwd", wantErr: true},
		{name: "parent escape", input: "../secret", wantErr: true},
		{name: "hidden parent escape", input: "a/../../b", wantErr: true},
		{name: "dot", input: ".", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100, Percent(0, 0))
	assert.Equal(t, 0, Percent(0, 10))
	assert.Equal(t, 50, Percent(5, 10))
	assert.Equal(t, 100, Percent(20, 10))
}

func TestUpload(t *testing.T) {
	fs := memfs.New()
	content := []byte("the quick brown bee")

	s := &fakeSession{in: [][]byte{
		mustJSON(t, types.FileHeader{Name: "docs/bee.txt", Size: int64(len(content)), SHA256: digest(content)}),
		content[:8],
		content[8:],
	}}
	require.NoError(t, (&Upload{fs: fs}).Run(context.Background(), s))

	got, err := util.ReadFile(fs, "docs/bee.txt")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = fs.Stat("docs/bee.txt.part")
	assert.Error(t, err)

	result := acks(t, s.out)
	require.Len(t, result, 2)
	assert.True(t, result[0].OK)
	assert.True(t, result[1].OK)
	assert.Equal(t, 100, s.percent)
}

func TestUploadEmptyFile(t *testing.T) {
	fs := memfs.New()
	s := &fakeSession{in: [][]byte{mustJSON(t, types.FileHeader{Name: "empty", Size: 0})}}
	require.NoError(t, (&Upload{fs: fs}).Run(context.Background(), s))

	info, err := fs.Stat("empty")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestUploadChecksumMismatch(t *testing.T) {
	fs := memfs.New()
	s := &fakeSession{in: [][]byte{
		mustJSON(t, types.FileHeader{Name: "bee.txt", Size: 3, SHA256: digest([]byte("abc"))}),
		[]byte("abd"),
	}}

	err := (&Upload{fs: fs}).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrChecksum)
	assert.ErrorIs(t, err, pipeline.ErrIntegrity)
	assert.Equal(t, worker.KindIntegrity, worker.Classify(err).Kind)

	_, err = fs.Stat("bee.txt")
	assert.Error(t, err)
	_, err = fs.Stat("bee.txt.part")
	assert.Error(t, err)

	result := acks(t, s.out)
	require.Len(t, result, 2)
	assert.False(t, result[1].OK)
}

func TestUploadRejectsOversend(t *testing.T) {
	s := &fakeSession{in: [][]byte{
		mustJSON(t, types.FileHeader{Name: "bee.txt", Size: 2}),
		[]byte("toolong"),
	}}
	err := (&Upload{fs: memfs.New()}).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUploadRejectsBadName(t *testing.T) {
	s := &fakeSession{in: [][]byte{mustJSON(t, types.FileHeader{Name: "../etc/passwd", Size: 1})}}
	err := (&Upload{fs: memfs.New()}).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrInvalidName)

	result := acks(t, s.out)
	require.Len(t, result, 1)
	assert.False(t, result[0].OK)
}

func TestUploadRejectsGarbageHeader(t *testing.T) {
	s := &fakeSession{in: [][]byte{[]byte("not json")}}
	err := (&Upload{fs: memfs.New()}).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUploadStopsWhenCancelled(t *testing.T) {
	fs := memfs.New()
	s := &fakeSession{in: [][]byte{mustJSON(t, types.FileHeader{Name: "bee.txt", Size: 10})}, stopped: true}

	err := (&Upload{fs: fs}).Run(context.Background(), s)
	assert.ErrorIs(t, err, worker.ErrStopped)
	_, err = fs.Stat("bee.txt.part")
	assert.Error(t, err)
}

func TestUploadPeerClosedMidTransfer(t *testing.T) {
	s := &fakeSession{in: [][]byte{
		mustJSON(t, types.FileHeader{Name: "bee.txt", Size: 10}),
		[]byte("half"),
	}}
	err := (&Upload{fs: memfs.New()}).Run(context.Background(), s)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, worker.KindReset, worker.Classify(err).Kind)
}

func TestDownload(t *testing.T) {
	fs := memfs.New()
	content := []byte("honey comb payload")
	require.NoError(t, util.WriteFile(fs, "hive/comb.bin", content, 0o644))

	s := &fakeSession{in: [][]byte{
		mustJSON(t, types.FileHeader{Name: "hive/comb.bin"}),
		mustJSON(t, types.Ack{OK: true}),
	}}
	require.NoError(t, (&Download{fs: fs, chunkSize: 4}).Run(context.Background(), s))

	require.GreaterOrEqual(t, len(s.out), 3)
	var ack types.Ack
	require.NoError(t, json.Unmarshal(s.out[0], &ack))
	assert.True(t, ack.OK)

	var header types.FileHeader
	require.NoError(t, json.Unmarshal(s.out[1], &header))
	assert.Equal(t, int64(len(content)), header.Size)
	assert.Equal(t, digest(content), header.SHA256)

	assert.Equal(t, content, bytes.Join(s.out[2:], nil))
	for _, chunk := range s.out[2:] {
		assert.LessOrEqual(t, len(chunk), 4)
	}
	assert.Equal(t, 100, s.percent)
}

func TestDownloadMissingFile(t *testing.T) {
	s := &fakeSession{in: [][]byte{mustJSON(t, types.FileHeader{Name: "ghost.bin"})}}
	err := (&Download{fs: memfs.New(), chunkSize: 4}).Run(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, worker.KindStorage, worker.Classify(err).Kind)

	result := acks(t, s.out)
	require.Len(t, result, 1)
	assert.False(t, result[0].OK)
	assert.Equal(t, "file not found", result[0].Message)
}

func TestDownloadRejectedByPeer(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "comb.bin", []byte("data"), 0o644))

	s := &fakeSession{in: [][]byte{
		mustJSON(t, types.FileHeader{Name: "comb.bin"}),
		mustJSON(t, types.Ack{OK: false, Message: "disk full"}),
	}}
	err := (&Download{fs: fs, chunkSize: 4}).Run(context.Background(), s)
	assert.ErrorIs(t, err, ErrRejected)
}
