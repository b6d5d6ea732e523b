package manager

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/beedrive/pkg/events"
	"github.com/cuemby/beedrive/pkg/transfer"
	"github.com/cuemby/beedrive/pkg/types"
	"github.com/cuemby/beedrive/pkg/worker"
)

type funcTask struct {
	kind types.TaskKind
	run  func(ctx context.Context, s worker.Session) error
}

func (f funcTask) Kind() types.TaskKind { return f.kind }

func (f funcTask) Run(ctx context.Context, s worker.Session) error { return f.run(ctx, s) }

// blockingFactory returns tasks that run until release is closed or the
// worker is cancelled
func blockingFactory(release <-chan struct{}) Factory {
	return func(kind types.TaskKind) (worker.Task, error) {
		return funcTask{kind: kind, run: func(ctx context.Context, s worker.Session) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}, nil
	}
}

type memRecorder struct {
	mu      sync.Mutex
	records []*types.TransferRecord
}

func (r *memRecorder) Record(rec *types.TransferRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) all() []*types.TransferRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.TransferRecord(nil), r.records...)
}

func dispatch(t *testing.T, kind types.TaskKind) Dispatch {
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return Dispatch{
		Conn: server,
		Peer: types.NewIDCard("client", "", false, false),
		User: "alice",
		Task: kind,
	}
}

func startManager(t *testing.T, cfg *Config) *Handle {
	h := Start(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func TestNewTaskFillsPool(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ctx := context.Background()

	h := startManager(t, &Config{Name: "m", PoolSize: 2, Factory: blockingFactory(release)})
	assert.NotEmpty(t, h.ID())

	full, err := h.IsFull(ctx)
	require.NoError(t, err)
	assert.False(t, full)

	first, err := h.NewTask(ctx, dispatch(t, types.TaskUpload))
	require.NoError(t, err)
	second, err := h.NewTask(ctx, dispatch(t, types.TaskDownload))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	full, err = h.IsFull(ctx)
	require.NoError(t, err)
	assert.True(t, full)

	_, err = h.NewTask(ctx, dispatch(t, types.TaskUpload))
	assert.ErrorIs(t, err, ErrFull)
}

func TestFinishedWorkerFreesSlot(t *testing.T) {
	release := make(chan struct{})
	rec := &memRecorder{}
	ctx := context.Background()

	h := startManager(t, &Config{PoolSize: 1, Factory: blockingFactory(release), Recorder: rec})
	id, err := h.NewTask(ctx, dispatch(t, types.TaskUpload))
	require.NoError(t, err)

	full, err := h.IsFull(ctx)
	require.NoError(t, err)
	require.True(t, full)

	close(release)
	require.Eventually(t, func() bool {
		full, err := h.IsFull(ctx)
		return err == nil && !full
	}, 2*time.Second, 10*time.Millisecond)

	records := rec.all()
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].UUID)
	assert.Equal(t, types.StageDone, records[0].Stage)
	assert.Equal(t, "alice", records[0].User)
	assert.Equal(t, "client", records[0].Name)
	assert.Empty(t, records[0].ErrorKind)
}

func TestUpdateIsSortedByUUID(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ctx := context.Background()

	h := startManager(t, &Config{PoolSize: 4, Factory: blockingFactory(release)})
	for i := 0; i < 4; i++ {
		_, err := h.NewTask(ctx, dispatch(t, types.TaskUpload))
		require.NoError(t, err)
	}

	statuses, err := h.Update(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 4)
	assert.True(t, sort.SliceIsSorted(statuses, func(i, j int) bool {
		return statuses[i].UUID < statuses[j].UUID
	}))
	for _, s := range statuses {
		assert.Equal(t, types.TaskUpload, s.Kind)
	}
}

func TestKillTask(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rec := &memRecorder{}
	ctx := context.Background()

	h := startManager(t, &Config{PoolSize: 1, Factory: blockingFactory(release), Recorder: rec})
	id, err := h.NewTask(ctx, dispatch(t, types.TaskUpload))
	require.NoError(t, err)

	assert.ErrorIs(t, h.KillTask(ctx, "missing"), ErrNotFound)
	require.NoError(t, h.KillTask(ctx, id))

	statuses, err := h.Update(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	r := rec.all()[0]
	assert.Equal(t, string(worker.KindUserAbort), r.ErrorKind)
	assert.Equal(t, types.StageStopped, r.Stage)
}

func TestKilledWorkerHoldsSlotUntilExit(t *testing.T) {
	release := make(chan struct{})
	rec := &memRecorder{}
	ctx := context.Background()

	// The task ignores cancellation, so it outlives KillTask
	stubborn := func(kind types.TaskKind) (worker.Task, error) {
		return funcTask{kind: kind, run: func(ctx context.Context, s worker.Session) error {
			<-release
			return nil
		}}, nil
	}
	h := startManager(t, &Config{PoolSize: 1, Factory: stubborn, Recorder: rec})

	id, err := h.NewTask(ctx, dispatch(t, types.TaskUpload))
	require.NoError(t, err)
	require.NoError(t, h.KillTask(ctx, id))

	full, err := h.IsFull(ctx)
	require.NoError(t, err)
	assert.True(t, full)
	_, err = h.NewTask(ctx, dispatch(t, types.TaskUpload))
	assert.ErrorIs(t, err, ErrFull)

	close(release)
	require.Eventually(t, func() bool {
		full, err := h.IsFull(ctx)
		return err == nil && !full
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, rec.all(), 1)

	_, err = h.NewTask(ctx, dispatch(t, types.TaskUpload))
	assert.NoError(t, err)
}

func TestUnknownTaskKeepsConnWithCaller(t *testing.T) {
	ctx := context.Background()
	h := startManager(t, &Config{PoolSize: 1, WorkDir: memfs.New()})

	d := dispatch(t, types.TaskKind("delete"))
	_, err := h.NewTask(ctx, d)
	assert.ErrorIs(t, err, transfer.ErrUnknownTask)

	full, err := h.IsFull(ctx)
	require.NoError(t, err)
	assert.False(t, full)

	// The rejected connection is still open
	require.NoError(t, d.Conn.SetDeadline(time.Now().Add(time.Second)))
	_ = d.Conn.Close()
}

func TestStopDrainsWorkers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rec := &memRecorder{}
	ctx := context.Background()

	h := Start(&Config{PoolSize: 3, Factory: blockingFactory(release), Recorder: rec})
	for i := 0; i < 3; i++ {
		_, err := h.NewTask(ctx, dispatch(t, types.TaskDownload))
		require.NoError(t, err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.Stop(stopCtx))

	select {
	case <-h.Done():
	default:
		t.Fatal("manager still running after Stop")
	}

	// Every worker was retired before Stop returned
	records := rec.all()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, types.StageStopped, r.Stage)
	}

	// Stop is idempotent and other calls report the exit
	assert.NoError(t, h.Stop(ctx))
	_, err := h.IsFull(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	_, err = h.NewTask(ctx, dispatch(t, types.TaskUpload))
	assert.ErrorIs(t, err, ErrStopped)
	_, err = h.Update(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRecorderErrorDoesNotStopManager(t *testing.T) {
	ctx := context.Background()
	h := startManager(t, &Config{
		PoolSize: 1,
		Factory: func(kind types.TaskKind) (worker.Task, error) {
			return funcTask{kind: kind, run: func(context.Context, worker.Session) error { return nil }}, nil
		},
		Recorder: failingRecorder{},
	})

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			_, err := h.NewTask(ctx, dispatch(t, types.TaskUpload))
			return err == nil
		}, 2*time.Second, 10*time.Millisecond)
	}
}

type failingRecorder struct{}

func (failingRecorder) Record(*types.TransferRecord) error { return errors.New("disk full") }

type memPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *memPublisher) Publish(ev *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *memPublisher) kinds() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.EventType
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestLifecycleEvents(t *testing.T) {
	release := make(chan struct{})
	pub := &memPublisher{}
	ctx := context.Background()

	h := startManager(t, &Config{PoolSize: 2, Factory: blockingFactory(release), Events: pub})
	done, err := h.NewTask(ctx, dispatch(t, types.TaskUpload))
	require.NoError(t, err)
	killed, err := h.NewTask(ctx, dispatch(t, types.TaskDownload))
	require.NoError(t, err)

	require.NoError(t, h.KillTask(ctx, killed))
	require.Eventually(t, func() bool { return len(pub.kinds()) == 3 }, 2*time.Second, 10*time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return len(pub.kinds()) == 4 }, 2*time.Second, 10*time.Millisecond)

	got := pub.kinds()
	assert.Equal(t, events.EventTransferStarted, got[0])
	assert.Equal(t, events.EventTransferStarted, got[1])
	assert.Equal(t, events.EventTransferStopped, got[2])
	assert.Equal(t, events.EventTransferCompleted, got[3])

	pub.mu.Lock()
	last := pub.events[3]
	pub.mu.Unlock()
	assert.Equal(t, done, last.Metadata["worker_id"])
	assert.Equal(t, h.ID(), last.Metadata["manager_id"])
	assert.Equal(t, "success", last.Metadata["result"])
}
