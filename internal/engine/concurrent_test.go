package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgdae/walk/internal/tracer"
	"github.com/cgdae/walk/internal/walkfile"
)

// touchBackend writes one file per command so every run has a recordable
// output. The artificial delay makes completion order diverge from
// submission order under a wide pool.
func touchBackend(dir string, delay time.Duration) *fakeBackend {
	var n atomic.Int64
	f := &fakeBackend{}
	f.fn = func(b *tracer.Builder) (int, error) {
		time.Sleep(delay)
		path := filepath.Join(dir, fmt.Sprintf("out-%d", n.Add(1)))
		if err := os.WriteFile(path, []byte("x"), 0o666); err != nil {
			return 1, nil
		}
		b.Add(tracer.Event{Op: tracer.OpOpen, Path: path, Write: true})
		return 0, nil
	}
	return f
}

func TestConcurrent_FIFODequeue(t *testing.T) {
	dir := t.TempDir()
	backend := touchBackend(dir, 0)
	eng := newTestEngine(t, backend)
	pool := NewConcurrent(eng, 1)
	defer pool.End()

	const n = 8
	for i := 0; i < n; i++ {
		req := Request{
			Command:  fmt.Sprintf("task %d", i),
			WalkPath: filepath.Join(dir, fmt.Sprintf("t%d.walk", i)),
			Force:    ForceAlways,
		}
		require.NoError(t, pool.System(context.Background(), req))
	}
	require.NoError(t, pool.Join())

	calls := backend.commands()
	require.Len(t, calls, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("task %d", i), calls[i])
	}
}

func TestConcurrent_BarrierCompletesAll(t *testing.T) {
	dir := t.TempDir()
	backend := touchBackend(dir, 5*time.Millisecond)
	eng := newTestEngine(t, backend)
	pool := NewConcurrent(eng, 3)
	defer pool.End()

	const n = 10
	for i := 0; i < n; i++ {
		req := Request{
			Command:  fmt.Sprintf("task %d", i),
			WalkPath: filepath.Join(dir, fmt.Sprintf("t%d.walk", i)),
		}
		require.NoError(t, pool.System(context.Background(), req))
	}
	require.NoError(t, pool.Join())

	assert.Equal(t, n, backend.callCount())
	for i := 0; i < n; i++ {
		rec, err := walkfile.ReadRecord(filepath.Join(dir, fmt.Sprintf("t%d.walk", i)))
		require.NoError(t, err)
		assert.NotEmpty(t, rec.Accesses)
	}
}

func TestConcurrent_SubmitAfterJoin(t *testing.T) {
	dir := t.TempDir()
	backend := touchBackend(dir, 0)
	eng := newTestEngine(t, backend)
	pool := NewConcurrent(eng, 2)
	defer pool.End()

	req := func(name string) Request {
		return Request{Command: name, WalkPath: filepath.Join(dir, name+".walk"), Force: ForceAlways}
	}
	require.NoError(t, pool.System(context.Background(), req("one")))
	require.NoError(t, pool.Join())
	require.NoError(t, pool.System(context.Background(), req("two")))
	require.NoError(t, pool.Join())

	assert.Equal(t, 2, backend.callCount())
}

func failingBackend(exit int) *fakeBackend {
	return &fakeBackend{fn: func(b *tracer.Builder) (int, error) { return exit, nil }}
}

func TestConcurrent_AggregatesFailures(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, failingBackend(3))
	pool := NewConcurrent(eng, 2, KeepGoing())
	defer pool.End()

	for i := 0; i < 2; i++ {
		req := Request{
			Command:  fmt.Sprintf("bad %d", i),
			WalkPath: filepath.Join(dir, fmt.Sprintf("b%d.walk", i)),
		}
		require.NoError(t, pool.System(context.Background(), req))
	}

	err := pool.Join()
	require.Error(t, err)
	var ce *CommandError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Exit)

	assert.Len(t, pool.Errors(), 2)
	assert.NoError(t, pool.Join(), "drained failures do not resurface")
}

func TestConcurrent_FailFastBlocksNewWork(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, failingBackend(1))
	pool := NewConcurrent(eng, 1)
	defer pool.End()

	req := Request{Command: "bad", WalkPath: filepath.Join(dir, "b.walk")}
	require.NoError(t, pool.System(context.Background(), req))
	require.Error(t, pool.Join())

	err := pool.System(context.Background(), Request{Command: "next", WalkPath: filepath.Join(dir, "n.walk")})
	assert.Error(t, err, "an accumulated failure rejects new submissions")
}

func TestConcurrent_KeepGoingSchedulesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, failingBackend(1))
	pool := NewConcurrent(eng, 1, KeepGoing())
	defer pool.End()

	for i := 0; i < 3; i++ {
		req := Request{
			Command:  fmt.Sprintf("bad %d", i),
			WalkPath: filepath.Join(dir, fmt.Sprintf("b%d.walk", i)),
		}
		require.NoError(t, pool.System(context.Background(), req))
	}
	err := pool.End()
	require.Error(t, err)
	assert.Len(t, pool.Errors(), 3)
}

func TestConcurrent_EngineErrorsAggregate(t *testing.T) {
	dir := t.TempDir()
	backend := &fakeBackend{fn: func(b *tracer.Builder) (int, error) { return 0, assert.AnError }}
	eng := newTestEngine(t, backend)
	pool := NewConcurrent(eng, 1, KeepGoing())
	defer pool.End()

	req := Request{Command: "x", WalkPath: filepath.Join(dir, "x.walk")}
	require.NoError(t, pool.System(context.Background(), req))

	err := pool.Join()
	require.Error(t, err)
	assert.True(t, IsEngine(err))
}

func TestConcurrent_ZeroWidthRunsInline(t *testing.T) {
	dir := t.TempDir()
	backend := touchBackend(dir, 0)
	eng := newTestEngine(t, backend)
	pool := NewConcurrent(eng, 0)

	req := Request{Command: "inline", WalkPath: filepath.Join(dir, "i.walk")}
	require.NoError(t, pool.System(context.Background(), req))
	assert.Equal(t, 1, backend.callCount(), "ran before System returned")
	require.NoError(t, pool.Join())
}

func TestConcurrent_EndRejectsSubmissions(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, touchBackend(dir, 0))
	pool := NewConcurrent(eng, 1)
	require.NoError(t, pool.End())

	err := pool.System(context.Background(), Request{Command: "late", WalkPath: filepath.Join(dir, "l.walk")})
	assert.Error(t, err)
}

func TestPool_UsesConfiguredWidth(t *testing.T) {
	eng := newTestEngine(t, touchBackend(t.TempDir(), 0))
	pool := eng.Pool()
	defer pool.End()
	assert.Equal(t, 1, pool.width)
}

func TestConcurrent_LoadAverageThrottles(t *testing.T) {
	dir := t.TempDir()
	backend := touchBackend(dir, 0)
	eng := newTestEngine(t, backend)

	var probes atomic.Int64
	pool := NewConcurrent(eng, 1,
		MaxLoadAverage(4),
		withLoadAverage(func() float64 {
			if probes.Add(1) == 1 {
				return 9
			}
			return 1
		}))
	defer pool.End()

	req := Request{Command: "x", WalkPath: filepath.Join(dir, "x.walk"), Force: ForceAlways}
	require.NoError(t, pool.System(context.Background(), req))
	require.NoError(t, pool.Join())

	assert.GreaterOrEqual(t, probes.Load(), int64(2), "waited for the load to drop")
	assert.Equal(t, 1, backend.callCount())
}
