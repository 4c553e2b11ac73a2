package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshtoolkit/sshtoolkit/pkg/buffer"
	"github.com/sshtoolkit/sshtoolkit/pkg/container"
	"github.com/sshtoolkit/sshtoolkit/pkg/environment"
)

// fakeChannel answers every framed command immediately with a successful
// "ok" body, so containers run to completion without test-side scripting.
type fakeChannel struct {
	chunks chan []byte
}

func newFakeChannel() *fakeChannel {
	ch := &fakeChannel{chunks: make(chan []byte, 64)}
	return ch
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.chunks <- []byte("CMDSTART\nok\nCMDEND 0\n")
	return len(p), nil
}
func (f *fakeChannel) Close() error          { return nil }
func (f *fakeChannel) Chunks() <-chan []byte { return f.chunks }
func (f *fakeChannel) Errors() <-chan error  { return make(chan error) }

// fakePool leases a fresh in-memory environment on every call, ignoring
// labels/IDs, with no cap — enough to exercise the executor without a real
// pkg/pool.Pool.
type fakePool struct {
	mutex    sync.Mutex
	leased   int
	released int
}

func (p *fakePool) Lease(ctx context.Context, opts environment.LeaseOptions) (*environment.Environment, error) {
	p.mutex.Lock()
	p.leased++
	p.mutex.Unlock()
	return environment.New("alice", newFakeChannel(), logrus.NewEntry(logrus.New())), nil
}

func (p *fakePool) Release(env *environment.Environment) {
	p.mutex.Lock()
	p.released++
	p.mutex.Unlock()
}

type failingPool struct{}

func (failingPool) Lease(ctx context.Context, opts environment.LeaseOptions) (*environment.Environment, error) {
	return nil, errors.New("no capacity")
}
func (failingPool) Release(env *environment.Environment) {}

func testRuntime() container.Runtime {
	return container.Runtime{
		Buf: buffer.NewController(logrus.NewEntry(logrus.New())),
		BufOptions: buffer.Options{
			RunTimeout:        time.Second,
			FirstBitTimeout:   500 * time.Millisecond,
			BetweenBitTimeout: 200 * time.Millisecond,
			Delay:             5 * time.Millisecond,
		},
	}
}

func newContainer(t *testing.T, command string) *container.Container {
	t.Helper()
	c, err := container.New(container.Spec{Command: command}, container.DefaultExecuteOptions(), container.HookSet{}, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	return c
}

func TestSubmitRunsContainerToCompletion(t *testing.T) {
	pool := &fakePool{}
	ex := New(2, pool, testRuntime(), logrus.NewEntry(logrus.New()))

	c := newContainer(t, "echo hi")
	ex.Submit(c, 0)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("container did not complete")
	}

	assert.False(t, c.Failed())
	assert.Equal(t, "ok", c.Result())

	require.NoError(t, ex.Shutdown(context.Background(), time.Second))
	assert.Equal(t, pool.leased, pool.released)
}

func TestSubmitRunsMultipleContainersConcurrently(t *testing.T) {
	pool := &fakePool{}
	ex := New(4, pool, testRuntime(), logrus.NewEntry(logrus.New()))

	containers := make([]*container.Container, 5)
	for i := range containers {
		containers[i] = newContainer(t, "echo hi")
		ex.Submit(containers[i], 0)
	}

	for _, c := range containers {
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("container did not complete")
		}
		assert.False(t, c.Failed())
	}

	require.NoError(t, ex.Shutdown(context.Background(), time.Second))
}

func TestSubmitForceCompletesOnLeaseFailure(t *testing.T) {
	ex := New(1, failingPool{}, testRuntime(), logrus.NewEntry(logrus.New()))

	c := newContainer(t, "echo hi")
	ex.Submit(c, 0)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("container did not complete")
	}
	assert.True(t, c.Failed())
}

func TestWaitIdleReturnsOnceQueueDrains(t *testing.T) {
	pool := &fakePool{}
	ex := New(2, pool, testRuntime(), logrus.NewEntry(logrus.New()))

	c := newContainer(t, "echo hi")
	ex.Submit(c, 0)

	require.NoError(t, ex.WaitIdle(context.Background(), time.Second, 5*time.Millisecond))
	assert.True(t, c.Complete())
}

func TestBatchedChildrenDispatchThroughExecutor(t *testing.T) {
	pool := &fakePool{}
	ex := New(4, pool, testRuntime(), logrus.NewEntry(logrus.New()))

	spec := container.Spec{Mode: container.ChildModeBatched, Children: []container.Spec{
		{Command: "echo a", Key: "a"},
		{Command: "echo b", Key: "b"},
	}}
	c, err := container.New(spec, container.DefaultExecuteOptions(), container.HookSet{}, logrus.NewEntry(logrus.New()))
	require.NoError(t, err)

	ex.Submit(c, 0)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("batched container did not complete")
	}

	require.False(t, c.Failed())
	result, ok := c.Result().(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", result["a"])
	assert.Equal(t, "ok", result["b"])
}
