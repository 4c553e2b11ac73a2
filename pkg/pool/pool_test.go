package pool

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshtoolkit/sshtoolkit/pkg/buffer"
	"github.com/sshtoolkit/sshtoolkit/pkg/config"
	"github.com/sshtoolkit/sshtoolkit/pkg/environment"
)

// fakeChannel answers every write with an immediate, successful framed
// response whose body is "prompt$", enough to satisfy CapturePrompt/BecomeRoot/
// EnvironmentChange without scripting individual exchanges.
type fakeChannel struct {
	chunks chan []byte
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{chunks: make(chan []byte, 64)}
}

func (f *fakeChannel) Write(p []byte) (int, error) {
	f.chunks <- []byte("CMDSTART\nprompt$\nCMDEND 0\n")
	return len(p), nil
}
func (f *fakeChannel) Close() error          { f.closed = true; return nil }
func (f *fakeChannel) Chunks() <-chan []byte { return f.chunks }
func (f *fakeChannel) Errors() <-chan error  { return make(chan error) }

type fakeDialer struct {
	dialed int
	closed bool
	fail   bool
}

func (d *fakeDialer) NewShellChannel(cols, rows int) (environment.Channel, error) {
	d.dialed++
	return newFakeChannel(), nil
}

func (d *fakeDialer) Close() error {
	d.closed = true
	return nil
}

func testConfig() config.UserConfig {
	cfg := config.GetDefaultConfig()
	cfg.SSH.Username = "alice"
	cfg.Timeouts.Run = time.Second
	cfg.Timeouts.FirstBit = 500 * time.Millisecond
	cfg.Timeouts.BetweenBit = 200 * time.Millisecond
	cfg.Timeouts.Delay = 5 * time.Millisecond
	cfg.Pool.MaxChannels = 2
	return cfg
}

func newTestPool(t *testing.T) (*Pool, *fakeDialer) {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	bufCtrl := buffer.NewController(log)
	envCtrl := environment.NewController(bufCtrl, config.TimeoutConfig{
		Run: time.Second, FirstBit: 500 * time.Millisecond, BetweenBit: 200 * time.Millisecond, Delay: 5 * time.Millisecond,
	}, config.RootConfig{})

	dialer := &fakeDialer{}
	p, err := New(context.Background(), dialer, envCtrl, bufCtrl, testConfig(), log)
	require.NoError(t, err)
	return p, dialer
}

func TestNewBringsUpMainEnvironment(t *testing.T) {
	p, dialer := newTestPool(t)
	assert.NotNil(t, p.Main())
	assert.Equal(t, 1, dialer.dialed)
	assert.Equal(t, 2, p.Cap())
}

func TestCreateRegistersEnvironmentUpToCap(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	env1, err := p.Create(ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, env1)

	env2, err := p.Create(ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, env2)

	_, err = p.Create(ctx, "")
	require.Error(t, err)
}

func TestLeaseReturnsFreeEnvironmentWithoutCreating(t *testing.T) {
	p, dialer := newTestPool(t)
	ctx := context.Background()

	env, err := p.Create(ctx, "")
	require.NoError(t, err)
	p.Release(env)

	dialedBefore := dialer.dialed
	leased, err := p.Lease(ctx, environment.LeaseOptions{})
	require.NoError(t, err)
	assert.Equal(t, env.ID, leased.ID)
	assert.Equal(t, dialedBefore, dialer.dialed)
}

func TestLeaseAutoCreatesWhenNoneFree(t *testing.T) {
	p, dialer := newTestPool(t)
	ctx := context.Background()

	dialedBefore := dialer.dialed
	env, err := p.Lease(ctx, environment.LeaseOptions{AutoCreate: true})
	require.NoError(t, err)
	assert.NotNil(t, env)
	assert.Equal(t, dialedBefore+1, dialer.dialed)
}

func TestLeaseByLabelOnlyMatchesThatLabel(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	labeled, err := p.Create(ctx, "db-primary")
	require.NoError(t, err)
	p.Release(labeled)

	_, err = p.Lease(ctx, environment.LeaseOptions{Label: "does-not-exist", WaitTimeout: 30 * time.Millisecond, PollDelay: 5 * time.Millisecond})
	require.Error(t, err)

	leased, err := p.Lease(ctx, environment.LeaseOptions{Label: "db-primary"})
	require.NoError(t, err)
	assert.Equal(t, labeled.ID, leased.ID)
}

func TestLeaseFailsWhenAtCapAndNoneFree(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "")
	require.NoError(t, err)
	_, err = p.Create(ctx, "")
	require.NoError(t, err)

	_, err = p.Lease(ctx, environment.LeaseOptions{AutoCreate: true, WaitTimeout: 30 * time.Millisecond, PollDelay: 5 * time.Millisecond})
	require.Error(t, err)
}

func TestRemoveUnregistersEnvironment(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	env, err := p.Create(ctx, "")
	require.NoError(t, err)
	p.Remove(env)

	_, err = p.Lease(ctx, environment.LeaseOptions{ID: env.ID, WaitTimeout: 10 * time.Millisecond, PollDelay: 5 * time.Millisecond})
	require.Error(t, err)
}

func TestDisconnectAllClosesTransport(t *testing.T) {
	p, dialer := newTestPool(t)
	ctx := context.Background()

	_, err := p.Create(ctx, "")
	require.NoError(t, err)

	require.NoError(t, p.DisconnectAll(ctx))
	assert.True(t, dialer.closed)
}
