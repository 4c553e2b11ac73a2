// Package pool implements the environment pool: it creates, labels,
// leases, and reaps shell environments up to a discovered session cap, the
// same "bounded registry guarded by one lock" shape the teacher's
// DockerCommand uses for its Containers slice, applied to SSH environments
// instead of Docker containers.
package pool

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/sshtoolkit/sshtoolkit/pkg/buffer"
	"github.com/sshtoolkit/sshtoolkit/pkg/config"
	"github.com/sshtoolkit/sshtoolkit/pkg/environment"
	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
	"github.com/sshtoolkit/sshtoolkit/pkg/sshclient"
)

var maxSessionsPattern = regexp.MustCompile(`(?m)^\s*MaxSessions\s+(\d+)\s*$`)

// Dialer opens a new PTY-backed shell channel on the shared transport and
// tears the whole transport down. Defined against environment.Channel
// (rather than *sshclient.ShellChannel directly) so tests can substitute an
// in-memory fake without a real SSH connection; WrapClient adapts a real
// *sshclient.Client to it for production wiring.
type Dialer interface {
	NewShellChannel(cols, rows int) (environment.Channel, error)
	Close() error
}

// WrapClient adapts a dialed *sshclient.Client to the Dialer interface.
// Needed because Go doesn't let *sshclient.Client satisfy Dialer directly:
// its NewShellChannel returns the concrete *sshclient.ShellChannel, not the
// environment.Channel interface.
func WrapClient(c *sshclient.Client) Dialer {
	return clientDialer{c}
}

type clientDialer struct{ c *sshclient.Client }

func (d clientDialer) NewShellChannel(cols, rows int) (environment.Channel, error) {
	return d.c.NewShellChannel(cols, rows)
}

func (d clientDialer) Close() error { return d.c.Close() }

// Pool owns the registry of environments leased out of one SSH transport.
type Pool struct {
	dialer  Dialer
	envCtrl *environment.Controller
	buf     *buffer.Controller
	cfg     config.UserConfig
	log     *logrus.Entry

	mutex        deadlock.Mutex
	main         *environment.Environment
	environments []*environment.Environment
	cap          int
}

// New builds a Pool around an already-dialed transport, bringing up the
// main environment (spec §4.4: "reserved for privileged bootstrap
// operations") and discovering the session cap.
func New(ctx context.Context, dialer Dialer, envCtrl *environment.Controller, buf *buffer.Controller, cfg config.UserConfig, log *logrus.Entry) (*Pool, error) {
	p := &Pool{
		dialer:  dialer,
		envCtrl: envCtrl,
		buf:     buf,
		cfg:     cfg,
		log:     log,
		cap:     config.DefaultMaxSessions,
	}

	main, err := p.open(ctx, "")
	if err != nil {
		return nil, err
	}
	p.main = main

	p.cap = p.discoverMaxSessions(ctx)
	if cfg.Pool.MaxChannels > 0 {
		p.cap = cfg.Pool.MaxChannels
	}
	if p.cap > config.HardMaxSessions {
		p.cap = config.HardMaxSessions
	}

	return p, nil
}

// Cap returns the current session cap (not counting the main environment).
func (p *Pool) Cap() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.cap
}

// Main returns the pool's always-present privileged-bootstrap environment.
func (p *Pool) Main() *environment.Environment {
	return p.main
}

// discoverMaxSessions probes sshd_config through the main environment,
// falling back to the documented default on any failure (spec §4.4).
func (p *Pool) discoverMaxSessions(ctx context.Context) int {
	out, err := p.buf.Execute(ctx, p.main, "cat /etc/ssh/sshd_config 2>/dev/null", buffer.Options{
		RunTimeout:        p.cfg.Timeouts.Run,
		FirstBitTimeout:   p.cfg.Timeouts.FirstBit,
		BetweenBitTimeout: p.cfg.Timeouts.BetweenBit,
		Delay:             p.cfg.Timeouts.Delay,
	})
	if err != nil {
		p.log.WithError(err).Debug("could not read sshd_config, falling back to default MaxSessions")
		return config.DefaultMaxSessions
	}

	match := maxSessionsPattern.FindStringSubmatch(out)
	if match == nil {
		return config.DefaultMaxSessions
	}

	var discovered int
	if _, err := fmt.Sscanf(match[1], "%d", &discovered); err != nil || discovered <= 1 {
		return config.DefaultMaxSessions
	}
	return discovered - 1
}

// open dials a new PTY shell channel and wraps it in an Environment, logging
// in as the configured user and escalating per the baseline root policy
// (spec §4.4's create()).
func (p *Pool) open(ctx context.Context, label string) (*environment.Environment, error) {
	channel, err := p.dialer.NewShellChannel(200, 50)
	if err != nil {
		return nil, err
	}

	env := environment.New(p.cfg.SSH.Username, channel, p.log)
	env.SetCustomLabel(label)

	if err := p.envCtrl.CapturePrompt(ctx, env); err != nil {
		_ = env.Close()
		return nil, err
	}

	if p.cfg.Root.Enabled {
		if err := p.envCtrl.BecomeRoot(ctx, env, p.cfg.Root.Password); err != nil {
			_ = env.Close()
			return nil, err
		}
	} else if p.cfg.Shell.UseBashNoRC {
		if err := p.envCtrl.EnvironmentChange(ctx, env, "exec bash --norc --noprofile", "true"); err != nil {
			_ = env.Close()
			return nil, err
		}
	}

	return env, nil
}

// Create opens a new environment and registers it in the pool, failing if
// the cap (excluding the main environment) is already reached.
func (p *Pool) Create(ctx context.Context, label string) (*environment.Environment, error) {
	p.mutex.Lock()
	if len(p.environments) >= p.cap {
		p.mutex.Unlock()
		return nil, tkerrors.New(tkerrors.KindExecutionFailure, "environment pool at capacity", nil)
	}
	p.mutex.Unlock()

	env, err := p.open(ctx, label)
	if err != nil {
		return nil, err
	}

	p.mutex.Lock()
	p.environments = append(p.environments, env)
	p.mutex.Unlock()

	return env, nil
}

// Lease finds an environment matching opts.ID exactly, else opts.Label,
// else any inactive, unlabeled environment; it blocks up to
// opts.WaitTimeout polling opts.PollDelay, creating a fresh environment if
// opts.AutoCreate is set and none is free (spec §4.4's lease()).
func (p *Pool) Lease(ctx context.Context, opts environment.LeaseOptions) (*environment.Environment, error) {
	pollDelay := opts.PollDelay
	if pollDelay <= 0 {
		pollDelay = 20 * time.Millisecond
	}

	deadline := time.Now().Add(opts.WaitTimeout)
	for {
		if env := p.tryLease(opts); env != nil {
			return env, nil
		}

		if opts.AutoCreate {
			if env, err := p.Create(ctx, opts.Label); err == nil {
				env.SetActive(true)
				return env, nil
			}
		}

		if opts.WaitTimeout <= 0 || time.Now().After(deadline) {
			return nil, tkerrors.New(tkerrors.KindExecutionFailure, "no environment available to lease", nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollDelay):
		}
	}
}

func (p *Pool) tryLease(opts environment.LeaseOptions) *environment.Environment {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if opts.ID != "" {
		env, ok := lo.Find(p.environments, func(e *environment.Environment) bool {
			return e.ID == opts.ID && !e.Dead()
		})
		if ok && !env.Active() {
			env.SetActive(true)
			return env
		}
		return nil
	}

	if opts.Label != "" {
		env, ok := lo.Find(p.environments, func(e *environment.Environment) bool {
			return e.CustomLabel() == opts.Label && !e.Dead()
		})
		if ok && !env.Active() {
			env.SetActive(true)
			return env
		}
		return nil
	}

	free := lo.Filter(p.environments, func(e *environment.Environment, _ int) bool {
		return !e.Active() && !e.Dead() && e.CustomLabel() == ""
	})
	if len(free) == 0 {
		return nil
	}
	free[0].SetActive(true)
	return free[0]
}

// Release marks env inactive and available for reuse, keeping its
// escalation stack and custom label; a dead env is unregistered instead.
// It does not close the underlying channel.
func (p *Pool) Release(env *environment.Environment) {
	if env.Dead() {
		p.Remove(env)
	}
	env.SetActive(false)
}

// Remove unregisters env from the pool without closing it.
func (p *Pool) Remove(env *environment.Environment) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.environments = lo.Filter(p.environments, func(e *environment.Environment, _ int) bool {
		return e.ID != env.ID
	})
}

// DisconnectAll closes every non-main environment, then the main
// environment, then the underlying transport (spec §4.4's disconnectAll()).
func (p *Pool) DisconnectAll(ctx context.Context) error {
	p.mutex.Lock()
	envs := p.environments
	p.environments = nil
	p.mutex.Unlock()

	for _, env := range envs {
		if err := p.envCtrl.Disconnect(ctx, env); err != nil {
			p.log.WithError(err).WithField("environment", env.ID).Debug("error disconnecting environment")
		}
	}

	if p.main != nil {
		if err := p.envCtrl.Disconnect(ctx, p.main); err != nil {
			p.log.WithError(err).Debug("error disconnecting main environment")
		}
	}

	return p.dialer.Close()
}
