// Package toolkit assembles every component of the runtime — transport,
// environment pool, buffer/environment controllers, executor, and module
// registry — into the single facade external callers use, the same
// closers-plus-bundled-components shape as the teacher's pkg/app.App.
package toolkit

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshtoolkit/sshtoolkit/pkg/buffer"
	"github.com/sshtoolkit/sshtoolkit/pkg/config"
	"github.com/sshtoolkit/sshtoolkit/pkg/container"
	"github.com/sshtoolkit/sshtoolkit/pkg/environment"
	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
	"github.com/sshtoolkit/sshtoolkit/pkg/executor"
	tklog "github.com/sshtoolkit/sshtoolkit/pkg/log"
	"github.com/sshtoolkit/sshtoolkit/pkg/module"
	"github.com/sshtoolkit/sshtoolkit/pkg/pool"
	tksftp "github.com/sshtoolkit/sshtoolkit/pkg/sftp"
	"github.com/sshtoolkit/sshtoolkit/pkg/sshclient"
)

// Toolkit bundles every component an external caller touches: Run/Submit
// execute command containers, GetSFTP/GetSCP reach the file-transfer
// collaborator, Modules resolves named per-command modules.
type Toolkit struct {
	closers []io.Closer

	Config  *config.ToolkitConfig
	Log     *logrus.Entry
	Client  *sshclient.Client
	Buf     *buffer.Controller
	EnvCtrl *environment.Controller
	Pool    *pool.Pool
	Exec    *executor.Executor
	Modules *module.Registry

	// Whoami is resolved by the module registry's attribute-style fallback
	// when no explicit constructor is registered for "whoami" — the
	// go-lookup path from module.Registry.Resolve, exercised end to end by
	// cmd/sshtoolkit-demo.
	Whoami module.Func

	sftpClient *tksftp.Client
}

// registerBuiltinModules wires the small illustrative module set named in
// the non-goals: ps/df as explicit registry constructors, whoami as an
// attribute-style fallback against the Toolkit's own Whoami field.
func (tk *Toolkit) registerBuiltinModules() {
	tk.Whoami = func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		opts := container.DefaultExecuteOptions()
		return container.HookSet{}, opts, nil
	}

	tk.Modules.Register("ps", func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		opts := container.DefaultExecuteOptions()
		return container.HookSet{}, opts, nil
	})
	tk.Modules.Register("df", func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		opts := container.DefaultExecuteOptions()
		return container.HookSet{}, opts, nil
	})
}

// New dials the SSH transport, brings up the environment pool, starts the
// executor, and wires the module registry, following the same
// construct-in-dependency-order sequence as app.NewApp.
func New(ctx context.Context, cfg *config.ToolkitConfig, version, commit string) (*Toolkit, error) {
	tk := &Toolkit{
		Config: cfg,
	}
	tk.Log = tklog.NewLogger(cfg.ConfigDir, version, commit, cfg.Debug)

	client, err := sshclient.Dial(ctx, cfg.UserConfig.SSH, cfg.UserConfig.Proxy, tk.Log)
	if err != nil {
		return nil, err
	}
	tk.Client = client

	tk.Buf = buffer.NewController(tk.Log)
	tk.EnvCtrl = environment.NewController(tk.Buf, cfg.UserConfig.Timeouts, cfg.UserConfig.Root)

	p, err := pool.New(ctx, pool.WrapClient(client), tk.EnvCtrl, tk.Buf, *cfg.UserConfig, tk.Log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	tk.Pool = p

	rt := container.Runtime{
		Buf:     tk.Buf,
		EnvCtrl: tk.EnvCtrl,
		BufOptions: buffer.Options{
			RunTimeout:        cfg.UserConfig.Timeouts.Run,
			FirstBitTimeout:   cfg.UserConfig.Timeouts.FirstBit,
			BetweenBitTimeout: cfg.UserConfig.Timeouts.BetweenBit,
			Delay:             cfg.UserConfig.Timeouts.Delay,
		},
	}
	tk.Exec = executor.New(2*p.Cap(), p, rt, tk.Log)

	tk.Modules = module.New(tk)
	tk.registerBuiltinModules()

	return tk, nil
}

// Submit runs spec to completion through the executor and returns its
// result, blocking until the root container finishes or ctx is cancelled.
func (tk *Toolkit) Submit(ctx context.Context, spec container.Spec, opts container.ExecuteOptions, hooks container.HookSet, priority int) (interface{}, error) {
	c, err := container.New(spec, opts, hooks, tk.Log)
	if err != nil {
		return nil, err
	}

	tk.Exec.Submit(c, priority)

	select {
	case <-c.Done():
		if c.Failed() {
			return c.Result(), tkerrors.New(tkerrors.KindExecutionFailure, "container "+c.Key+" failed", nil)
		}
		return c.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run builds and submits a module by name, resolving it through the module
// registry before handing the resulting HookSet/ExecuteOptions to Submit.
func (tk *Toolkit) Run(ctx context.Context, name, command string, args map[string]interface{}, priority int) (interface{}, error) {
	hooks, opts, err := tk.Modules.Build(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return tk.Submit(ctx, container.Spec{Command: command}, opts, hooks, priority)
}

// GetSFTP returns (opening lazily, once) the SFTP collaborator bound to the
// toolkit's shared transport.
func (tk *Toolkit) GetSFTP() (*tksftp.Client, error) {
	if tk.sftpClient != nil {
		return tk.sftpClient, nil
	}
	c, err := tksftp.New(tk.Client)
	if err != nil {
		return nil, err
	}
	tk.sftpClient = c
	tk.closers = append(tk.closers, c)
	return c, nil
}

// GetSCP returns the same SFTP-backed file-transfer collaborator: SCP and
// SFTP business logic beyond this thin pass-through is out of scope (see
// Non-goals), so both accessors share one implementation.
func (tk *Toolkit) GetSCP() (*tksftp.Client, error) {
	return tk.GetSFTP()
}

// Close shuts the executor down (waiting up to timeout for outstanding
// work), disconnects every pool environment, and closes every other
// resource registered along the way, following app.App.Close's
// iterate-and-close-everything shape.
func (tk *Toolkit) Close(timeout time.Duration) error {
	if tk.Exec != nil {
		if err := tk.Exec.Shutdown(context.Background(), timeout); err != nil {
			tk.Log.WithError(err).Warn("executor did not reach idle before shutdown timeout")
		}
	}
	if tk.Pool != nil {
		if err := tk.Pool.DisconnectAll(context.Background()); err != nil {
			tk.Log.WithError(err).Warn("error disconnecting pool")
		}
	}

	var firstErr error
	for _, closer := range tk.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
