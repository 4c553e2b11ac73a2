package environment

import (
	"context"
	"regexp"

	"github.com/sshtoolkit/sshtoolkit/pkg/buffer"
	"github.com/sshtoolkit/sshtoolkit/pkg/config"
	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
)

var passwordPromptPattern = regexp.MustCompile(`(?i)(\[sudo\] )?password( for \S+)?:\s*$`)

// Controller drives escalation and de-escalation on top of one
// Environment's buffer.Controller, keeping the environment's escalation
// stack in sync with what's actually logged in on the channel.
type Controller struct {
	buf     *buffer.Controller
	timeout config.TimeoutConfig
	root    config.RootConfig
}

// NewController builds a Controller sharing timeouts and the baseline
// root-escalation policy with the rest of the pool.
func NewController(buf *buffer.Controller, timeout config.TimeoutConfig, root config.RootConfig) *Controller {
	return &Controller{buf: buf, timeout: timeout, root: root}
}

func (c *Controller) opts() buffer.Options {
	return buffer.Options{
		RunTimeout:        c.timeout.Run,
		FirstBitTimeout:   c.timeout.FirstBit,
		BetweenBitTimeout: c.timeout.BetweenBit,
		Delay:             c.timeout.Delay,
	}
}

// Whoami runs `whoami` on env and returns the trimmed result, independent
// of what the escalation stack believes the current user is.
func (c *Controller) Whoami(ctx context.Context, env *Environment) (string, error) {
	out, err := c.buf.Execute(ctx, env, "whoami", c.opts())
	if err != nil {
		return "", err
	}
	return trimOneLine(out), nil
}

// CapturePrompt runs an empty command to provoke the shell into printing
// its prompt, then records it on env. Called once after each become-root,
// become-user, console push and de-escalation so later Execute calls can
// recognize the new session boundary; EnvironmentChange does not call it.
func (c *Controller) CapturePrompt(ctx context.Context, env *Environment) error {
	out, err := c.buf.Execute(ctx, env, "", c.opts())
	if err != nil {
		return err
	}
	env.SetPrompt(trimOneLine(out))
	return nil
}

// BecomeRoot logs the environment into root, retrying with the fallback
// strategy (alternating "su -" and "sudo su -") unless the root policy
// says the configured LoginCommand is explicit.
func (c *Controller) BecomeRoot(ctx context.Context, env *Environment, password string) error {
	if password == "" {
		password = c.root.Password
	}

	loginCmd := c.root.LoginCommand
	if loginCmd == "" {
		loginCmd = "su -"
	}

	if err := c.loginAs(ctx, env, loginCmd, password); err != nil {
		if c.root.Explicit {
			return err
		}
		fallback := fallbackLoginCommand(loginCmd)
		if fallback == "" {
			return err
		}
		if fallbackErr := c.loginAs(ctx, env, fallback, password); fallbackErr != nil {
			return fallbackErr
		}
		loginCmd = fallback
	}

	env.Push(Escalation{
		Kind:          EscalationRoot,
		User:          "root",
		Password:      password,
		LogoutCommand: "exit",
	})
	return c.CapturePrompt(ctx, env)
}

// fallbackLoginCommand returns the other member of the su/sudo pair, or ""
// if cmd isn't one of the two recognized forms.
func fallbackLoginCommand(cmd string) string {
	switch cmd {
	case "su -":
		return "/usr/bin/sudo -k; /usr/bin/sudo su -"
	case "/usr/bin/sudo -k; /usr/bin/sudo su -":
		return "su -"
	default:
		return ""
	}
}

// BecomeUser logs the environment into user via `su - user`, answering a
// password prompt if one appears.
func (c *Controller) BecomeUser(ctx context.Context, env *Environment, user, password string) error {
	loginCmd := "su - " + user
	if err := c.loginAs(ctx, env, loginCmd, password); err != nil {
		return err
	}

	env.Push(Escalation{
		Kind:          EscalationUser,
		User:          user,
		Password:      password,
		LogoutCommand: "exit",
	})
	return c.CapturePrompt(ctx, env)
}

// loginAs writes loginCmd and, if a password prompt appears before the
// shell returns, answers it with password.
func (c *Controller) loginAs(ctx context.Context, env *Environment, loginCmd, password string) error {
	opts := c.opts()
	opts.PasswordPrompt = passwordPromptPattern

	_, err := c.buf.Execute(ctx, env, loginCmd, opts)
	if err == buffer.ErrPasswordPrompt {
		passwordOpts := c.opts()
		passwordOpts.Unsafe = true
		_, err = c.buf.Execute(ctx, env, password, passwordOpts)
	}
	if err != nil {
		return tkerrors.New(tkerrors.KindBecomeUserFailure, "login as "+loginCmd, err)
	}
	return nil
}

// ConsolePush starts an interactive console program (anything that isn't
// itself a login shell, e.g. a database client) and pushes a console frame
// onto the stack. Because the program is interactive, every command run
// against it until LogoutConsole must use buffer.Options.Unsafe.
func (c *Controller) ConsolePush(ctx context.Context, env *Environment, launchCommand string) error {
	opts := c.opts()
	opts.Unsafe = true
	if _, err := c.buf.Execute(ctx, env, launchCommand, opts); err != nil {
		return err
	}

	env.Push(Escalation{
		Kind:          EscalationConsole,
		User:          launchCommand,
		LogoutCommand: "exit",
	})
	return c.CapturePrompt(ctx, env)
}

// EnvironmentChange runs a command that mutates shell state without
// logging in as anyone new (e.g. `export KUBECONFIG=...`), pushing an
// env-change frame so Deescalate knows there is state to unwind even
// though no new identity was assumed.
func (c *Controller) EnvironmentChange(ctx context.Context, env *Environment, command, undoCommand string) error {
	if _, err := c.buf.Execute(ctx, env, command, c.opts()); err != nil {
		return err
	}

	env.Push(Escalation{
		Kind:          EscalationEnvChange,
		LogoutCommand: undoCommand,
	})
	return nil
}

// LogoutConsole pops the top frame, requiring it to be a console-push
// frame, and runs its logout command.
func (c *Controller) LogoutConsole(ctx context.Context, env *Environment) error {
	top, ok := env.CurrentConsole()
	if !ok {
		return tkerrors.New(tkerrors.KindExecutionFailure, "no console on top of stack", nil)
	}
	return c.deescalateTop(ctx, env, top)
}

// Deescalate pops the top escalation frame (of any kind) and issues its
// logout command.
func (c *Controller) Deescalate(ctx context.Context, env *Environment) error {
	top, ok := env.Peek()
	if !ok {
		return tkerrors.New(tkerrors.KindExecutionFailure, "already at base login", nil)
	}
	return c.deescalateTop(ctx, env, top)
}

func (c *Controller) deescalateTop(ctx context.Context, env *Environment, top Escalation) error {
	opts := c.opts()
	if top.Kind == EscalationConsole {
		opts.Unsafe = true
	}
	if _, err := c.buf.Execute(ctx, env, top.LogoutCommand, opts); err != nil {
		return err
	}
	env.Pop()
	return c.CapturePrompt(ctx, env)
}

// Disconnect logs all the way out (popping every escalation frame) and
// closes the underlying channel.
func (c *Controller) Disconnect(ctx context.Context, env *Environment) error {
	for env.Depth() > 0 {
		if err := c.Deescalate(ctx, env); err != nil {
			env.MarkDead()
			break
		}
	}
	return env.Close()
}

func trimOneLine(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
