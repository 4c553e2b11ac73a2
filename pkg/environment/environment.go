// Package environment models one shell environment: a single PTY-backed
// shell channel plus the escalation stack layered on top of it, following
// the struct-plus-mutex shape the teacher uses for its Container type.
package environment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Channel is the transport a buffer.Controller reads and writes commands
// through. *sshclient.ShellChannel satisfies it; tests substitute a fake.
type Channel interface {
	Write(p []byte) (int, error)
	Close() error
	Chunks() <-chan []byte
	Errors() <-chan error
}

// LeaseOptions describes what a caller is asking the pool for. Defined here
// rather than in pkg/pool so pkg/executor can depend on it without
// importing pkg/pool (consumer-defined interface, same pattern as Channel).
type LeaseOptions struct {
	// ID, if set, requires the exact environment with this ID.
	ID string
	// Label, if set (and ID isn't), requires an environment carrying this
	// custom label.
	Label string
	// AutoCreate allows the pool to create a new environment if no free
	// match exists and the cap allows it.
	AutoCreate bool
	// WaitTimeout bounds how long Lease blocks polling for a free match.
	WaitTimeout time.Duration
	// PollDelay is the polling interval while waiting.
	PollDelay time.Duration
}

// EscalationKind identifies one entry pushed onto an environment's
// escalation stack.
type EscalationKind int

const (
	EscalationRoot EscalationKind = iota
	EscalationUser
	EscalationConsole
	EscalationEnvChange
)

func (k EscalationKind) String() string {
	switch k {
	case EscalationRoot:
		return "become-root"
	case EscalationUser:
		return "become-user"
	case EscalationConsole:
		return "console-push"
	case EscalationEnvChange:
		return "env-change"
	default:
		return "unknown"
	}
}

// Escalation is one frame on an environment's escalation stack: the login
// that was performed to reach this state and what's needed to undo it.
type Escalation struct {
	Kind     EscalationKind
	User     string
	Password string
	// LogoutCommand is issued to pop this frame (e.g. "exit", "logout").
	LogoutCommand string
}

// Environment is one leased shell environment: an SSH channel, the login
// name/escalation history layered on top of it, and the bookkeeping the
// pool needs to track its lifecycle.
type Environment struct {
	ID string

	Channel Channel

	log *logrus.Entry

	mutex deadlock.Mutex

	// baseUser is the identity the channel authenticated as.
	baseUser string
	// prompt is the last prompt string captured off the channel, used by
	// the buffer controller to recognize session boundaries.
	prompt string

	stack []Escalation

	// customLabel lets a caller pin a human label onto a leased
	// environment (e.g. "db-primary") independent of its ID.
	customLabel string

	active bool
	dead   bool
}

// New constructs an Environment around an already-dialed shell channel.
func New(baseUser string, channel Channel, log *logrus.Entry) *Environment {
	id := uuid.NewString()
	return &Environment{
		ID:       id,
		Channel:  channel,
		baseUser: baseUser,
		active:   true,
		log:      log.WithField("environment", id),
	}
}

// Push adds a new escalation frame to the top of the stack.
func (e *Environment) Push(esc Escalation) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.stack = append(e.stack, esc)
}

// Pop removes and returns the top escalation frame. Returns false if the
// stack is already empty (caller is at the base login).
func (e *Environment) Pop() (Escalation, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if len(e.stack) == 0 {
		return Escalation{}, false
	}
	top := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return top, true
}

// Peek returns the top escalation frame without removing it.
func (e *Environment) Peek() (Escalation, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if len(e.stack) == 0 {
		return Escalation{}, false
	}
	return e.stack[len(e.stack)-1], true
}

// Depth returns the number of escalation frames currently stacked.
func (e *Environment) Depth() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.stack)
}

// Users returns the chain of identities from the base login to the current
// top of stack, base user first.
func (e *Environment) Users() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	users := []string{e.baseUser}
	for _, esc := range e.stack {
		if esc.User != "" {
			users = append(users, esc.User)
		}
	}
	return users
}

// CurrentUser returns the identity currently active on the channel: the
// top escalation frame's user, or the base login if the stack is empty.
func (e *Environment) CurrentUser() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i := len(e.stack) - 1; i >= 0; i-- {
		if e.stack[i].User != "" {
			return e.stack[i].User
		}
	}
	return e.baseUser
}

// CurrentConsole reports whether the top of the stack is a console-push
// frame (a nested interactive program, e.g. an app console) rather than a
// shell login.
func (e *Environment) CurrentConsole() (Escalation, bool) {
	top, ok := e.Peek()
	if !ok || top.Kind != EscalationConsole {
		return Escalation{}, false
	}
	return top, true
}

// PasswordFor returns the password associated with the nearest escalation
// frame belonging to user, used when an in-flight command re-prompts for a
// password (e.g. sudo timeout expired mid-command).
func (e *Environment) PasswordFor(user string) (string, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i := len(e.stack) - 1; i >= 0; i-- {
		if e.stack[i].User == user {
			return e.stack[i].Password, true
		}
	}
	return "", false
}

// SetPrompt records the latest captured prompt string.
func (e *Environment) SetPrompt(prompt string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.prompt = prompt
}

// Prompt returns the latest captured prompt string.
func (e *Environment) Prompt() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.prompt
}

// SetCustomLabel pins a caller-chosen label onto this environment.
func (e *Environment) SetCustomLabel(label string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.customLabel = label
}

// CustomLabel returns the caller-chosen label, or "" if none was set.
func (e *Environment) CustomLabel() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.customLabel
}

// Active reports whether this environment is currently leased out.
func (e *Environment) Active() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.active
}

// SetActive marks the environment as leased (true) or returned to the pool
// (false).
func (e *Environment) SetActive(active bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.active = active
}

// Dead reports whether the channel has failed and this environment can no
// longer be used.
func (e *Environment) Dead() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.dead
}

// MarkDead flags the environment as unusable; the pool will remove it on
// next release.
func (e *Environment) MarkDead() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.dead = true
}

// Reset clears the escalation stack, custom label and prompt without
// tearing down the underlying channel.
func (e *Environment) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.stack = nil
	e.customLabel = ""
	e.prompt = ""
}

// Log returns the environment-scoped logger.
func (e *Environment) Log() *logrus.Entry {
	return e.log
}

// ChannelWrite, ChannelChunks and ChannelErrors delegate to the underlying
// Channel. They exist so pkg/buffer can depend on a small interface it
// defines itself (buffer.ShellSession) rather than importing this package,
// which would otherwise form an import cycle (this package's Controller,
// in controller.go, depends on pkg/buffer).
func (e *Environment) ChannelWrite(p []byte) (int, error) { return e.Channel.Write(p) }
func (e *Environment) ChannelChunks() <-chan []byte       { return e.Channel.Chunks() }
func (e *Environment) ChannelErrors() <-chan error        { return e.Channel.Errors() }

// Close tears down the underlying SSH channel.
func (e *Environment) Close() error {
	e.MarkDead()
	return e.Channel.Close()
}

// String renders a short identity summary, useful in log fields.
func (e *Environment) String() string {
	return fmt.Sprintf("environment(%s, user=%s, depth=%d)", e.ID, e.CurrentUser(), e.Depth())
}
