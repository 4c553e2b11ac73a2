// Package buffer implements the output-framing and timeout discipline that
// sits directly on top of one shell channel: it writes a command wrapped in
// start/end sentinels, reads until both sentinels have been seen (or a
// timeout fires), and hands back the command's own output with the framing
// and any escape noise stripped out.
package buffer

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	throttle "github.com/boz/go-throttle"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/charmap"

	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
	"github.com/sshtoolkit/sshtoolkit/pkg/utils"
)

const (
	cmdStartSentinel = "CMDSTART"
	cmdEndSentinel   = "CMDEND"
)

// ShellSession is the subset of *environment.Environment that Execute
// needs. Defined here, consumer-side, so this package doesn't import
// pkg/environment: environment's Controller (in its controller.go) depends
// on this package, and that dependency would otherwise cycle.
type ShellSession interface {
	ChannelWrite(p []byte) (int, error)
	ChannelChunks() <-chan []byte
	ChannelErrors() <-chan error
	MarkDead()
}

// Options configures one Execute call: the three-timeout discipline, the
// poll delay, and whether framing sentinels are used at all.
type Options struct {
	RunTimeout        time.Duration
	FirstBitTimeout   time.Duration
	BetweenBitTimeout time.Duration
	Delay             time.Duration

	// Unsafe skips sentinel framing entirely and returns whatever arrives
	// within RunTimeout. Used for commands that are themselves interactive
	// (e.g. a console push) where injecting `echo CMDEND` would corrupt
	// the target program's own input stream.
	Unsafe bool

	// PasswordPrompt, if set, is matched against freshly arrived output;
	// a match resolves Execute early with ErrPasswordPrompt so the caller
	// (the environment controller) can answer the prompt.
	PasswordPrompt *regexp.Regexp
}

// Clock is the time source Execute reads from, swappable in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Controller executes framed commands against an environment's shell
// channel.
type Controller struct {
	clock Clock
	log   *logrus.Entry
}

// NewController returns a Controller using the real wall clock.
func NewController(log *logrus.Entry) *Controller {
	return &Controller{clock: realClock{}, log: log}
}

// ErrPasswordPrompt is returned as is (not wrapped) when Options.PasswordPrompt
// matches before the command completes.
var ErrPasswordPrompt = fmt.Errorf("password prompt detected")

// Execute writes command to env's channel, framed with start/end
// sentinels unless opts.Unsafe is set, and returns the command's own
// output once the end sentinel is observed, a configured password prompt
// is matched, or one of the three timeouts fires.
func (c *Controller) Execute(ctx context.Context, session ShellSession, command string, opts Options) (string, error) {
	framed := command + "\n"
	if !opts.Unsafe {
		framed = fmt.Sprintf("COLUMNS=200; export COLUMNS; echo %s && %s; echo %s $?\n", cmdStartSentinel, command, cmdEndSentinel)
	}

	if _, err := session.ChannelWrite([]byte(framed)); err != nil {
		return "", tkerrors.New(tkerrors.KindChannelFailure, "write command", err)
	}

	readerDone := make(chan struct{})
	defer close(readerDone)

	// scanThrottle coalesces bursts of small reads so the sentinel/prompt
	// scan over the accumulated buffer runs at most once per opts.Delay
	// instead of once per individual chunk.
	scanThrottle := throttle.NewThrottle(opts.Delay, true)
	defer scanThrottle.Stop()
	scanDue := make(chan struct{}, 1)
	go func() {
		for scanThrottle.Next() {
			select {
			case scanDue <- struct{}{}:
			case <-readerDone:
				return
			}
		}
	}()

	var raw bytes.Buffer
	start := c.clock.Now()
	lastActivity := start
	seenFirstBit := false
	pendingScan := false

	runDeadline := start.Add(opts.RunTimeout)

	for {
		now := c.clock.Now()
		if !now.Before(runDeadline) {
			if opts.Unsafe {
				return decode(raw.Bytes()), nil
			}
			session.MarkDead()
			return "", tkerrors.New(tkerrors.KindTotalTimeout, "command exceeded run timeout", nil)
		}

		bitTimeout := opts.BetweenBitTimeout
		if !seenFirstBit {
			bitTimeout = opts.FirstBitTimeout
		}
		bitDeadline := lastActivity.Add(bitTimeout)

		deadline := runDeadline
		if bitDeadline.Before(deadline) {
			deadline = bitDeadline
		}

		timer := time.NewTimer(deadline.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			session.MarkDead()
			return "", ctx.Err()

		case <-timer.C:
			if !deadline.Before(runDeadline) {
				// the run deadline itself fired; the check at the loop top
				// reports it as a total timeout
				continue
			}
			if opts.Unsafe && seenFirstBit {
				// an interactive program's own pacing, not a stuck command
				return decode(raw.Bytes()), nil
			}
			if !seenFirstBit {
				return "", tkerrors.New(tkerrors.KindFirstBitTimeout, "no output before first-bit timeout", nil)
			}
			return "", tkerrors.New(tkerrors.KindBetweenBitsTimeout, "no output between bits", nil)

		case chunk, ok := <-session.ChannelChunks():
			timer.Stop()
			if !ok {
				session.MarkDead()
				err := <-session.ChannelErrors()
				return "", tkerrors.New(tkerrors.KindClosedBuffer, "channel closed mid-command", err)
			}

			seenFirstBit = true
			lastActivity = c.clock.Now()
			raw.Write(chunk)
			pendingScan = true
			scanThrottle.Trigger()

			if opts.Unsafe {
				continue
			}

		case <-scanDue:
			timer.Stop()
			if !pendingScan {
				continue
			}
			pendingScan = false

			if opts.PasswordPrompt != nil && opts.PasswordPrompt.Match(raw.Bytes()) {
				return decode(raw.Bytes()), ErrPasswordPrompt
			}

			if opts.Unsafe {
				continue
			}

			if body, ok := extractBody(raw.String()); ok {
				return body, nil
			}
		}
	}
}

// extractBody looks for the CMDSTART/CMDEND sentinel pair in raw output
// (after control-byte stripping) and, once both are present, returns the
// text strictly between them.
func extractBody(raw string) (string, bool) {
	clean := utils.StripControl(raw)

	startIdx := strings.Index(clean, cmdStartSentinel)
	if startIdx < 0 {
		return "", false
	}
	afterStart := clean[startIdx+len(cmdStartSentinel):]

	endIdx := strings.Index(afterStart, cmdEndSentinel)
	if endIdx < 0 {
		return "", false
	}
	body := afterStart[:endIdx]

	// drop the leading newline echoed right after CMDSTART
	if len(body) > 0 && body[0] == '\n' {
		body = body[1:]
	}
	if len(body) > 0 && body[len(body)-1] == '\n' {
		body = body[:len(body)-1]
	}
	return body, true
}

// decode converts raw into a string, falling back to Latin-1 decoding if
// the bytes are not valid UTF-8 (some legacy remote shells default to
// Latin-1 locales).
func decode(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
