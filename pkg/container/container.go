// Package container implements the command container: a self-contained task
// wrapping one command or a tree of commands, driven through the phase
// machine (requirements, pre-parser, execution, post-parser, completion, and
// on-failure) the same way the teacher's DockerCommand drives a
// CommandObject through template resolution, but generalized into an
// explicit state machine instead of one-shot template substitution.
package container

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/imdario/mergo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/sshtoolkit/sshtoolkit/pkg/buffer"
	"github.com/sshtoolkit/sshtoolkit/pkg/environment"
	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
	"github.com/sshtoolkit/sshtoolkit/pkg/utils"
)

// Phase identifies where a Container sits in its state machine.
type Phase int

const (
	PhaseNew Phase = iota
	PhaseSetup
	PhaseRequirements
	PhasePreParser
	PhaseExecution
	PhasePostParser
	PhaseCompletion
	PhaseFinalized
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseSetup:
		return "setup"
	case PhaseRequirements:
		return "requirements"
	case PhasePreParser:
		return "preparser"
	case PhaseExecution:
		return "execution"
	case PhasePostParser:
		return "postparser"
	case PhaseCompletion:
		return "completion"
	case PhaseFinalized:
		return "finalized"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChildMode says how a Container's children are composed.
type ChildMode int

const (
	ChildModeNone ChildMode = iota
	// ChildModeBatched children run unordered and in parallel, each leasing
	// its own environment through the Dispatcher.
	ChildModeBatched
	// ChildModeQueued children run in submission order, serially, sharing
	// the parent's leased environment.
	ChildModeQueued
)

// RequirementFunc is one precondition check run before execution. An error
// return fails the requirement; the result is otherwise recorded under its
// map key for the caller's own inspection.
type RequirementFunc func(ctx context.Context, c *Container) (interface{}, error)

// HookSet bundles the callable hooks a Container may carry, replacing the
// kwargs-bag the source threads through every layer (spec's Design Note).
type HookSet struct {
	Requirements map[string]RequirementFunc
	PreParser    func(ctx context.Context, c *Container) error
	PostParser   func(ctx context.Context, c *Container, raw interface{}) (interface{}, error)
	// Completion may itself declare the container failed (failed=true)
	// while still supplying the final result.
	Completion func(ctx context.Context, c *Container, result interface{}) (newResult interface{}, failed bool, err error)
	OnFailure  func(ctx context.Context, c *Container, result interface{}) (interface{}, error)
}

// ExecuteOptions is the caller-facing config struct replacing the kwargs bag
// (spec's Design Note), carried per container and mergeable over a parent's
// via imdario/mergo the same way the teacher's NewCommandObject merges a
// caller-supplied CommandObject over its default.
type ExecuteOptions struct {
	StopOnFailure     bool
	NoParsing         bool
	IgnoreAlias       bool
	TimeoutExceptions bool
	Root              bool
	Timeout           time.Duration
	Priority          int
}

// DefaultExecuteOptions returns the baseline options new containers start
// from before any caller overrides are merged in.
func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		Timeout:           300 * time.Second,
		TimeoutExceptions: true,
	}
}

// Spec is the parsed shape of a caller-supplied command tree (spec §4.5):
// a plain command, or batched/queued children. Overrides, when non-nil, are
// merged over the parent's ExecuteOptions with mergo for this node only.
type Spec struct {
	Command   string
	Key       string
	Mode      ChildMode
	Children  []Spec
	Overrides *ExecuteOptions
}

// ParseSpec resolves four shapes (string, single-key map, multi-key map,
// list) out of a caller-supplied interface{} value, the same
// recursive-descent shape the teacher's yaml-driven CommandObject
// resolution uses for custom commands. There is no set shape: a set-typed
// value is rejected, and a multi-key map is the shape that yields batched
// children.
func ParseSpec(raw interface{}) (Spec, error) {
	switch v := raw.(type) {
	case string:
		return Spec{Command: v}, nil

	case Spec:
		return v, nil

	case []interface{}:
		if len(v) == 0 {
			return Spec{}, tkerrors.New(tkerrors.KindDataFormatFailure, "empty command list", nil)
		}
		if len(v) == 1 {
			return ParseSpec(v[0])
		}
		children := make([]Spec, 0, len(v))
		for _, item := range v {
			child, err := ParseSpec(item)
			if err != nil {
				return Spec{}, err
			}
			children = append(children, child)
		}
		return Spec{Mode: ChildModeQueued, Children: children}, nil

	case map[string]interface{}:
		if len(v) == 0 {
			return Spec{}, tkerrors.New(tkerrors.KindDataFormatFailure, "empty command map", nil)
		}
		if len(v) == 1 {
			for k, val := range v {
				if s, ok := val.(string); ok {
					return Spec{Command: s, Key: k}, nil
				}
				child, err := ParseSpec(val)
				if err != nil {
					return Spec{}, err
				}
				child.Key = k
				return child, nil
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		children := make([]Spec, 0, len(keys))
		for _, k := range keys {
			child, err := ParseSpec(v[k])
			if err != nil {
				return Spec{}, err
			}
			child.Key = k
			children = append(children, child)
		}
		return Spec{Mode: ChildModeBatched, Children: children}, nil

	default:
		return Spec{}, tkerrors.New(tkerrors.KindDataFormatFailure, fmt.Sprintf("unrecognized command spec %T", raw), nil)
	}
}

// Dispatcher runs a batched child to completion on its own leased
// environment. Defined here, consumer-side (pkg/executor implements it),
// so this package never imports pkg/executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, child *Container) error
}

// Runtime bundles everything a Container needs to drive itself through the
// phase machine: the buffer/environment controllers for leaf commands, a
// template for per-command buffer.Options, and a Dispatcher for batched
// children.
type Runtime struct {
	Buf        *buffer.Controller
	EnvCtrl    *environment.Controller
	BufOptions buffer.Options
	Dispatcher Dispatcher
}

func (rt Runtime) bufOptsFor(opts ExecuteOptions) buffer.Options {
	o := rt.BufOptions
	o.Unsafe = opts.NoParsing
	if opts.Timeout > 0 {
		o.RunTimeout = opts.Timeout
	}
	return o
}

// Container is one node of the command tree: either a single command or a
// set of children, driven through the phase machine described in the
// package doc.
type Container struct {
	Key      string
	Command  string
	Children []*Container
	Mode     ChildMode

	Opts  ExecuteOptions
	Hooks HookSet

	// Parent is a plain, non-owning pointer (spec's Design Note on weak
	// parent references) — Go's GC handles the cycle, so no explicit
	// weak-reference type is needed the way it would be in a refcounted
	// runtime.
	Parent *Container

	// Env is the environment this container executes on: leased for it
	// directly (root submissions, batched children) or inherited from the
	// parent (queued children).
	Env *environment.Environment

	log *logrus.Entry

	mutex deadlock.Mutex

	phase      Phase
	result     interface{}
	lastResult interface{}
	failed     bool
	complete   bool
	running    bool
	parsed     bool

	reqResults map[string]interface{}

	done chan struct{}

	startedAt time.Time
	endedAt   time.Time
}

// New builds a Container tree from spec, applying opts as the baseline
// ExecuteOptions (merged per-node with any Spec.Overrides) and hooks on the
// root node only — children never carry the parent's hooks, since
// requirements/parsers/completion are meaningful per leaf command.
func New(spec Spec, opts ExecuteOptions, hooks HookSet, log *logrus.Entry) (*Container, error) {
	return newNode(spec, opts, hooks, nil, log)
}

func newNode(spec Spec, opts ExecuteOptions, hooks HookSet, parent *Container, log *logrus.Entry) (*Container, error) {
	nodeOpts := opts
	if spec.Overrides != nil {
		if err := mergo.Merge(&nodeOpts, *spec.Overrides, mergo.WithOverride); err != nil {
			return nil, tkerrors.New(tkerrors.KindDataFormatFailure, "merge execute options", err)
		}
	}

	if spec.Mode == ChildModeNone && strings.TrimSpace(spec.Command) == "" && len(spec.Children) == 0 {
		return nil, tkerrors.New(tkerrors.KindDataFormatFailure, "empty command", nil)
	}

	key := spec.Key
	if key == "" {
		if spec.Command != "" {
			key = utils.SanitizeKey(spec.Command)
		} else {
			key = utils.NewID()
		}
	}

	c := &Container{
		Key:     key,
		Command: spec.Command,
		Mode:    spec.Mode,
		Opts:    nodeOpts,
		Parent:  parent,
		log:     log,
		done:    make(chan struct{}),
	}
	if parent == nil {
		c.Hooks = hooks
	}

	for _, childSpec := range spec.Children {
		child, err := newNode(childSpec, nodeOpts, HookSet{}, c, log)
		if err != nil {
			return nil, err
		}
		c.Children = append(c.Children, child)
	}

	return c, nil
}

// Done returns the container's completion event: closed exactly once, when
// the container reaches PhaseFinalized or PhaseFailed.
func (c *Container) Done() <-chan struct{} {
	return c.done
}

// Result returns the published result, serialized by the container's lock
// (spec's Result accessor semantics invariant).
func (c *Container) Result() interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.result
}

// Failed reports whether the container finished in a failure state.
func (c *Container) Failed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.failed
}

// Complete reports whether the container has reached a terminal phase.
func (c *Container) Complete() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.complete
}

// Phase returns the container's current phase.
func (c *Container) Phase() Phase {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.phase
}

func (c *Container) setPhase(p Phase) {
	c.mutex.Lock()
	c.phase = p
	c.mutex.Unlock()
}

func (c *Container) checkTimeout() error {
	if c.Opts.Timeout <= 0 {
		return nil
	}
	if time.Since(c.startedAt) <= c.Opts.Timeout {
		return nil
	}
	if !c.Opts.TimeoutExceptions {
		return nil
	}
	return tkerrors.New(tkerrors.KindTotalTimeout, "container exceeded configured timeout", nil)
}

// Execute drives the container through every phase of the state machine,
// publishing a result (or a typed failure) and signaling Done() exactly
// once before returning. The returned error is also recorded as the
// container's failure; callers that only need the container's own
// bookkeeping can ignore it.
func (c *Container) Execute(ctx context.Context, rt Runtime) error {
	c.mutex.Lock()
	c.running = true
	c.startedAt = time.Now()
	c.mutex.Unlock()
	c.setPhase(PhaseSetup)

	reqResult, err := c.runRequirements(ctx)
	if err == nil {
		err = c.checkTimeout()
	}

	if err == nil {
		c.setPhase(PhasePreParser)
		err = c.runPreParser(ctx)
		if err == nil {
			err = c.checkTimeout()
		}
	}

	var raw interface{}
	if err == nil {
		c.setPhase(PhaseExecution)
		raw, err = c.runExecution(ctx, rt)
		if err == nil {
			err = c.checkTimeout()
		}
	}

	var parsed interface{}
	if err == nil {
		c.setPhase(PhasePostParser)
		parsed, err = c.runPostParser(ctx, raw)
	} else {
		parsed = reqResult
	}

	finalResult := parsed
	failed := err != nil

	if err == nil {
		c.setPhase(PhaseCompletion)
		var completionErr error
		finalResult, failed, completionErr = c.runCompletion(ctx, parsed)
		if completionErr != nil {
			err = completionErr
			failed = true
		}
	}

	if failed {
		c.setPhase(PhaseFailed)
		finalResult = c.runOnFailure(ctx, finalResult, err)
	}

	c.finalize(finalResult, failed, rt)
	return err
}

func (c *Container) runRequirements(ctx context.Context) (interface{}, error) {
	if len(c.Hooks.Requirements) == 0 {
		return nil, nil
	}
	c.setPhase(PhaseRequirements)

	type outcome struct {
		key string
		val interface{}
		err error
	}
	results := make(chan outcome, len(c.Hooks.Requirements))
	for key, fn := range c.Hooks.Requirements {
		key, fn := key, fn
		go func() {
			val, err := fn(ctx, c)
			results <- outcome{key: key, val: val, err: err}
		}()
	}

	reqResults := make(map[string]interface{}, len(c.Hooks.Requirements))
	var failures []string
	for i := 0; i < cap(results); i++ {
		o := <-results
		reqResults[o.key] = o.val
		if o.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", o.key, o.err))
		}
	}

	c.mutex.Lock()
	c.reqResults = reqResults
	c.mutex.Unlock()

	if len(failures) > 0 {
		return reqResults, tkerrors.New(tkerrors.KindRequirementsFailure, strings.Join(failures, "; "), nil)
	}
	return reqResults, nil
}

func (c *Container) runPreParser(ctx context.Context) error {
	if c.Hooks.PreParser == nil {
		return nil
	}
	if err := c.Hooks.PreParser(ctx, c); err != nil {
		return tkerrors.New(tkerrors.KindPreparserFailure, "pre-parser hook failed", err)
	}
	return nil
}

func (c *Container) runExecution(ctx context.Context, rt Runtime) (interface{}, error) {
	if len(c.Children) == 0 {
		return c.runLeaf(ctx, rt)
	}

	switch c.Mode {
	case ChildModeBatched:
		return c.runBatched(ctx, rt)
	case ChildModeQueued:
		return c.runQueued(ctx, rt)
	default:
		return nil, tkerrors.New(tkerrors.KindExecutionFailure, "container has children but no composition mode", nil)
	}
}

func (c *Container) runLeaf(ctx context.Context, rt Runtime) (interface{}, error) {
	if c.Env == nil {
		return nil, tkerrors.New(tkerrors.KindExecutionFailure, "no environment leased for command", nil)
	}

	if c.Opts.Root && rt.EnvCtrl != nil && c.Env.CurrentUser() != "root" {
		if err := rt.EnvCtrl.BecomeRoot(ctx, c.Env, ""); err != nil {
			return nil, tkerrors.New(tkerrors.KindExecutionFailure, "become root for command", err)
		}
		defer func() {
			_ = rt.EnvCtrl.Deescalate(context.Background(), c.Env)
		}()
	}

	out, err := rt.Buf.Execute(ctx, c.Env, c.Command, rt.bufOptsFor(c.Opts))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Container) runBatched(ctx context.Context, rt Runtime) (interface{}, error) {
	deadline := c.Opts.Timeout
	for _, child := range c.Children {
		if child.Opts.Timeout > deadline {
			deadline = child.Opts.Timeout
		}
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	type outcome struct {
		child *Container
		err   error
	}
	results := make(chan outcome, len(c.Children))
	for _, child := range c.Children {
		child := child
		go func() {
			err := rt.Dispatcher.Dispatch(runCtx, child)
			results <- outcome{child: child, err: err}
		}()
	}

	out := make(map[string]interface{}, len(c.Children))
	failures := 0
	for i := 0; i < cap(results); i++ {
		select {
		case o := <-results:
			out[o.child.Key] = o.child.Result()
			if o.err != nil || o.child.Failed() {
				failures++
			}
		case <-runCtx.Done():
			return out, tkerrors.New(tkerrors.KindTotalTimeout, "batched children exceeded timeout", runCtx.Err())
		}
	}

	if failures == len(c.Children) && len(c.Children) > 0 {
		return out, tkerrors.New(tkerrors.KindExecutionFailure, "all batched children failed", nil)
	}
	return out, nil
}

func (c *Container) runQueued(ctx context.Context, rt Runtime) (interface{}, error) {
	var total time.Duration
	for _, child := range c.Children {
		total += child.Opts.Timeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if total > 0 {
		runCtx, cancel = context.WithTimeout(ctx, total)
		defer cancel()
	}

	out := make(map[string]interface{}, len(c.Children))
	for _, child := range c.Children {
		child.Env = c.Env
		err := child.Execute(runCtx, rt)
		out[child.Key] = child.Result()
		if err != nil && c.Opts.StopOnFailure {
			return out, tkerrors.New(tkerrors.KindExecutionFailure, "queued child "+child.Key+" failed with stopOnFailure", err)
		}
	}
	return out, nil
}

func (c *Container) runPostParser(ctx context.Context, raw interface{}) (interface{}, error) {
	parsed := raw
	if c.Hooks.PostParser != nil {
		var err error
		parsed, err = c.Hooks.PostParser(ctx, c, raw)
		if err != nil {
			return nil, tkerrors.New(tkerrors.KindPostparserFailure, "post-parser hook failed", err)
		}
	}
	c.mutex.Lock()
	c.parsed = true
	c.mutex.Unlock()
	return parsed, nil
}

func (c *Container) runCompletion(ctx context.Context, parsed interface{}) (interface{}, bool, error) {
	if c.Hooks.Completion == nil {
		return parsed, false, nil
	}
	newResult, failed, err := c.Hooks.Completion(ctx, c, parsed)
	if err != nil {
		return parsed, true, tkerrors.New(tkerrors.KindCompletionTaskFailure, "completion hook failed", err)
	}
	return newResult, failed, nil
}

func (c *Container) runOnFailure(ctx context.Context, result interface{}, cause error) interface{} {
	if c.Hooks.OnFailure == nil {
		return result
	}
	final, err := c.Hooks.OnFailure(ctx, c, result)
	if err != nil {
		c.log.WithError(err).WithField("cause", cause).Warn("on-failure hook itself failed")
		return result
	}
	return final
}

func (c *Container) finalize(result interface{}, failed bool, rt Runtime) {
	c.mutex.Lock()
	if c.complete {
		// ForceComplete already published the final result and closed done
		c.running = false
		c.mutex.Unlock()
		return
	}
	c.lastResult = result
	c.result = c.lastResult
	c.lastResult = nil
	c.failed = failed
	c.complete = true
	c.running = false
	c.endedAt = time.Now()
	if failed {
		c.phase = PhaseFailed
	} else {
		c.phase = PhaseFinalized
	}
	c.mutex.Unlock()

	close(c.done)
}

// ForceComplete externally terminates the container: marks it failed and
// complete, publishes result as the final result, and signals every waiter
// without running further phases. Recurses into children.
func (c *Container) ForceComplete(result interface{}) {
	c.mutex.Lock()
	alreadyDone := c.complete
	c.result = result
	c.failed = true
	c.complete = true
	c.running = false
	c.parsed = true
	c.phase = PhaseFailed
	c.mutex.Unlock()

	if !alreadyDone {
		close(c.done)
	}

	for _, child := range c.Children {
		child.ForceComplete(tkerrors.New(tkerrors.KindForceComplete, "parent force-completed", nil))
	}
}

// Reset clears a completed container's transient state (result, flags,
// phase, completion event) so it can be re-executed with the same
// configuration. Recurses into children.
func (c *Container) Reset() {
	c.mutex.Lock()
	c.result = nil
	c.lastResult = nil
	c.failed = false
	c.complete = false
	c.running = false
	c.parsed = false
	c.phase = PhaseNew
	c.reqResults = nil
	c.done = make(chan struct{})
	c.mutex.Unlock()

	for _, child := range c.Children {
		child.Reset()
	}
}

// String renders a short identity summary, useful in log fields.
func (c *Container) String() string {
	return fmt.Sprintf("container(%s, phase=%s, failed=%v, complete=%v)", c.Key, c.Phase(), c.Failed(), c.Complete())
}
