// Package module implements the module registry: a strategy-pattern lookup
// from a module name to the function that runs it, falling back to
// attribute-style resolution against a bound struct when no constructor was
// registered explicitly. This replaces the dynamic getattr-by-name dispatch
// the source runtime used to locate per-command modules (ps, df, whoami, …)
// with an instance-scoped Go registry.
package module

import (
	"context"
	"fmt"

	"github.com/mcuadros/go-lookup"

	"github.com/sshtoolkit/sshtoolkit/pkg/container"
	tkerrors "github.com/sshtoolkit/sshtoolkit/pkg/errors"
)

// Func builds the HookSet and ExecuteOptions for one named module,
// given the raw arguments a caller supplied when invoking it.
type Func func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error)

// Registry resolves a module name to a Func. It is instance-scoped (not a
// package-level global) so a caller can run several independent toolkits,
// each with its own registered modules, in the same process.
type Registry struct {
	ctors map[string]Func

	// fallback is consulted by attribute-style lookup when a name has no
	// registered constructor. It is typically the *toolkit.Toolkit itself,
	// letting a module name like "whoami" resolve against a Whoami field
	// or method the same way the source runtime did getattr(toolkit, name).
	fallback interface{}
}

// New builds an empty registry. fallback may be nil if attribute-style
// resolution is never needed.
func New(fallback interface{}) *Registry {
	return &Registry{
		ctors:    make(map[string]Func),
		fallback: fallback,
	}
}

// Register binds name to fn. A later call with the same name overwrites the
// earlier one, mirroring the teacher's map-based command registries.
func (r *Registry) Register(name string, fn Func) {
	r.ctors[name] = fn
}

// Resolve looks up name, checking the constructor map first and falling
// back to attribute-style lookup against the bound fallback value.
func (r *Registry) Resolve(name string) (Func, error) {
	if fn, ok := r.ctors[name]; ok {
		return fn, nil
	}

	if r.fallback == nil {
		return nil, tkerrors.New(tkerrors.KindDataFormatFailure, "unknown module: "+name, nil)
	}

	value, err := lookup.LookupString(r.fallback, exportedFieldName(name))
	if err != nil {
		return nil, tkerrors.New(tkerrors.KindDataFormatFailure, "unknown module: "+name, err)
	}

	fn, ok := value.Interface().(Func)
	if !ok {
		return nil, tkerrors.New(tkerrors.KindDataFormatFailure, fmt.Sprintf("field %q is not a module.Func", name), nil)
	}
	return fn, nil
}

// Build resolves name and runs its constructor with args, returning the
// HookSet/ExecuteOptions ready to hand to container.New.
func (r *Registry) Build(ctx context.Context, name string, args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
	fn, err := r.Resolve(name)
	if err != nil {
		return container.HookSet{}, container.ExecuteOptions{}, err
	}
	return fn(args)
}

// exportedFieldName upper-cases the first rune of name so "whoami" resolves
// against an exported field named "Whoami", matching Go's export rules.
func exportedFieldName(name string) string {
	if name == "" {
		return name
	}
	r := []rune(name)
	if r[0] >= 'a' && r[0] <= 'z' {
		r[0] = r[0] - ('a' - 'A')
	}
	return string(r)
}
