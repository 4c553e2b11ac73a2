package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshtoolkit/sshtoolkit/pkg/container"
)

type fakeToolkit struct {
	Whoami Func
}

func TestRegisterAndResolveExplicitConstructor(t *testing.T) {
	r := New(nil)
	called := false
	r.Register("ps", func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		called = true
		return container.HookSet{}, container.DefaultExecuteOptions(), nil
	})

	fn, err := r.Resolve("ps")
	require.NoError(t, err)

	_, _, err = fn(nil)
	require.NoError(t, err)
	assert.True(t, called)
}

func TestResolveFallsBackToAttributeLookup(t *testing.T) {
	fake := &fakeToolkit{}
	fake.Whoami = func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		return container.HookSet{}, container.DefaultExecuteOptions(), nil
	}

	r := New(fake)
	fn, err := r.Resolve("whoami")
	require.NoError(t, err)
	_, _, err = fn(nil)
	require.NoError(t, err)
}

func TestResolveUnknownModuleFails(t *testing.T) {
	r := New(&fakeToolkit{})
	_, err := r.Resolve("does-not-exist")
	require.Error(t, err)
}

func TestResolveWithNilFallbackFails(t *testing.T) {
	r := New(nil)
	_, err := r.Resolve("whoami")
	require.Error(t, err)
}

func TestBuildRunsResolvedConstructor(t *testing.T) {
	r := New(nil)
	r.Register("df", func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		opts := container.DefaultExecuteOptions()
		opts.Priority = 5
		return container.HookSet{}, opts, nil
	})

	_, opts, err := r.Build(nil, "df", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, opts.Priority)
}

func TestRegisterOverwritesExisting(t *testing.T) {
	r := New(nil)
	r.Register("ps", func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		return container.HookSet{}, container.ExecuteOptions{Priority: 1}, nil
	})
	r.Register("ps", func(args map[string]interface{}) (container.HookSet, container.ExecuteOptions, error) {
		return container.HookSet{}, container.ExecuteOptions{Priority: 2}, nil
	})

	fn, err := r.Resolve("ps")
	require.NoError(t, err)
	_, opts, _ := fn(nil)
	assert.Equal(t, 2, opts.Priority)
}
