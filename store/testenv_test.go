package store

import (
	"path/filepath"
	"testing"

	"github.com/sirgallo/nyada/storeopts"
)

func newTestEnvironment(t *testing.T) *Environment {
	t.Helper()

	dir := t.TempDir()
	opts := storeopts.DefaultEnvironmentOptions(filepath.Join(dir, "test.db"))

	env, err := OpenEnvironment(opts, nil)
	if err != nil {
		t.Fatalf("open environment: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	return env
}

func newTestEnvironmentWithOpts(t *testing.T, fns ...storeopts.EnvironmentOptionFunc) *Environment {
	t.Helper()

	dir := t.TempDir()
	opts := storeopts.DefaultEnvironmentOptions(filepath.Join(dir, "test.db"))

	env, err := OpenEnvironment(opts, nil, fns...)
	if err != nil {
		t.Fatalf("open environment: %v", err)
	}
	t.Cleanup(func() { env.Close() })

	return env
}
