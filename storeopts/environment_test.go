package storeopts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEnvironmentOptionsAppliesFuncsOverDefaults(t *testing.T) {
	opts := NewEnvironmentOptions("/tmp/x.db", WithLockSafe(true), WithMaxSubDBs(4), WithOpenTimeout(5*time.Second))

	require.Equal(t, "/tmp/x.db", opts.Path)
	require.True(t, opts.LockSafe)
	require.Equal(t, 4, opts.MaxSubDBs)
	require.Equal(t, 5*time.Second, opts.OpenTimeout)
}

func TestNewEnvironmentOptionsNoFuncsMatchesDefaults(t *testing.T) {
	require.Equal(t, DefaultEnvironmentOptions("/tmp/y.db"), NewEnvironmentOptions("/tmp/y.db"))
}

func TestWithMaxSubDBsIgnoresNonPositive(t *testing.T) {
	opts := NewEnvironmentOptions("/tmp/z.db", WithMaxSubDBs(0))
	require.Equal(t, DefaultEnvironmentOptions("/tmp/z.db").MaxSubDBs, opts.MaxSubDBs)
}

func TestWithOpenTimeoutIgnoresNonPositive(t *testing.T) {
	opts := NewEnvironmentOptions("/tmp/w.db", WithOpenTimeout(0))
	require.Equal(t, DefaultEnvironmentOptions("/tmp/w.db").OpenTimeout, opts.OpenTimeout)
}
