package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCombined(t *testing.T) {
	assert.Equal(t, "", Result{}.Combined())
	assert.Equal(t, "out", Result{Stdout: "out\n"}.Combined())
	assert.Equal(t, "err", Result{Stderr: " err "}.Combined())
	assert.Equal(t, "out\nerr", Result{Stdout: "out\n", Stderr: "err\n"}.Combined())
}

func TestLocalRun(t *testing.T) {
	l := NewLocal()
	assert.Equal(t, []string{"LC_ALL=C"}, l.Env)

	res, err := l.Run(context.Background(), "sh", "-c", "echo hello; echo oops >&2; echo $LC_ALL")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "hello\nC\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestLocalRunNonZeroExit(t *testing.T) {
	res, err := NewLocal().Run(context.Background(), "sh", "-c", "echo busy >&2; exit 16")
	require.NoError(t, err)
	assert.Equal(t, 16, res.ExitStatus)
	assert.Equal(t, "busy", res.Combined())
}

func TestLocalRunNotFound(t *testing.T) {
	res, err := NewLocal().Run(context.Background(), "sector-doctor-no-such-tool")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 127, res.ExitStatus)
}

func TestLocalRunDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := NewLocal().Run(ctx, "sh", "-c", "sleep 5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitStatus)
}
