package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zebiner/sector-doctor/internal/config"
	"github.com/zebiner/sector-doctor/internal/logging"
	"github.com/zebiner/sector-doctor/internal/smart"
	"github.com/zebiner/sector-doctor/test/mocks"
)

func TestSelfTesterForReusesSmartctlTester(t *testing.T) {
	r := new(mocks.Runner)
	diag := config.Default().Diagnostics
	diag.StartPause = 2 * time.Second

	source, err := NewSource(r, "/dev/sda", diag, logging.Discard())
	require.NoError(t, err)
	smartctl, ok := source.(*smart.SmartctlSource)
	require.True(t, ok)
	assert.Same(t, smartctl.SelfTester(), selfTesterFor(source, r, "/dev/sda", diag, logging.Discard()))

	diag.Source = config.SourceFile
	diag.File = "/var/tmp/smart.txt"
	source, err = NewSource(r, "/dev/sda", diag, logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, selfTesterFor(source, r, "/dev/sda", diag, logging.Discard()))
}

func TestCountChange(t *testing.T) {
	assert.Equal(t, "8", countChange(8, 8))
	assert.Equal(t, "8 -> 0", countChange(8, 0))
	assert.Equal(t, "n/a -> 3", countChange(-1, 3))
	assert.Equal(t, "n/a", countChange(-1, -1))
}
