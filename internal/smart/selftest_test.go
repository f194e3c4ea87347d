package smart

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zebiner/sector-doctor/internal/logging"
	"github.com/zebiner/sector-doctor/internal/runner"
	"github.com/zebiner/sector-doctor/internal/sector"
	"github.com/zebiner/sector-doctor/test/mocks"
)

const (
	statusIdle    = "Self-test execution status:      (   0)\tThe previous self-test routine completed\n\t\t\t\t\twithout error or no self-test has ever\n\t\t\t\t\tbeen run.\n"
	statusRunning = "Self-test execution status:      ( 249)\tSelf-test routine in progress...\n\t\t\t\t\t90% of test remaining.\n"
)

func selfTestLog(status string) string {
	return "SMART Self-test log structure revision number 1\n" +
		"Num  Test_Description    Status                  Remaining  LifeTime(hours)  LBA_of_first_error\n" +
		"# 1  Selective offline   " + status + "       00%     21100         -\n"
}

func newTestSelfTester(r runner.Runner) *SelfTester {
	t := NewSelfTester(r, "/dev/sda", "", time.Millisecond, logging.Discard())
	t.SetStartPause(0)
	return t
}

func TestParseRange(t *testing.T) {
	testCases := []struct {
		in      string
		want    Span
		wantErr bool
	}{
		{"100-200", Span{100, 200}, false},
		{" 5 - 5 ", Span{5, 5}, false},
		{"select,1,000-2,000", Span{1000, 2000}, false},
		{"200-100", Span{}, true},
		{"abc-10", Span{}, true},
		{"10-", Span{}, true},
		{"10", Span{}, true},
		{"1-2-3", Span{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseRange(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSpansAround(t *testing.T) {
	assert.Nil(t, SpansAround(nil, 5))

	spans := SpansAround([]sector.Address{1000, 3, 1008, 500}, 5)
	assert.Equal(t, []Span{{0, 8}, {495, 505}, {995, 1013}}, spans)
	assert.Equal(t, "995-1013", spans[2].String())

	// Adjacent windows merge.
	assert.Equal(t, []Span{{10, 31}}, SpansAround([]sector.Address{26, 15}, 5))
}

func TestParseSelfTestStatus(t *testing.T) {
	idle := ParseSelfTestStatus(statusIdle)
	assert.False(t, idle.InProgress)
	assert.Equal(t, 0, idle.Value)
	assert.Equal(t, -1, idle.RemainingPercent)

	running := ParseSelfTestStatus(statusRunning)
	assert.True(t, running.InProgress)
	assert.Equal(t, 249, running.Value)
	assert.Equal(t, 90, running.RemainingPercent)

	nibble := ParseSelfTestStatus("Self-test execution status:      ( 242)\tSelf-test routine in progress...\n")
	assert.True(t, nibble.InProgress)
	assert.Equal(t, 20, nibble.RemainingPercent)

	unknown := ParseSelfTestStatus("nothing useful")
	assert.False(t, unknown.InProgress)
	assert.Equal(t, -1, unknown.RemainingPercent)
}

func TestSelfTesterWaitIdle(t *testing.T) {
	r := new(mocks.Runner)
	r.On("Run", mock.Anything, "smartctl", []string{"-c", "/dev/sda"}).
		Return(runner.Result{Stdout: statusRunning}, nil).Twice()
	r.On("Run", mock.Anything, "smartctl", []string{"-c", "/dev/sda"}).
		Return(runner.Result{Stdout: statusIdle}, nil).Once()

	require.NoError(t, newTestSelfTester(r).WaitIdle(context.Background()))
	r.AssertExpectations(t)
}

func TestSelfTesterWaitIdleCancelled(t *testing.T) {
	r := new(mocks.Runner)
	r.On("Run", mock.Anything, "smartctl", []string{"-c", "/dev/sda"}).
		Return(runner.Result{Stdout: statusRunning}, nil)

	tester := newTestSelfTester(r)
	tester.poll = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tester.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestSelfTesterRun(t *testing.T) {
	t.Run("Short Test", func(t *testing.T) {
		r := new(mocks.Runner)
		r.On("Run", mock.Anything, "smartctl", []string{"-c", "-d", "sat", "/dev/sda"}).
			Return(runner.Result{Stdout: statusIdle}, nil)
		r.On("Run", mock.Anything, "smartctl", []string{"-t", "short", "-d", "sat", "/dev/sda"}).
			Return(runner.Result{}, nil).Once()
		r.On("Run", mock.Anything, "smartctl", []string{"-l", "selftest", "-d", "sat", "/dev/sda"}).
			Return(runner.Result{Stdout: selfTestLog("Completed without error")}, nil).Once()

		tester := NewSelfTester(r, "/dev/sda", "sat", time.Millisecond, logging.Discard())
		tester.SetStartPause(0)
		require.NoError(t, tester.Run(context.Background(), "short"))
		r.AssertExpectations(t)
	})

	t.Run("Unsupported Kind", func(t *testing.T) {
		r := new(mocks.Runner)
		err := newTestSelfTester(r).Run(context.Background(), "conveyance")
		assert.ErrorContains(t, err, "unsupported self-test")
		r.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Smartctl Missing", func(t *testing.T) {
		r := new(mocks.Runner)
		r.On("Run", mock.Anything, "smartctl", mock.Anything).
			Return(runner.Result{ExitStatus: 127}, runner.ErrNotFound)

		err := newTestSelfTester(r).Run(context.Background(), "long")
		require.Error(t, err)
		var te *sector.ToolUnavailableError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, sector.ErrCodeToolNotFound, te.Code)
	})
}

func TestSelfTesterRunSelectiveBatchesSpans(t *testing.T) {
	r := new(mocks.Runner)
	r.On("Run", mock.Anything, "smartctl", []string{"-c", "/dev/sda"}).
		Return(runner.Result{Stdout: statusIdle}, nil)
	r.On("Run", mock.Anything, "smartctl", []string{
		"-t", "select,1-2", "-t", "select,11-12", "-t", "select,21-22", "-t", "select,31-32", "-t", "select,41-42", "/dev/sda",
	}).Return(runner.Result{}, nil).Once()
	r.On("Run", mock.Anything, "smartctl", []string{"-t", "select,51-52", "/dev/sda"}).
		Return(runner.Result{}, nil).Once()

	spans := []Span{{1, 2}, {11, 12}, {21, 22}, {31, 32}, {41, 42}, {51, 52}}
	require.NoError(t, newTestSelfTester(r).RunSelective(context.Background(), spans))
	r.AssertExpectations(t)
}

func TestSelfTesterVerifyRetriesInterrupted(t *testing.T) {
	r := new(mocks.Runner)
	r.On("Run", mock.Anything, "smartctl", []string{"-c", "/dev/sda"}).
		Return(runner.Result{Stdout: statusIdle}, nil)
	r.On("Run", mock.Anything, "smartctl", []string{"-t", "select,90-110", "/dev/sda"}).
		Return(runner.Result{}, nil).Twice()
	r.On("Run", mock.Anything, "smartctl", []string{"-l", "selftest", "/dev/sda"}).
		Return(runner.Result{Stdout: selfTestLog("Interrupted (host reset)")}, nil).Once()
	r.On("Run", mock.Anything, "smartctl", []string{"-l", "selftest", "/dev/sda"}).
		Return(runner.Result{Stdout: selfTestLog("Completed without error")}, nil).Once()

	err := newTestSelfTester(r).Verify(context.Background(), []Span{{90, 110}}, 1, 0)
	require.NoError(t, err)
	r.AssertExpectations(t)
}

func TestSelfTesterVerifyFallsBackToShortTest(t *testing.T) {
	r := new(mocks.Runner)
	r.On("Run", mock.Anything, "smartctl", []string{"-c", "/dev/sda"}).
		Return(runner.Result{Stdout: statusIdle}, nil)
	r.On("Run", mock.Anything, "smartctl", []string{"-t", "select,90-110", "/dev/sda"}).
		Return(runner.Result{}, nil).Once()
	r.On("Run", mock.Anything, "smartctl", []string{"-l", "selftest", "/dev/sda"}).
		Return(runner.Result{Stdout: selfTestLog("Aborted by host")}, nil).Once()
	r.On("Run", mock.Anything, "smartctl", []string{"-t", "short", "/dev/sda"}).
		Return(runner.Result{}, nil).Once()
	r.On("Run", mock.Anything, "smartctl", []string{"-l", "selftest", "/dev/sda"}).
		Return(runner.Result{Stdout: selfTestLog("Completed without error")}, nil).Once()

	err := newTestSelfTester(r).Verify(context.Background(), []Span{{90, 110}}, 0, 0)
	require.NoError(t, err)
	r.AssertExpectations(t)
}

func TestSelfTesterVerifyNoSpans(t *testing.T) {
	r := new(mocks.Runner)
	require.NoError(t, newTestSelfTester(r).Verify(context.Background(), nil, 3, time.Second))
	r.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestSelfTesterStartPause(t *testing.T) {
	tester := NewSelfTester(new(mocks.Runner), "/dev/sda", "", 0, logging.Discard())
	assert.Equal(t, 500*time.Millisecond, tester.startPause)

	tester.SetStartPause(-time.Second)
	assert.Zero(t, tester.startPause)

	src := NewSmartctlSource(new(mocks.Runner), "/dev/sda", SmartctlOptions{StartPause: 2 * time.Second}, logging.Discard())
	assert.Equal(t, 2*time.Second, src.SelfTester().startPause)
}

func TestSelfTesterStartPauseHonorsCancellation(t *testing.T) {
	r := new(mocks.Runner)
	r.On("Run", mock.Anything, "smartctl", []string{"-c", "/dev/sda"}).
		Return(runner.Result{Stdout: statusIdle}, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	r.On("Run", mock.Anything, "smartctl", []string{"-t", "short", "/dev/sda"}).
		Run(func(mock.Arguments) { cancel() }).
		Return(runner.Result{}, nil).Once()

	tester := newTestSelfTester(r)
	tester.SetStartPause(time.Hour)
	err := tester.Run(ctx, "short")
	assert.ErrorIs(t, err, context.Canceled)
	r.AssertExpectations(t)
}
