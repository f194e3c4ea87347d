package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI is an in-memory execAPI. Each exec replays the configured
// streams and reports exitCode after runningPolls inspections.
type fakeAPI struct {
	pingErr      error
	inspect      types.ContainerJSON
	inspectErr   error
	stdout       string
	stderr       string
	exitCode     int
	runningPolls int
	createErrs   []error

	execConfigs []types.ExecConfig
	polls       int
	closed      bool
}

func runningContainer(privileged bool) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State:      &types.ContainerState{Running: true},
			HostConfig: &container.HostConfig{Privileged: privileged},
		},
	}
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeAPI) ContainerExecCreate(ctx context.Context, c string, config types.ExecConfig) (types.IDResponse, error) {
	f.execConfigs = append(f.execConfigs, config)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return types.IDResponse{}, err
	}
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeAPI) ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout)); err != nil {
			return types.HijackedResponse{}, err
		}
	}
	if f.stderr != "" {
		if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr)); err != nil {
			return types.HijackedResponse{}, err
		}
	}
	conn, peer := net.Pipe()
	peer.Close()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeAPI) ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error) {
	f.polls++
	if f.polls <= f.runningPolls {
		return types.ContainerExecInspect{ExecID: execID, Running: true}, nil
	}
	return types.ContainerExecInspect{ExecID: execID, ExitCode: f.exitCode}, nil
}

func (f *fakeAPI) Close() error {
	f.closed = true
	return nil
}

func TestNewContainerRunnerValidation(t *testing.T) {
	testCases := []struct {
		name      string
		container string
		api       *fakeAPI
		wantErr   string
	}{
		{"Missing Name", "", &fakeAPI{}, "container name is required"},
		{"Daemon Down", "tools", &fakeAPI{pingErr: errors.New("connection refused")}, "cannot connect to Docker daemon"},
		{"Unknown Container", "tools", &fakeAPI{inspectErr: errors.New("No such container: tools")}, "failed to inspect container tools"},
		{"Stopped", "tools", &fakeAPI{inspect: types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{State: &types.ContainerState{}}}}, "is not running"},
		{"Unprivileged", "tools", &fakeAPI{inspect: runningContainer(false)}, "--privileged"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newContainerRunner(context.Background(), tc.api, tc.container)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestContainerRunnerRun(t *testing.T) {
	api := &fakeAPI{
		inspect:      runningContainer(true),
		stdout:       "re-writing sector 42: succeeded\n",
		stderr:       "warning\n",
		exitCode:     0,
		runningPolls: 2,
	}
	r, err := newContainerRunner(context.Background(), api, "tools")
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "hdparm", "--repair-sector", "42", "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "re-writing sector 42: succeeded\n", res.Stdout)
	assert.Equal(t, "warning\n", res.Stderr)
	assert.Equal(t, 3, api.polls)

	require.Len(t, api.execConfigs, 1)
	assert.Equal(t, []string{"hdparm", "--repair-sector", "42", "/dev/sda"}, api.execConfigs[0].Cmd)
	assert.Equal(t, []string{"LC_ALL=C"}, api.execConfigs[0].Env)

	require.NoError(t, r.Close())
	assert.True(t, api.closed)
}

func TestContainerRunnerNonZeroExit(t *testing.T) {
	api := &fakeAPI{inspect: runningContainer(true), stderr: "smartctl: not found\n", exitCode: 127}
	r, err := newContainerRunner(context.Background(), api, "tools")
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "smartctl", "-c", "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, 127, res.ExitStatus)
	assert.Equal(t, "smartctl: not found", res.Combined())
}

func TestContainerRunnerRetriesExecCreate(t *testing.T) {
	api := &fakeAPI{
		inspect:    runningContainer(true),
		stdout:     "ok\n",
		createErrs: []error{errors.New("error during connect: connection refused")},
	}
	r, err := newContainerRunner(context.Background(), api, "tools")
	require.NoError(t, err)
	r.retry = fastPolicy()

	res, err := r.Run(context.Background(), "true")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)
	assert.Len(t, api.execConfigs, 2)
}

func TestContainerRunnerCancelled(t *testing.T) {
	api := &fakeAPI{inspect: runningContainer(true), runningPolls: 1000}
	r, err := newContainerRunner(context.Background(), api, "tools")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Run(ctx, "dmesg")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, -1, res.ExitStatus)
}
