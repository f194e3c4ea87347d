// Package docker provides a wrapper around the Docker SDK that runs the
// disk tools (smartctl, hdparm, sg_reassign) inside a privileged tools
// container instead of on the host.
//
// This is useful on hosts that do not ship smartmontools or hdparm (NAS
// appliances, immutable distributions). The container needs the host /dev
// mounted and --privileged so the tools can issue ATA/SCSI pass-through
// commands.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/zebiner/sector-doctor/internal/runner"
)

// execAPI is the subset of the Docker client used by ContainerRunner.
type execAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	Close() error
}

// ContainerRunner implements runner.Runner by exec-ing commands in a
// running container.
type ContainerRunner struct {
	api       execAPI
	container string
	env       []string
	retry     *RetryPolicy
}

// NewContainerRunner connects to the Docker daemon from the environment
// and checks that container is running and privileged.
func NewContainerRunner(ctx context.Context, container string) (*ContainerRunner, error) {
	dockerClient, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	r, err := newContainerRunner(ctx, dockerClient, container)
	if err != nil {
		dockerClient.Close()
		return nil, err
	}
	return r, nil
}

func newContainerRunner(ctx context.Context, api execAPI, container string) (*ContainerRunner, error) {
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}

	if _, err := api.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot connect to Docker daemon: %w", err)
	}

	info, err := api.ContainerInspect(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", container, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return nil, fmt.Errorf("container %s is not running", container)
	}
	if info.HostConfig == nil || !info.HostConfig.Privileged {
		return nil, fmt.Errorf("container %s must run with --privileged to reach block devices", container)
	}

	return &ContainerRunner{
		api:       api,
		container: container,
		env:       []string{"LC_ALL=C"},
		retry:     NewDefaultRetryPolicy(),
	}, nil
}

// Close releases the Docker client resources
func (r *ContainerRunner) Close() error {
	if r.api != nil {
		return r.api.Close()
	}
	return nil
}

// Run implements runner.Runner.
func (r *ContainerRunner) Run(ctx context.Context, name string, args ...string) (runner.Result, error) {
	execConfig := types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Env:          r.env,
		Cmd:          append([]string{name}, args...),
	}

	execCreate, err := retry(ctx, r.retry, func() (types.IDResponse, error) {
		return r.api.ContainerExecCreate(ctx, r.container, execConfig)
	})
	if err != nil {
		return runner.Result{ExitStatus: -1}, fmt.Errorf("failed to create exec: %w", err)
	}

	response, err := r.api.ContainerExecAttach(ctx, execCreate.ID, types.ExecStartCheck{})
	if err != nil {
		return runner.Result{ExitStatus: -1}, fmt.Errorf("failed to start exec: %w", err)
	}
	defer response.Close()

	var stdout, stderr bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, response.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil && err != io.EOF {
			return runner.Result{ExitStatus: -1, Stdout: stdout.String(), Stderr: stderr.String()},
				fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return runner.Result{ExitStatus: -1}, fmt.Errorf("%s: %w", name, ctx.Err())
	}

	res := runner.Result{Stdout: stdout.String(), Stderr: stderr.String()}

	// The exec may still be marked running for a moment after its streams
	// close.
	for i := 0; i < 50; i++ {
		inspect, err := retry(ctx, r.retry, func() (types.ContainerExecInspect, error) {
			return r.api.ContainerExecInspect(ctx, execCreate.ID)
		})
		if err != nil {
			res.ExitStatus = -1
			return res, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			res.ExitStatus = inspect.ExitCode
			return res, nil
		}
		select {
		case <-ctx.Done():
			res.ExitStatus = -1
			return res, fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}

	res.ExitStatus = -1
	return res, fmt.Errorf("exec %s did not finish after its output closed", execCreate.ID)
}
