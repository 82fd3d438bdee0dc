package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	containertypes "github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"github.com/ryanmoran/dhscan/internal/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDockerClient implements docker.DockerClient for the calls supervise needs.
type fakeDockerClient struct {
	containerWaitFunc func(ctx context.Context, containerID string, options client.ContainerWaitOptions) client.ContainerWaitResult
}

func (f *fakeDockerClient) ImageBuild(ctx context.Context, buildContext io.Reader, options client.ImageBuildOptions) (client.ImageBuildResult, error) {
	return client.ImageBuildResult{}, errors.New("not implemented")
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, options client.ContainerCreateOptions) (client.ContainerCreateResult, error) {
	return client.ContainerCreateResult{ID: "container123"}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, containerID string, options client.ContainerStartOptions) (client.ContainerStartResult, error) {
	return client.ContainerStartResult{}, nil
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, containerID string, options client.ContainerWaitOptions) client.ContainerWaitResult {
	return f.containerWaitFunc(ctx, containerID, options)
}

func (f *fakeDockerClient) ContainerStop(ctx context.Context, containerID string, options client.ContainerStopOptions) (client.ContainerStopResult, error) {
	return client.ContainerStopResult{}, nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, containerID string, options client.ContainerRemoveOptions) (client.ContainerRemoveResult, error) {
	return client.ContainerRemoveResult{}, nil
}

func (f *fakeDockerClient) ContainerList(ctx context.Context, options client.ContainerListOptions) (client.ContainerListResult, error) {
	return client.ContainerListResult{}, nil
}

func (f *fakeDockerClient) Ping(ctx context.Context, options client.PingOptions) (client.PingResult, error) {
	return client.PingResult{}, nil
}

func (f *fakeDockerClient) Close() error {
	return nil
}

var _ docker.DockerClient = (*fakeDockerClient)(nil)

// waitChannels hands the container's wait channels to the test and records the
// context Watch was started with.
type waitChannels struct {
	mu     sync.Mutex
	ctx    context.Context
	result chan containertypes.WaitResponse
	err    chan error
}

func newWaitChannels() *waitChannels {
	return &waitChannels{
		result: make(chan containertypes.WaitResponse, 1),
		err:    make(chan error, 1),
	}
}

func (w *waitChannels) wait(ctx context.Context, _ string, _ client.ContainerWaitOptions) client.ContainerWaitResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx = ctx
	return client.ContainerWaitResult{Result: w.result, Error: w.err}
}

func (w *waitChannels) watchContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.ctx
}

func newWatchedContainer(t *testing.T, channels *waitChannels) *docker.Container {
	t.Helper()

	c := docker.NewClient(&fakeDockerClient{containerWaitFunc: channels.wait})
	container, err := c.CreateContainer(context.Background(), "dhscan-1234abcd", docker.Image{Name: "dhscanner:test"}, nil, "host", 10)
	require.NoError(t, err)

	return &container
}

func TestSupervise(t *testing.T) {
	tests := []struct {
		name string
		// fn runs as the supervised step; channels lets it stop the container
		fn    func(ctx context.Context, channels *waitChannels) error
		check func(t *testing.T, err error)
	}{
		{
			name: "container exits while the step runs",
			fn: func(ctx context.Context, channels *waitChannels) error {
				channels.result <- containertypes.WaitResponse{StatusCode: 137}
				<-ctx.Done()
				return ctx.Err()
			},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, docker.ErrExited)
				assert.Contains(t, err.Error(), "status 137")
				assert.NotErrorIs(t, err, context.Canceled)
			},
		},
		{
			name: "daemon reports an error while the step runs",
			fn: func(ctx context.Context, channels *waitChannels) error {
				channels.err <- errors.New("daemon went away")
				<-ctx.Done()
				return ctx.Err()
			},
			check: func(t *testing.T, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "daemon went away")
			},
		},
		{
			name: "step fails",
			fn: func(ctx context.Context, channels *waitChannels) error {
				return errors.New("scanner not ready")
			},
			check: func(t *testing.T, err error) {
				require.EqualError(t, err, "scanner not ready")
			},
		},
		{
			name: "step finishes cleanly",
			fn: func(ctx context.Context, channels *waitChannels) error {
				return nil
			},
			check: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channels := newWaitChannels()
			container := newWatchedContainer(t, channels)

			done := make(chan error, 1)
			go func() {
				done <- supervise(context.Background(), container, func(ctx context.Context) error {
					return tt.fn(ctx, channels)
				})
			}()

			select {
			case err := <-done:
				tt.check(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("supervise did not return")
			}

			watchCtx := channels.watchContext()
			require.NotNil(t, watchCtx)
			assert.Error(t, watchCtx.Err(), "container watch should stop once supervise returns")
		})
	}

	t.Run("runs the step directly without a container", func(t *testing.T) {
		var called bool
		err := supervise(context.Background(), nil, func(ctx context.Context) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("step is cancelled when the container exits", func(t *testing.T) {
		channels := newWaitChannels()
		container := newWatchedContainer(t, channels)

		var stepErr error
		err := supervise(context.Background(), container, func(ctx context.Context) error {
			channels.result <- containertypes.WaitResponse{StatusCode: 1}
			select {
			case <-ctx.Done():
				stepErr = ctx.Err()
			case <-time.After(5 * time.Second):
				stepErr = errors.New("step was not cancelled")
			}
			return stepErr
		})
		require.ErrorIs(t, err, docker.ErrExited)
		require.ErrorIs(t, stepErr, context.Canceled)
	})
}
