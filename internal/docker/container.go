package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ErrExited is reported by Watch when the container stops before it is told to.
var ErrExited = errors.New("scanner container exited")

type Container struct {
	client DockerClient

	ID          string
	Name        string
	StopTimeout int
}

// Start starts the container. Returns an error if the container fails to start,
// which may indicate a misconfiguration or an unhealthy Docker daemon.
func (c Container) Start(ctx context.Context) error {
	_, err := c.client.ContainerStart(ctx, c.ID, client.ContainerStartOptions{})
	if err != nil {
		return fmt.Errorf("failed to start container %q: %w\nContainer may be misconfigured or Docker daemon may be unhealthy", c.Name, err)
	}

	return nil
}

// Watch reports on the returned channel if the container stops running before ctx is done.
// The channel receives at most one error wrapping ErrExited, or the error from the Docker
// daemon, and is closed afterwards. Nothing is sent when ctx is cancelled first.
func (c Container) Watch(ctx context.Context) <-chan error {
	wait := c.client.ContainerWait(ctx, c.ID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})

	exited := make(chan error, 1)
	go func() {
		defer close(exited)

		select {
		case <-ctx.Done():
		case err := <-wait.Error:
			if err != nil && ctx.Err() == nil {
				exited <- fmt.Errorf("failed to wait for container %q: %w\nDocker daemon may have encountered an error", c.Name, err)
			}
		case status := <-wait.Result:
			exited <- fmt.Errorf("%w: %q stopped with status %d\nInspect it with 'docker logs %s'", ErrExited, c.Name, status.StatusCode, c.Name)
		}
	}()

	return exited
}

// Stop gracefully stops the container, killing it after the configured timeout.
func (c Container) Stop(ctx context.Context) error {
	timeout := c.StopTimeout
	_, err := c.client.ContainerStop(ctx, c.ID, client.ContainerStopOptions{Timeout: &timeout})
	if err != nil {
		return fmt.Errorf("failed to stop container %q: %w", c.Name, err)
	}

	return nil
}

// Remove removes the container from the Docker daemon.
// Returns an error if the container is still running or cannot be removed.
// Use ForceRemove to remove a running container.
func (c Container) Remove(ctx context.Context) error {
	_, err := c.client.ContainerRemove(ctx, c.ID, client.ContainerRemoveOptions{})
	if err != nil {
		return fmt.Errorf("failed to remove container %q: %w\nContainer may still be running - use ForceRemove if needed", c.Name, err)
	}

	return nil
}

// ForceRemove forcibly removes the container from the Docker daemon, even if it is still running.
// Returns an error if the container cannot be removed, which may indicate an inconsistent state.
func (c Container) ForceRemove(ctx context.Context) error {
	_, err := c.client.ContainerRemove(ctx, c.ID, client.ContainerRemoveOptions{
		Force: true,
	})
	if err != nil {
		return fmt.Errorf("failed to force remove container %q: %w\nContainer may be in an inconsistent state", c.Name, err)
	}

	return nil
}
