package docker

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	"github.com/ryanmoran/dhscan/internal"
)

// SessionLabel marks containers started by dhscan with the session that owns them.
const SessionLabel = "dev.dhscan.session"

type Image struct {
	Name string
}

type Client struct {
	client DockerClient
}

// NewClient creates a Client that wraps the provided Docker client interface.
func NewClient(dockerClient DockerClient) Client {
	return Client{
		client: dockerClient,
	}
}

// NewDefaultClient creates a Client with a real Docker client from the environment.
func NewDefaultClient() (Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return Client{}, fmt.Errorf("failed to create docker client: %w\nEnsure Docker is running and DOCKER_HOST is set correctly", err)
	}

	return NewClient(cli), nil
}

// Close closes the underlying Docker client connection.
func (c Client) Close() {
	c.client.Close()
}

// Ping pings the Docker daemon and returns the API version if successful.
func (c Client) Ping(ctx context.Context) (string, error) {
	ping, err := c.client.Ping(ctx, client.PingOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to ping docker daemon: %w\nMake sure Docker is installed and running (try 'docker ps')", err)
	}
	return ping.APIVersion, nil
}

// BuildImage builds a Docker image from the build context at contextDir, using the Dockerfile at
// the given path relative to contextDir, and tags it with imageName. The .git directory of the
// context is not sent to the daemon. Build output is streamed to the provided Writer. Returns an
// error if the Dockerfile does not exist, the context cannot be archived, the build fails, or the
// build output cannot be decoded.
func (c Client) BuildImage(ctx context.Context, contextDir, dockerfile string, imageName internal.ImageName, w internal.Writer) (Image, error) {
	if _, err := os.Stat(filepath.Join(contextDir, dockerfile)); err != nil {
		return Image{}, fmt.Errorf("failed to find Dockerfile %q in %q: %w\nCheck the scanner source and --scanner-dockerfile", dockerfile, contextDir, err)
	}

	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		tw := tar.NewWriter(pw)

		err := addBuildContext(tw, contextDir)
		if err == nil {
			err = tw.Close()
		}

		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to archive build context %q: %w", contextDir, err))
		} else {
			pw.Close()
		}
	}()

	response, err := c.client.ImageBuild(ctx, pr, client.ImageBuildOptions{
		Dockerfile: filepath.ToSlash(dockerfile),
		Tags:       []string{string(imageName)},
		Remove:     true,
	})
	if err != nil {
		return Image{}, fmt.Errorf("failed to build image %q: %w\nCheck Docker daemon logs for details", imageName, err)
	}
	defer response.Body.Close()

	decoder := json.NewDecoder(response.Body)
	for decoder.More() {
		select {
		case <-ctx.Done():
			return Image{}, ctx.Err()
		default:
		}

		var output struct {
			Stream      string `json:"stream"`
			ErrorDetail struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"errorDetail"`
			Error string `json:"error"`
		}
		err := decoder.Decode(&output)
		if err != nil {
			return Image{}, fmt.Errorf("failed to decode build output: %w\nDocker may have returned malformed JSON", err)
		}

		if output.ErrorDetail.Message != "" || output.Error != "" {
			message := output.ErrorDetail.Message
			if message == "" {
				message = output.Error
			}
			return Image{}, fmt.Errorf("docker build failed: %s\nCheck the scanner Dockerfile and base image availability", message)
		}

		w.Print(output.Stream)
	}

	return Image{
		Name: string(imageName),
	}, nil
}

// RemoveStale force-removes any container, running or not, that already uses the given name.
func (c Client) RemoveStale(ctx context.Context, name internal.SessionID) error {
	result, err := c.client.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	for _, item := range result.Items {
		if !slices.Contains(item.Names, "/"+string(name)) {
			continue
		}

		_, err := c.client.ContainerRemove(ctx, item.ID, client.ContainerRemoveOptions{Force: true})
		if err != nil {
			return fmt.Errorf("failed to remove stale container %q: %w", name, err)
		}
	}

	return nil
}

// SessionContainers returns the names of all containers, running or not, created by CreateContainer.
func (c Client) SessionContainers(ctx context.Context) ([]string, error) {
	result, err := c.client.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var names []string
	for _, item := range result.Items {
		if _, ok := item.Labels[SessionLabel]; ok {
			names = append(names, item.Labels[SessionLabel])
		}
	}

	return names, nil
}

// CreateContainer creates the scanner service container from image. The container joins the
// given network; with the default "host" network the service listens directly on the runner's
// loopback interface. Returns a Container handle or an error if creation fails.
func (c Client) CreateContainer(ctx context.Context, name internal.SessionID, image Image, env internal.Environment, network string, stopTimeout int) (Container, error) {
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(network),
	}
	if network != "host" {
		hostConfig.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}

	response, err := c.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config: &container.Config{
			Image:  image.Name,
			Env:    []string(env),
			Labels: map[string]string{SessionLabel: string(name)},
		},
		HostConfig: hostConfig,
		Name:       string(name),
	})
	if err != nil {
		return Container{}, fmt.Errorf("failed to create container %q from image %q: %w\nEnsure image exists and container config is valid", name, image.Name, err)
	}

	return Container{
		ID:          response.ID,
		Name:        string(name),
		client:      c.client,
		StopTimeout: stopTimeout,
	}, nil
}

func addBuildContext(tw *tar.Writer, contextDir string) error {
	return filepath.Walk(contextDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(contextDir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if relPath == "." {
			return nil
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to create header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", path, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", path, err)
		}
		defer file.Close()

		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to write file %s: %w", path, err)
		}

		return nil
	})
}
