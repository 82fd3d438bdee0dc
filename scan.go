package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ryanmoran/dhscan/internal"
	"github.com/ryanmoran/dhscan/internal/docker"
	"github.com/ryanmoran/dhscan/internal/git"
	"github.com/ryanmoran/dhscan/internal/report"
	"github.com/ryanmoran/dhscan/internal/sarif"
	"github.com/ryanmoran/dhscan/internal/scanner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newScanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan a repository ref and gate on the findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.scan(cmd.Context())
		},
	}
}

func (a *app) scan(ctx context.Context) error {
	cfg := a.config
	if err := cfg.Validate(); err != nil {
		return err
	}

	cleanup := internal.NewCleanupManager(a.logger)
	defer cleanup.Execute()

	session := internal.GenerateSession()
	a.logger.Debug().Str("session", session.String()).Str("ref", cfg.Ref).Msg("starting scan")

	repository, err := git.Root(cfg.Repository)
	if err != nil {
		return err
	}

	commitSHA, err := git.ResolveRef(repository, cfg.Ref)
	if err != nil {
		return err
	}

	var service *docker.Container
	if cfg.Scanner.SkipService {
		a.writer.Printf("Using running scanner at %s\n", cfg.Scanner.URL)
	} else {
		container, err := a.startService(ctx, cleanup, session)
		if err != nil {
			return err
		}
		service = &container
	}

	client := scanner.NewClient(cfg.Scanner.URL, scanner.WithLogger(a.logger))

	err = supervise(ctx, service, func(ctx context.Context) error {
		return client.WaitReady(ctx, cfg.Scanner.ReadyTimeout)
	})
	if err != nil {
		return err
	}

	archive, err := git.CreateArchive(repository, cfg.Ref, a.writer)
	if err != nil {
		return err
	}
	cleanup.Add("archive", archive.Close)

	var (
		log   sarif.Log
		stats scanner.Stats
	)
	err = supervise(ctx, service, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Scanner.ScanTimeout)
		defer cancel()

		var err error
		log, stats, err = client.Scan(ctx, archive)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s at %s: %w", repository, commitSHA[:8], err)
	}

	count := log.FindingCount()
	a.writer.Printf("Sent %s to the scanner, report received in %s with %s finding(s)\n",
		humanize.Bytes(uint64(stats.BytesSent)),
		stats.Duration.Round(time.Millisecond),
		humanize.Comma(int64(count)),
	)

	if err := a.saveReport(ctx, session, stats.Report); err != nil {
		return err
	}

	uploadErr := a.upload(ctx, repository, stats.Report, false)

	if count > 0 {
		if err := sarif.WriteSummary(a.writer.GetWriter(), log); err != nil {
			return err
		}
	}

	return errors.Join(uploadErr, sarif.Gate(log))
}

// startService clones the scanner source, builds its image, and starts it as a container.
// Stopping and removing the container is registered with cleanup.
func (a *app) startService(ctx context.Context, cleanup *internal.CleanupManager, session internal.Session) (docker.Container, error) {
	cfg := a.config.Scanner

	client, err := docker.NewDefaultClient()
	if err != nil {
		return docker.Container{}, fmt.Errorf("failed to create docker client: %w\nMake sure Docker is installed and running (try 'docker ps')", err)
	}
	cleanup.Add("docker-client", func() error {
		client.Close()
		return nil
	})

	version, err := client.Ping(ctx)
	if err != nil {
		return docker.Container{}, err
	}
	a.logger.Debug().Str("api_version", version).Msg("connected to docker daemon")

	source, err := os.MkdirTemp("", "dhscan-scanner-*")
	if err != nil {
		return docker.Container{}, fmt.Errorf("failed to create directory for scanner source: %w\nThis is a system error - check temp directory permissions", err)
	}
	cleanup.Add("scanner-source", func() error {
		return os.RemoveAll(source)
	})

	err = git.Clone(ctx, cfg.Source, cfg.SourceRef, source, a.writer)
	if err != nil {
		return docker.Container{}, err
	}

	image, err := client.BuildImage(ctx, source, cfg.Dockerfile, cfg.Image, a.writer)
	if err != nil {
		return docker.Container{}, fmt.Errorf("failed to build scanner image %q from %q: %w", cfg.Image, cfg.Source, err)
	}

	err = client.RemoveStale(ctx, session.ID())
	if err != nil {
		return docker.Container{}, err
	}

	container, err := client.CreateContainer(ctx, session.ID(), image, cfg.Env, cfg.Network, cfg.StopTimeout)
	if err != nil {
		return docker.Container{}, fmt.Errorf("failed to create container %q from image %q: %w", session.ID(), image.Name, err)
	}
	cleanup.Add("container", func() error {
		ctx := context.WithoutCancel(ctx)
		if err := container.Stop(ctx); err != nil {
			a.logger.Debug().Err(err).Str("container", container.Name).Msg("graceful stop failed")
			return container.ForceRemove(ctx)
		}
		if err := container.Remove(ctx); err != nil {
			return container.ForceRemove(ctx)
		}
		return nil
	})

	err = container.Start(ctx)
	if err != nil {
		return docker.Container{}, err
	}
	a.writer.Printf("Started scanner container %s\n", container.Name)

	return container, nil
}

// supervise runs fn while watching the scanner container. When the container stops
// first, fn is cancelled and the container's exit is returned instead.
func supervise(ctx context.Context, container *docker.Container, fn func(context.Context) error) error {
	if container == nil {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	exited := container.Watch(ctx)

	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})

	g.Go(func() error {
		return <-exited
	})

	return g.Wait()
}

// saveReport writes the raw report to the output path and, when configured, archives it
// in the object store under the session's name.
func (a *app) saveReport(ctx context.Context, session internal.Session, content []byte) error {
	output := a.config.Output
	path, err := report.NewFileStore(filepath.Dir(output)).Put(ctx, filepath.Base(output), content)
	if err != nil {
		return err
	}
	a.writer.Printf("Wrote report to %s\n", path)

	artifact := a.config.Artifact
	if !artifact.Enabled() {
		return nil
	}

	store, err := report.NewS3Store(report.S3Config{
		Endpoint:  artifact.Endpoint,
		Region:    artifact.Region,
		AccessKey: artifact.AccessKey,
		SecretKey: artifact.SecretKey,
		Bucket:    artifact.Bucket,
		UseSSL:    artifact.UseSSL,
	})
	if err != nil {
		a.writer.Warningf("Not archiving report: %s", err)
		return nil
	}

	location, err := store.Put(ctx, session.ReportName(), content)
	if err != nil {
		a.writer.Warningf("Failed to archive report: %s", err)
		return nil
	}
	a.writer.Printf("Archived report to %s\n", location)

	return nil
}
