package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ryanmoran/dhscan/internal/git"
	"github.com/ryanmoran/dhscan/internal/sarif"
	"github.com/ryanmoran/dhscan/internal/upload"
	"github.com/spf13/cobra"
)

func newUploadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.sarif>",
		Short: "Upload an existing SARIF report to GitHub code scanning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read report %q: %w", args[0], err)
			}

			if _, err := sarif.Decode(bytes.NewReader(content)); err != nil {
				return fmt.Errorf("refusing to upload %q: %w", args[0], err)
			}

			return a.upload(cmd.Context(), a.config.Repository, content, true)
		},
	}
}

// upload sends content to GitHub code scanning. When required is false, a missing token or
// repository skips the upload with a warning instead of failing.
func (a *app) upload(ctx context.Context, repository string, content []byte, required bool) error {
	cfg := a.config.Upload
	if !required && !cfg.Enabled {
		a.logger.Debug().Msg("code scanning upload disabled")
		return nil
	}

	uploader, err := upload.NewGitHubUploader(cfg.APIURL, cfg.Token, cfg.Repository, upload.WithLogger(a.logger))
	if err != nil {
		if errors.Is(err, upload.ErrNotConfigured) && !required {
			a.writer.Warningf("Skipping code scanning upload: %s", err)
			return nil
		}
		return err
	}

	sha, ref, err := a.uploadTarget(repository)
	if err != nil {
		return err
	}

	receipt, err := uploader.Upload(ctx, upload.Report{
		CommitSHA:   sha,
		Ref:         ref,
		ToolName:    cfg.ToolName,
		CheckoutURI: checkoutURI(cfg.CheckoutURI),
		SARIF:       content,
	})
	if err != nil {
		return err
	}

	a.writer.Printf("Uploaded report to code scanning for %s at %s (id %s)\n", ref, sha[:8], receipt.ID)
	a.logger.Debug().Str("url", receipt.URL).Msg("upload processing status")

	return nil
}

// uploadTarget picks the commit and ref the report is attached to. A ref given with --ref is
// the code that was scanned, so it wins over the commit and ref of the triggering event.
func (a *app) uploadTarget(repository string) (string, string, error) {
	sha, ref := a.config.Upload.CommitSHA, a.config.Upload.Ref
	scanned := a.config.Ref != ""

	if scanned || sha == "" {
		resolved, err := git.ResolveRef(repository, a.config.Ref)
		if err != nil {
			return "", "", err
		}
		sha = resolved
	}

	if scanned || ref == "" {
		qualified, err := git.QualifiedRef(repository, a.config.Ref)
		if err != nil {
			return "", "", err
		}
		if qualified != "" {
			ref = qualified
		}
	}

	return sha, ref, nil
}

func checkoutURI(path string) string {
	if path == "" || strings.Contains(path, "://") {
		return path
	}

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	return "file://" + filepath.ToSlash(path)
}
