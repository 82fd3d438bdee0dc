package git

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ryanmoran/dhscan/internal"
)

// ErrInvalidRef is returned for refs and URLs that git would read as options.
var ErrInvalidRef = errors.New("invalid git ref")

// CreateArchive creates a gzip-compressed tar archive of the Git repository at the specified
// path, as of the given ref. It copies the .git directory into a temporary directory, checks out
// the ref there, and archives every file tracked at that ref. Symlinks and the .git directory are
// not included. An empty ref archives HEAD.
//
// Returns an io.ReadCloser that streams the archive. The caller must close it to clean up
// resources. Errors that occur while the archive is being produced are returned from Read.
// Returns an error immediately if the Git root cannot be determined, the ref does not exist, or
// the temporary directory cannot be created.
func CreateArchive(path, ref string, w internal.Writer) (io.ReadCloser, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if err := checkRef(ref); err != nil {
		return nil, err
	}

	root, err := Root(path)
	if err != nil {
		return nil, err
	}

	if _, err := ResolveRef(root, ref); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "dhscan-checkout-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w\nCheck disk space and /tmp permissions", err)
	}

	pr, pw := io.Pipe()

	archive := func(tw *tar.Writer, gitRoot, tempRoot string) error {
		defer os.RemoveAll(tempRoot) // Clean up temp directory

		src := filepath.Join(gitRoot, ".git")
		dst := filepath.Join(tempRoot, ".git")

		if err := copyDirectory(src, dst); err != nil {
			return fmt.Errorf("failed to copy .git directory from %q to %q: %w\nCheck disk space and permissions", src, dst, err)
		}

		cmd := exec.Command("git", "checkout", ref, "--", ".")
		cmd.Dir = tempRoot
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to checkout %q in temporary repo: %w\n%s", ref, err, strings.TrimSpace(string(output)))
		}

		cmd = exec.Command("git", "ls-tree", "-r", "-z", "--name-only", ref)
		cmd.Dir = tempRoot
		output, err := cmd.Output()
		if err != nil {
			return fmt.Errorf("failed to list files tracked at %q: %w\nRepository may be corrupted", ref, err)
		}

		var count int
		for _, relPath := range bytes.Split(output, []byte{0}) {
			if len(relPath) == 0 {
				continue
			}

			added, err := addFileToArchive(tw, tempRoot, string(relPath))
			if err != nil {
				return err
			}
			if added {
				count++
			}
		}

		w.Printf("Archived %d files from %s\n", count, ref)
		return nil
	}

	go func() {
		gz := gzip.NewWriter(pw)
		tw := tar.NewWriter(gz)

		err := archive(tw, root, tempDir)
		if err == nil {
			err = tw.Close()
		}
		if err == nil {
			err = gz.Close()
		}

		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to create git archive: %w", err))
		} else {
			pw.Close()
		}
	}()

	return &archiveCloser{pr: pr}, nil
}

// Root returns the top-level directory of the Git repository containing path.
func Root(path string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get git root path from %q: %w\nEnsure you're in a git repository", path, err)
	}

	return strings.TrimSpace(string(output)), nil
}

// ResolveRef returns the commit SHA that ref points to in the repository at path.
// Annotated tags are peeled to the commit they reference.
func ResolveRef(path, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if err := checkRef(ref); err != nil {
		return "", err
	}

	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to resolve ref %q in %q: %w\nCheck that the tag or branch exists (try 'git fetch --tags')", ref, path, err)
	}

	return strings.TrimSpace(string(output)), nil
}

// QualifiedRef returns the full name of ref, e.g. "refs/tags/v1.0.0". Returns an empty string when
// ref does not name a branch or tag, such as a bare commit SHA or a detached HEAD.
func QualifiedRef(path, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	if err := checkRef(ref); err != nil {
		return "", err
	}

	cmd := exec.Command("git", "rev-parse", "--symbolic-full-name", ref)
	cmd.Dir = path
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to qualify ref %q in %q: %w", ref, path, err)
	}

	name := strings.TrimSpace(string(output))
	if !strings.HasPrefix(name, "refs/") {
		return "", nil
	}

	return name, nil
}

// checkRef rejects refs that git would parse as a command-line option.
func checkRef(ref string) error {
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("%w: %q must not start with '-'", ErrInvalidRef, ref)
	}

	return nil
}

// archiveCloser wraps the pipe reader to ensure proper cleanup
type archiveCloser struct {
	pr *io.PipeReader
}

func (a *archiveCloser) Read(p []byte) (int, error) {
	return a.pr.Read(p)
}

func (a *archiveCloser) Close() error {
	return a.pr.Close()
}

func addFileToArchive(tw *tar.Writer, root, relPath string) (bool, error) {
	fullPath := filepath.Join(root, relPath)
	info, err := os.Lstat(fullPath)
	if err != nil {
		// Submodule entries have no checked out content.
		return false, nil
	}

	if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
		return false, nil
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return false, fmt.Errorf("failed to open tracked file %q: %w", relPath, err)
	}
	defer file.Close()

	header := &tar.Header{
		Name:    filepath.ToSlash(relPath),
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	if err := tw.WriteHeader(header); err != nil {
		return false, fmt.Errorf("failed to write header for %s: %w", relPath, err)
	}

	if _, err := io.Copy(tw, file); err != nil {
		return false, fmt.Errorf("failed to write file %s: %w", relPath, err)
	}

	return true, nil
}

func copyDirectory(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}

		dstPath := filepath.Join(dst, relPath)

		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode())
		}
		return copyFile(path, dstPath, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy file content: %w", err)
	}

	return nil
}
