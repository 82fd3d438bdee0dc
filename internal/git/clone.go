package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ryanmoran/dhscan/internal"
)

// Clone makes a shallow clone of the repository at url into dir. When ref is set, the named
// branch or tag is checked out instead of the remote's default branch.
func Clone(ctx context.Context, url, ref, dir string, w internal.Writer) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	if strings.HasPrefix(url, "-") {
		return fmt.Errorf("%w: repository url %q must not start with '-'", ErrInvalidRef, url)
	}

	args := []string{"clone", "--quiet", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, "--", url, dir)

	if ref != "" {
		w.Printf("Cloning %s (%s)\n", url, ref)
	} else {
		w.Printf("Cloning %s\n", url)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to clone %q into %q: %w\n%s", url, dir, err, strings.TrimSpace(string(output)))
	}

	return nil
}
