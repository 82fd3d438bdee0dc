package git_test

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	buf bytes.Buffer
}

func (m *mockWriter) Print(v ...interface{}) { fmt.Fprint(&m.buf, v...) }
func (m *mockWriter) Printf(format string, v ...interface{}) {
	fmt.Fprintf(&m.buf, format, v...)
}
func (m *mockWriter) Println(v ...interface{}) { fmt.Fprintln(&m.buf, v...) }
func (m *mockWriter) Warning(v ...interface{}) { fmt.Fprintln(&m.buf, v...) }
func (m *mockWriter) Warningf(format string, v ...interface{}) {
	fmt.Fprintf(&m.buf, format+"\n", v...)
}
func (m *mockWriter) Errorf(format string, v ...interface{}) {
	fmt.Fprintf(&m.buf, format+"\n", v...)
}
func (m *mockWriter) GetWriter() io.Writer { return &m.buf }
func (m *mockWriter) String() string       { return m.buf.String() }

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test User",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test User",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, string(output))

	return string(output)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// newRepository creates a repository with a "v1" tag and a later commit on top of it.
func newRepository(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	runGit(t, dir, "init", "--quiet")

	writeFile(t, dir, "main.py", "print('v1')\n")
	writeFile(t, dir, "pkg/util.py", "def util(): pass\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "--quiet", "-m", "first")
	runGit(t, dir, "tag", "-a", "v1", "-m", "release v1")

	writeFile(t, dir, "main.py", "print('v2')\n")
	writeFile(t, dir, "added.py", "x = 1\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "--quiet", "-m", "second")

	return dir
}
