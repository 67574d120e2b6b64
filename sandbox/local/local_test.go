package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSandbox(t *testing.T, opts Options) *Sandbox {
	t.Helper()
	if opts.BaseDir == "" {
		opts.BaseDir = t.TempDir()
	}
	p := New(opts)
	if !p.Available(context.Background()) {
		t.Skip("no shell available")
	}
	sb, err := p.Create(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { sb.Kill(context.Background()) })
	return sb.(*Sandbox)
}

func TestFilesystem(t *testing.T) {
	sb := newSandbox(t, Options{})
	ctx := context.Background()

	require.NoError(t, sb.Write(ctx, "/home/user/react-app/src/App.jsx", "app"))
	content, err := sb.Read(ctx, "/home/user/react-app/src/App.jsx")
	require.NoError(t, err)
	assert.Equal(t, "app", content)

	entries, err := sb.List(ctx, "/home/user/react-app")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, sandbox.Entry{Name: "src", Path: "/home/user/react-app/src", IsDir: true}, entries[0])

	_, err = sb.Read(ctx, "/home/user/missing.txt")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	require.NoError(t, sb.Remove(ctx, "/home/user/react-app/src"))
	assert.ErrorIs(t, sb.Remove(ctx, "/home/user/react-app/src"), sandbox.ErrNotFound)
}

func TestPathsCannotEscape(t *testing.T) {
	sb := newSandbox(t, Options{})
	ctx := context.Background()

	require.NoError(t, sb.Write(ctx, "/../../escape.txt", "x"))
	_, err := os.Stat(filepath.Join(sb.Dir(), "escape.txt"))
	assert.NoError(t, err)
}

func TestRunRewritesHome(t *testing.T) {
	sb := newSandbox(t, Options{})
	ctx := context.Background()
	require.NoError(t, sb.Write(ctx, "/home/user/react-app/hello.txt", "hi"))

	res, err := sb.Run(ctx, "cat /home/user/react-app/hello.txt", sandbox.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)

	res, err = sb.Run(ctx, "cat hello.txt", sandbox.RunOptions{Cwd: "/home/user/react-app"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Stdout)
}

func TestRunReportsExitCode(t *testing.T) {
	sb := newSandbox(t, Options{})
	res, err := sb.Run(context.Background(), "echo oops >&2; exit 3", sandbox.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestRunTimeout(t *testing.T) {
	sb := newSandbox(t, Options{})
	_, err := sb.Run(context.Background(), "sleep 5", sandbox.RunOptions{Timeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTemplateDir(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "react-app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "react-app", "package.json"), []byte("{}"), 0o644))

	sb := newSandbox(t, Options{TemplateDirs: map[string]string{"": src}})
	content, err := sb.Read(context.Background(), "/home/user/react-app/package.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", content)
}

func TestKillAndLease(t *testing.T) {
	sb := newSandbox(t, Options{})
	ctx := context.Background()

	require.NoError(t, sb.SetTimeout(ctx, 20*time.Millisecond))
	require.Eventually(t, func() bool {
		return sb.SetTimeout(ctx, time.Minute) != nil
	}, time.Second, 5*time.Millisecond)

	_, err := os.Stat(sb.Dir())
	assert.True(t, os.IsNotExist(err))
	_, err = sb.Read(ctx, "/home/user/x")
	assert.ErrorIs(t, err, sandbox.ErrClosed)
	assert.NoError(t, sb.Kill(ctx))
}
