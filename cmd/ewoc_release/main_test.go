package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ewocclassif/internal/cli"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func execute(args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestCheckTag(t *testing.T) {
	out, err := execute("check-tag", "refs/tags/1.4.2")
	require.NoError(t, err)
	assert.Equal(t, "1.4.2\n", out)

	out, err = execute("check-tag", "refs/heads/main")
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(err))
	assert.ErrorIs(t, err, errNotRelease)
	assert.Empty(t, out)

	for _, ref := range []string{"refs/tags/nightly", "refs/tags/v1.4.2"} {
		out, err = execute("check-tag", ref)
		assert.ErrorIs(t, err, errNotRelease, ref)
		assert.Empty(t, out, ref)
	}

	_, err = execute("check-tag")
	assert.Equal(t, cli.ExitUsage, cli.ExitCode(err))
}

func TestFetch(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("wheel"))
	require.NoError(t, zw.Close())

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token s3cr3t", r.Header.Get("Authorization"))
		paths = append(paths, r.URL.Path)
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()
	t.Setenv("EWOC_DEPS_TOKEN", "s3cr3t")

	dir := t.TempDir()
	out, err := execute("fetch", "--base-url", srv.URL, "--token-env", "EWOC_DEPS_TOKEN", "-o", dir,
		"--artifact", "WorldCereal/wc-classification@1.0.3:wc-classification-1.0.3.tar.gz",
		"--artifact", "WorldCereal/satio@1.1.15:satio-1.1.15.tar.gz")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/WorldCereal/wc-classification/releases/download/1.0.3/wc-classification-1.0.3.tar.gz",
		"/WorldCereal/satio/releases/download/1.1.15/satio-1.1.15.tar.gz",
	}, paths)
	assert.Equal(t, []string{
		filepath.Join(dir, "wc-classification-1.0.3.tar.gz"),
		filepath.Join(dir, "satio-1.1.15.tar.gz"),
	}, strings.Fields(out))
}

func TestFetchWithoutToken(t *testing.T) {
	t.Setenv("EWOC_DEPS_TOKEN", "")
	_, err := execute("fetch", "--token-env", "EWOC_DEPS_TOKEN", "-o", t.TempDir(), "--artifact", "o/r@1.0.0:a.tar.gz")
	assert.Equal(t, cli.ExitFailure, cli.ExitCode(err))
	assert.Contains(t, err.Error(), "EWOC_DEPS_TOKEN")
}

func TestFetchUsage(t *testing.T) {
	for _, args := range [][]string{
		{"fetch"},
		{"fetch", "--artifact", "not-an-artifact"},
		{"fetch", "--artifact", "o/r@1:a.tgz", "extra"},
		{"fetch", "--unknown"},
	} {
		_, err := execute(args...)
		assert.Equal(t, cli.ExitUsage, cli.ExitCode(err), "%v: %v", args, err)
	}
}
