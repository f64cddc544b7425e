package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libra-sh/deploy-engine/internal/config"
)

func TestTemplateFor(t *testing.T) {
	assert.Equal(t, "vite-shadcn-template-builder-libra", TemplateFor(ProviderE2B))
	assert.Equal(t, "vite-shadcn-template", TemplateFor(ProviderDaytona))
	assert.Equal(t, "", TemplateFor("fly"))
}

func TestRegistry_GetAndDefault(t *testing.T) {
	r := NewRegistry(config.SandboxConfig{DefaultProvider: ProviderMock}, nil)

	p, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, ProviderMock, p.Name())

	p, err = r.Get(ProviderE2B)
	require.NoError(t, err)
	assert.Equal(t, ProviderE2B, p.Name())

	_, err = r.Get("nonexistent")
	assert.Error(t, err)
}

func TestRegistry_UnknownDefault(t *testing.T) {
	r := NewRegistry(config.SandboxConfig{DefaultProvider: "fly"}, nil)
	_, err := r.Default()
	assert.Error(t, err)
}

func TestMockProvider_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvider()

	sb, err := p.Create(ctx, CreateParams{
		Template: TemplateFor(ProviderMock),
		Env:      map[string]string{"CLOUDFLARE_ACCOUNT_ID": "acct"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sandbox-1", sb.ID())

	// Reattach returns the same sandbox
	again, err := p.Connect(ctx, sb.ID())
	require.NoError(t, err)
	assert.Equal(t, sb.ID(), again.ID())

	res, err := sb.WriteFiles(ctx, []File{
		{Path: "a.txt", Content: "a"},
		{Path: "b.txt", Content: "b"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.FailedPaths())

	exec, err := sb.ExecuteCommand(ctx, "bun install", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, exec.ExitCode)

	require.NoError(t, p.Terminate(ctx, sb.ID(), 0))
	_, err = p.Connect(ctx, sb.ID())
	assert.Error(t, err)
}

func TestMockProvider_FailedWrites(t *testing.T) {
	ctx := context.Background()
	p := NewMockProvider()
	p.FailWrites["bad.txt"] = "disk full"

	sb, err := p.Create(ctx, CreateParams{})
	require.NoError(t, err)

	res, err := sb.WriteFiles(ctx, []File{
		{Path: "ok.txt", Content: "x"},
		{Path: "bad.txt", Content: "y"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"bad.txt"}, res.FailedPaths())
}

func TestBundleFiles(t *testing.T) {
	archive, err := bundleFiles([]File{
		{Path: "home/user/app/a.txt", Content: "alpha"},
		{Path: "home/user/app/b.txt", Content: "beta"},
	})
	require.NoError(t, err)

	gr, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	tr := tar.NewReader(gr)

	contents := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = string(data)
	}

	assert.Equal(t, map[string]string{
		"home/user/app/a.txt": "alpha",
		"home/user/app/b.txt": "beta",
	}, contents)
}
