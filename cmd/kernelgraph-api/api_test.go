package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/cmd"
	"github.com/dukex/kernelgraph/pkg/config"
	"github.com/dukex/kernelgraph/pkg/log"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoGraph = `
name: echo
nodes:
  - id: say
    type: log
    config:
      message: '{{ .args.text }}'
`

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.yaml"), []byte(echoGraph), 0o600))

	cfg := config.Default()
	cfg.Executor.EnableLogging = false

	runtime, err := cmd.NewRuntime(context.Background(), log.Discard(), cmd.RuntimeConfig{
		Config:          cfg,
		CheckpointStore: "memory://",
		GraphsPath:      dir,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		assert.NoError(t, runtime.Close(ctx))
	})

	return NewAPI(log.Discard(), runtime).App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "kernelgraph API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, body = get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"graphs":1`)
}

func TestAPI_GraphsLoadedFromPath(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/graphs/echo")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"start":"say"`)

	status, body = get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"total_errors":0`)
}
