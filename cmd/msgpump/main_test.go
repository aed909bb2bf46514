package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/glimte/msgpump/config"
	"github.com/glimte/msgpump/contracts"
	"github.com/glimte/msgpump/health"
	"github.com/glimte/msgpump/messaging"
	"github.com/glimte/msgpump/transports/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "msgpump dev")
}

func TestBuildRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mc := contracts.NewMessageContext("orders", "m-1")

	t.Run("logs any json object", func(t *testing.T) {
		registry, err := buildRegistry(logger, runFlags{})
		require.NoError(t, err)

		match := registry.Resolve([]byte(`{"id":"o-1"}`), mc)
		assert.Equal(t, messaging.MatchHandler, match.Kind)
		assert.Equal(t, "log", match.Entry.Name)

		_, hasFallback := registry.Fallback()
		assert.False(t, hasFallback)
	})

	t.Run("schema restricts matches", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "order.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"type":"object","required":["id"]}`), 0o600))

		registry, err := buildRegistry(logger, runFlags{schemaPath: path, completeUnmatched: true})
		require.NoError(t, err)

		match := registry.Resolve([]byte(`{"id":"o-1"}`), mc)
		assert.Equal(t, messaging.MatchHandler, match.Kind)
		assert.Equal(t, "schema", match.Entry.Name)

		match = registry.Resolve([]byte(`{"sku":"x"}`), mc)
		assert.Equal(t, messaging.MatchFallback, match.Kind)
	})

	t.Run("missing schema file", func(t *testing.T) {
		_, err := buildRegistry(logger, runFlags{schemaPath: filepath.Join(t.TempDir(), "missing.json")})
		assert.Error(t, err)
	})
}

func TestBuildReceiverMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{Transport: config.TransportMemory, JobID: "orders"}

	r, err := buildReceiver(context.Background(), cfg, logger, health.NewRegistry())
	require.NoError(t, err)
	assert.IsType(t, &memory.Queue{}, r)
}
