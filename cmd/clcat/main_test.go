package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thrylos-labs/clcat/node"
)

func newRunCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "clcat"}
	addRunFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	cmd := newRunCmd(t,
		"-l", "/ip4/127.0.0.1/tcp/9000",
		"-l", "/ip4/127.0.0.1/udp/9000/quic-v1",
		"--fork", "merge",
		"--no-mdns",
	)

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/9000", "/ip4/127.0.0.1/udp/9000/quic-v1"}, cfg.Network.ListenAddrs)
	assert.Equal(t, "merge", cfg.Fork)
	assert.False(t, cfg.Network.EnableMDNS)
	assert.Empty(t, cfg.Network.DialAddrs)
}

func TestLoadConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clcat.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"fork":"altair","log_level":"debug"}`), 0o600))

	cmd := newRunCmd(t, "--config", path, "--log-level", "warn")
	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "altair", cfg.Fork)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestTopicsCommand(t *testing.T) {
	var out bytes.Buffer
	topicsCmd.SetOut(&out)
	require.NoError(t, topicsCmd.Flags().Set("fork", "capella"))
	require.NoError(t, topicsCmd.RunE(topicsCmd, nil))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "capella (bba4da96)", lines[0])
	assert.Equal(t, "/eth2/bba4da96/beacon_block/ssz_snappy", strings.TrimSpace(lines[1]))
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, setupLogging("info"))
	assert.Error(t, setupLogging("loud"))
}

func TestServeStopsNodeOnAPIFailure(t *testing.T) {
	apiErrs := make(chan error, 1)
	stopped := make(chan struct{})
	run := func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return nil
	}

	apiErrs <- errors.New("accept: too many open files")
	err := serve(context.Background(), run, apiErrs)

	require.Error(t, err)
	assert.Equal(t, int(node.CodeClientInit), node.ExitCode(err))
	assert.Contains(t, err.Error(), "too many open files")
	select {
	case <-stopped:
	default:
		t.Fatal("node was not stopped")
	}
}

func TestServeReturnsRunResult(t *testing.T) {
	want := errors.New("run failed")
	err := serve(context.Background(), func(context.Context) error { return want }, nil)
	assert.ErrorIs(t, err, want)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = serve(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, nil)
	assert.NoError(t, err)
}
