package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/eventlog"
	"github.com/roach88/fedlog/internal/hlc"
	"github.com/roach88/fedlog/internal/peers"
	"github.com/roach88/fedlog/internal/policy"
	"github.com/roach88/fedlog/internal/server"
	"github.com/roach88/fedlog/internal/store"
	"github.com/roach88/fedlog/internal/syncer"
	"github.com/roach88/fedlog/internal/testutil"
	"github.com/roach88/fedlog/internal/transport"
)

// instance is a running node behind an httptest server.
type instance struct {
	engine *syncer.Engine
	url    string
}

func startInstance(t *testing.T, name string) *instance {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ts := httptest.NewUnstartedServer(nil)
	endpoint := "http://" + ts.Listener.Addr().String()

	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	id := testutil.NamedIdentity(name)
	wall := testutil.NewFakeWallClock(testutil.Epoch)
	log, err := eventlog.New(t.Context(), st, hlc.New(id.NodeID(), hlc.WithWallClock(wall)), id, eventlog.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(log.Close)

	cfg := syncer.DefaultConfig()
	cfg.DisplayName = name
	cfg.Endpoint = endpoint
	cfg.Stream = false
	cfg.PushBackoff = time.Millisecond

	reg := peers.New(st, policy.TrustPolicy{MinTier: policy.Default().MinTier, MaxPeers: 10}, peers.WithLogger(logger))
	engine := syncer.New(log, reg, id, transport.New(), cfg, syncer.WithLogger(logger))

	ts.Config.Handler = server.New(engine, server.WithLogger(logger)).Handler()
	ts.Start()
	t.Cleanup(ts.Close)
	t.Cleanup(engine.Quiesce)

	return &instance{engine: engine, url: endpoint}
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(t.Context(), args...)
}

func executeContext(ctx context.Context, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
