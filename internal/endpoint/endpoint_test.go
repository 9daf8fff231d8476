package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exposurenet/etp/internal/config"
	"github.com/exposurenet/etp/internal/reception"
	"github.com/exposurenet/etp/internal/wire"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ChunkSize = 32
	cfg.FecK = 4
	cfg.FecR = 2
	cfg.ManifestInterval = 20 * time.Millisecond
	cfg.RetryInitial = 30 * time.Millisecond
	cfg.RetryMax = 100 * time.Millisecond
	cfg.IdleDeadline = 2 * time.Second
	cfg.InitialWindow = 8
	cfg.MaxWindow = 32
	return cfg
}

func newLoopbackEndpoint(t *testing.T, readBuf int) (*Endpoint, net.Addr) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn, readBuf, nil), conn.LocalAddr()
}

func TestEndpointExposeAndPullByExplicitID(t *testing.T) {
	cfg := testConfig()
	bufSize := wire.HeaderSize + cfg.ChunkSize + 64

	senderEp, senderAddr := newLoopbackEndpoint(t, bufSize)
	receiverEp, receiverAddr := newLoopbackEndpoint(t, bufSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go senderEp.Run(ctx)
	go receiverEp.Run(ctx)

	object := make([]byte, 256) // 8 data chunks of 32 bytes, two FEC blocks
	for i := range object {
		object[i] = byte(i * 3)
	}

	sh, err := senderEp.Expose(object, receiverAddr, cfg, wire.DigestAdditive)
	require.NoError(t, err)
	defer sh.Release()

	id := sh.ID()
	rh := receiverEp.Pull(&id, senderAddr, cfg)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	got, err := rh.WaitComplete(waitCtx)
	require.NoError(t, err)
	require.Equal(t, object, got)

	stats := sh.Stats()
	require.Greater(t, stats.ChunksServed, uint64(0))
}

func TestEndpointPullDiscoversExposureID(t *testing.T) {
	cfg := testConfig()
	bufSize := wire.HeaderSize + cfg.ChunkSize + 64

	senderEp, senderAddr := newLoopbackEndpoint(t, bufSize)
	receiverEp, receiverAddr := newLoopbackEndpoint(t, bufSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go senderEp.Run(ctx)
	go receiverEp.Run(ctx)

	object := make([]byte, 96) // one block, 3 of 4 data chunks full
	for i := range object {
		object[i] = byte(i + 7)
	}

	rh := receiverEp.Pull(nil, senderAddr, cfg)
	require.Equal(t, reception.Discovering, rh.State())

	sh, err := senderEp.Expose(object, receiverAddr, cfg, wire.DigestAdditive)
	require.NoError(t, err)
	defer sh.Release()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	got, err := rh.WaitComplete(waitCtx)
	require.NoError(t, err)
	require.Equal(t, object, got)

	boundID, ok := rh.ID()
	require.True(t, ok)
	require.Equal(t, sh.ID(), boundID)
}

func TestEndpointCancelBeforeDiscoveryCompletes(t *testing.T) {
	cfg := testConfig()
	bufSize := wire.HeaderSize + cfg.ChunkSize + 64

	receiverEp, receiverAddr := newLoopbackEndpoint(t, bufSize)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go receiverEp.Run(ctx)

	// No sender exists yet at this address; Pull stays in discovery.
	rh := receiverEp.Pull(nil, receiverAddr, cfg)
	require.Equal(t, reception.Discovering, rh.State())

	receiverEp.Cancel(rh)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	_, err := rh.WaitComplete(waitCtx)
	require.Error(t, err)
}
