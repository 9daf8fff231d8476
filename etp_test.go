package etp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exposurenet/etp"
	"github.com/exposurenet/etp/internal/payloadfilter"
)

func testConfig() *etp.Config {
	cfg := etp.DefaultConfig()
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

func TestExposePullRoundTrip(t *testing.T) {
	cfg := testConfig()

	sender, err := etp.Listen("udp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := etp.Listen("udp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer receiver.Close()

	object := make([]byte, 200)
	for i := range object {
		object[i] = byte(i * 7)
	}

	sh, err := sender.Expose(object, receiver.LocalAddr(), cfg, etp.DigestCRC32C)
	require.NoError(t, err)
	defer etp.Release(sh)

	id := sh.ID()
	rh := receiver.Pull(&id, sender.LocalAddr(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := etp.WaitComplete(ctx, rh)
	require.NoError(t, err)
	require.Equal(t, object, got)

	stats := etp.SnapshotReceptionStats(rh)
	require.Greater(t, stats.ChunksReceived, uint64(0))
}

// TestExposePullWithOpaqueFilter exercises the "opaque filter" boundary from
// spec §1: the caller seals the object before Expose and opens it after
// WaitComplete, with the core itself never aware the bytes were encrypted.
func TestExposePullWithOpaqueFilter(t *testing.T) {
	cfg := testConfig()
	filter, err := payloadfilter.NewAEADFilter([]byte("pre-shared secret"), []byte("etp-test"))
	require.NoError(t, err)

	sender, err := etp.Listen("udp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := etp.Listen("udp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer receiver.Close()

	plaintext := []byte("confidential exposure contents")
	sealed, err := filter.Seal(plaintext)
	require.NoError(t, err)

	sh, err := sender.Expose(sealed, receiver.LocalAddr(), cfg, etp.DigestAdditive)
	require.NoError(t, err)
	defer etp.Release(sh)

	id := sh.ID()
	rh := receiver.Pull(&id, sender.LocalAddr(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := etp.WaitComplete(ctx, rh)
	require.NoError(t, err)
	require.Equal(t, sealed, got)

	opened, err := filter.Open(got)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}
