package resourcemonitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	usage Usage
}

func (f *fakeProvider) Sample(context.Context) (Usage, error) { return f.usage, nil }

func TestMonitorEvictsOverWatermark(t *testing.T) {
	provider := &fakeProvider{usage: Usage{MemUsedBytes: 95, MemTotalBytes: 100}}
	var evictCalls atomic.Int32
	evict := func() bool {
		evictCalls.Add(1)
		provider.usage.MemUsedBytes = 50
		return true
	}

	mon := New(provider, Config{Period: 10 * time.Millisecond, Watermark: 0.9}, evict, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	go mon.Run(ctx)
	<-ctx.Done()
	mon.Stop()

	assert.GreaterOrEqual(t, evictCalls.Load(), int32(1))
}

func TestMonitorStopsRetryingWhenEvictReturnsFalse(t *testing.T) {
	provider := &fakeProvider{usage: Usage{MemUsedBytes: 99, MemTotalBytes: 100}}
	var evictCalls atomic.Int32
	evict := func() bool {
		evictCalls.Add(1)
		return false
	}

	mon := New(provider, Config{Period: 5 * time.Millisecond, Watermark: 0.9, MaxRetriesPerTick: 5}, evict, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	mon.tick(ctx)
	assert.Equal(t, int32(1), evictCalls.Load())
}

func TestLatestUsagePublishesMostRecentSample(t *testing.T) {
	provider := &fakeProvider{usage: Usage{MemUsedBytes: 10, MemTotalBytes: 100}}
	mon := New(provider, Config{}, nil, nil)

	mon.tick(context.Background())
	usage := mon.LatestUsage()
	require.Equal(t, uint64(10), usage.MemUsedBytes)
}

func TestOverWatermarkChecksBothMemAndVRAM(t *testing.T) {
	mon := New(&fakeProvider{}, Config{Watermark: 0.9}, nil, nil)

	assert.False(t, mon.overWatermark(Usage{MemUsedBytes: 50, MemTotalBytes: 100}))
	assert.True(t, mon.overWatermark(Usage{MemUsedBytes: 95, MemTotalBytes: 100}))
	assert.True(t, mon.overWatermark(Usage{VRAMUsedBytes: 95, VRAMTotalBytes: 100}))
}
