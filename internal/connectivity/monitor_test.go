package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProbe returns a fixed sequence of reachability observations,
// repeating the last one once exhausted.
type scriptedProbe struct {
	mu      sync.Mutex
	results []bool
	idx     int
}

func (p *scriptedProbe) Healthy(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx < len(p.results)-1 {
		r := p.results[p.idx]
		p.idx++
		return r
	}
	return p.results[len(p.results)-1]
}

type countingDrainer struct {
	triggers atomic.Int64
}

func (d *countingDrainer) Trigger() { d.triggers.Add(1) }

// stallingProbe hangs on its first call until the probe context expires,
// then reports healthy on every later call.
type stallingProbe struct {
	calls atomic.Int64
}

func (p *stallingProbe) Healthy(ctx context.Context) bool {
	if p.calls.Add(1) == 1 {
		<-ctx.Done()
		return false
	}
	return true
}

func TestMonitor_TriggersDrainOnReconnectEdge(t *testing.T) {
	d := &countingDrainer{}
	m := NewMonitor(nil, d)

	m.SetOnline(false)
	assert.Equal(t, int64(0), d.triggers.Load())
	assert.False(t, m.Online())

	m.SetOnline(true)
	assert.Equal(t, int64(1), d.triggers.Load(), "offline-to-online edge triggers exactly one drain")
	assert.True(t, m.Online())
}

func TestMonitor_SteadyOnlineDoesNotRetrigger(t *testing.T) {
	d := &countingDrainer{}
	m := NewMonitor(nil, d)

	m.SetOnline(true)
	m.SetOnline(true)
	m.SetOnline(true)

	assert.Equal(t, int64(1), d.triggers.Load(), "repeated online observations are not edges")
}

func TestMonitor_FirstObservationOnlineTriggers(t *testing.T) {
	// App restarted while reachable: records that survived the restart
	// must flush without waiting for an offline episode first.
	d := &countingDrainer{}
	m := NewMonitor(nil, d)

	m.SetOnline(true)

	assert.Equal(t, int64(1), d.triggers.Load())
}

func TestMonitor_GoingOfflineDoesNotTrigger(t *testing.T) {
	d := &countingDrainer{}
	m := NewMonitor(nil, d)

	m.SetOnline(true)
	m.SetOnline(false)

	assert.Equal(t, int64(1), d.triggers.Load(), "only the initial online observation triggered")
	assert.False(t, m.Online())
}

func TestMonitor_FlappingTriggersPerEdge(t *testing.T) {
	d := &countingDrainer{}
	m := NewMonitor(nil, d)

	m.SetOnline(true)  // edge 1
	m.SetOnline(false) //
	m.SetOnline(true)  // edge 2
	m.SetOnline(false) //
	m.SetOnline(true)  // edge 3

	assert.Equal(t, int64(3), d.triggers.Load())
}

func TestMonitor_HungProbeCountsAsOfflineForTheCycle(t *testing.T) {
	probe := &stallingProbe{}
	d := &countingDrainer{}
	m := NewMonitor(probe, d, WithProbeInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The first probe black-holes. The per-probe deadline must cut it
	// off so the loop reaches the next cycle and sees the host healthy.
	require.Eventually(t, func() bool {
		return d.triggers.Load() == 1 && m.Online()
	}, 2*time.Second, time.Millisecond, "monitor loop must not wedge on a hung probe")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMonitor_RunPollsProbe(t *testing.T) {
	probe := &scriptedProbe{results: []bool{false, true}}
	d := &countingDrainer{}
	m := NewMonitor(probe, d, WithProbeInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.triggers.Load() == 1 && m.Online()
	}, 2*time.Second, time.Millisecond, "polls until the probe reports healthy, then triggers")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
