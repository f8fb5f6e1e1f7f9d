package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/meshnetlab/meshbridge/internal/events"
)

func TestTracerouteTickSendsAndRecords(t *testing.T) {
	env := newTestEnv(t, 0x0A)
	env.traceroutes.target = 0x42
	env.traceroutes.hasNext = true
	prober := NewTracerouteProber(env.deps)

	prober.Tick(context.Background())

	if env.sender.count() != 1 {
		t.Fatalf("frames sent = %d, want 1", env.sender.count())
	}
	if len(env.traceroutes.recorded) != 1 || env.traceroutes.recorded[0] != 0x42 {
		t.Fatalf("recorded probes = %v, want [0x42]", env.traceroutes.recorded)
	}
	prober.mu.Lock()
	pending := len(prober.pending)
	prober.mu.Unlock()
	if pending != 1 {
		t.Fatalf("pending probes = %d, want 1", pending)
	}
}

func TestTracerouteTickRespectsSendGap(t *testing.T) {
	env := newTestEnv(t, 0x0A)
	env.traceroutes.target = 0x42
	env.traceroutes.hasNext = true
	prober := NewTracerouteProber(env.deps)
	prober.lastSent = time.Now()

	prober.Tick(context.Background())

	if env.sender.count() != 0 {
		t.Fatalf("frames sent = %d, want 0 within the send gap", env.sender.count())
	}
}

func TestTracerouteTickSkipsLocalNode(t *testing.T) {
	env := newTestEnv(t, 0x0A)
	env.traceroutes.target = 0x0A
	env.traceroutes.hasNext = true
	prober := NewTracerouteProber(env.deps)

	prober.Tick(context.Background())

	if env.sender.count() != 0 {
		t.Fatalf("frames sent = %d, want 0 for the local node", env.sender.count())
	}
}

func TestTracerouteSweepPenalizesTimeouts(t *testing.T) {
	env := newTestEnv(t, 0x0A)
	ctx := context.Background()
	prober := NewTracerouteProber(env.deps)

	// Seed the quality estimate so the penalty is observable.
	if q := env.deps.LinkQuality.ObserveHops(ctx, 0x42, 2); q != 6 {
		t.Fatalf("seeded quality = %d, want 6", q)
	}
	prober.pending[7] = pendingProbe{node: 0x42, sentAt: time.Now().Add(-6 * time.Minute)}
	prober.pending[8] = pendingProbe{node: 0x43, sentAt: time.Now().Add(-time.Minute)}

	prober.sweep(ctx)

	if q, ok := env.deps.LinkQuality.Quality(0x42); !ok || q != 4 {
		t.Fatalf("quality after timeout = %d (known %v), want 4", q, ok)
	}
	if _, stale := prober.pending[7]; stale {
		t.Fatal("expired probe still pending")
	}
	if _, fresh := prober.pending[8]; !fresh {
		t.Fatal("fresh probe was swept")
	}
}

func TestWatchResponsesClearsPending(t *testing.T) {
	env := newTestEnv(t, 0x0A)
	prober := NewTracerouteProber(env.deps)
	prober.pending[7] = pendingProbe{node: 0x42, sentAt: time.Now()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go prober.WatchResponses(ctx)
	time.Sleep(50 * time.Millisecond)

	env.deps.Bus.Publish(events.TopicTraceroute, events.TracerouteResult{RequestID: 7})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		prober.mu.Lock()
		_, still := prober.pending[7]
		prober.mu.Unlock()
		if !still {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pending probe not cleared by route response")
}
