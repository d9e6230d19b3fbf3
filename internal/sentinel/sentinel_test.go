package sentinel_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"spool/internal/logging"
	"spool/internal/sentinel"
)

type fakeProber struct {
	mu      sync.Mutex
	present bool
	label   string
}

func (p *fakeProber) set(present bool, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present = present
	p.label = label
}

func (p *fakeProber) Probe(ctx context.Context, drive string) (bool, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present, p.label, nil
}

func startSentinel(t *testing.T, prober sentinel.Prober, intervalSeconds float64) *sentinel.Sentinel {
	t.Helper()
	s := sentinel.New([]string{"/dev/sr0"}, intervalSeconds, logging.NewNop(), sentinel.WithProber(prober))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s
}

func receive(t *testing.T, events <-chan sentinel.DriveEvent) sentinel.DriveEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drive event")
		return sentinel.DriveEvent{}
	}
}

func TestInsertionAndRemovalEvents(t *testing.T) {
	prober := &fakeProber{}
	s := startSentinel(t, prober, 0.02)

	prober.set(true, "THE_SHOW_S01D1")
	event := receive(t, s.Events())
	if event.Action != sentinel.ActionInserted || event.Label != "THE_SHOW_S01D1" {
		t.Fatalf("event = %+v", event)
	}
	if event.Drive != "/dev/sr0" {
		t.Errorf("drive = %q", event.Drive)
	}

	prober.set(false, "")
	event = receive(t, s.Events())
	if event.Action != sentinel.ActionRemoved || event.Label != "" {
		t.Fatalf("event = %+v", event)
	}
}

func TestKickShortCircuitsThePollInterval(t *testing.T) {
	prober := &fakeProber{}
	s := startSentinel(t, prober, 60)

	// Give the initial poll a moment to record the empty drive.
	time.Sleep(50 * time.Millisecond)

	prober.set(true, "INCEPTION_2010")
	s.Kick()

	start := time.Now()
	event := receive(t, s.Events())
	if event.Action != sentinel.ActionInserted {
		t.Fatalf("event = %+v", event)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("kicked poll took %s", elapsed)
	}
}

func TestDiscSwapEmitsFreshInsertion(t *testing.T) {
	prober := &fakeProber{}
	s := startSentinel(t, prober, 0.02)

	prober.set(true, "SEASON_1")
	if event := receive(t, s.Events()); event.Label != "SEASON_1" {
		t.Fatalf("event = %+v", event)
	}

	// A fast swap can change the label without an observed removal.
	prober.set(true, "SEASON_2")
	event := receive(t, s.Events())
	if event.Action != sentinel.ActionInserted || event.Label != "SEASON_2" {
		t.Fatalf("event = %+v", event)
	}
}

func TestSlowConsumerDropsOldestNotNewest(t *testing.T) {
	prober := &fakeProber{}
	s := startSentinel(t, prober, 0.005)

	// Flap the drive while nobody consumes. The per-drive buffer holds the
	// most recent events; the oldest are dropped.
	for i := 0; i < 6; i++ {
		prober.set(true, "FLAP")
		time.Sleep(20 * time.Millisecond)
		prober.set(false, "")
		time.Sleep(20 * time.Millisecond)
	}

	var last sentinel.DriveEvent
	count := 0
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-s.Events():
			last = event
			count++
		case <-deadline:
			if count == 0 {
				t.Fatal("no events delivered")
			}
			if count > 9 {
				t.Errorf("delivered %d events, buffer should bound this", count)
			}
			if last.Action != sentinel.ActionRemoved {
				t.Errorf("last event = %+v, want the final removal", last)
			}
			return
		}
	}
}
