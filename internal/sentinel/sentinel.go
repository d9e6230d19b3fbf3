// Package sentinel watches optical drives for disc insertion and removal.
//
// Detection is poll-based: lsblk reports whether a filesystem is present on
// each configured device. A udev netlink subscription, when available,
// triggers an immediate poll so insertions are noticed without waiting out
// the interval; the poll remains the source of truth.
package sentinel

import (
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"spool/internal/logging"
)

// Action discriminates drive events.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionRemoved  Action = "removed"
)

// DriveEvent reports one observed drive state change.
type DriveEvent struct {
	Drive  string `json:"drive"`
	Action Action `json:"action"`
	Label  string `json:"label"`
}

// Prober reports whether a disc is present in a drive.
type Prober interface {
	Probe(ctx context.Context, drive string) (present bool, label string, err error)
}

// perDriveBuffer bounds undelivered events per drive; a full buffer drops
// the oldest event for that drive.
const perDriveBuffer = 8

type driveState struct {
	present bool
	label   string
}

// Sentinel polls the configured drives and emits coalesced events.
type Sentinel struct {
	drives   []string
	interval time.Duration
	prober   Prober
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]driveState
	queues map[string][]DriveEvent

	kick   chan struct{}
	signal chan struct{}
	events chan DriveEvent
}

// Option configures the sentinel.
type Option func(*Sentinel)

// WithProber injects a custom prober (primarily for tests).
func WithProber(p Prober) Option {
	return func(s *Sentinel) {
		if p != nil {
			s.prober = p
		}
	}
}

func New(drives []string, intervalSeconds float64, logger *slog.Logger, opts ...Option) *Sentinel {
	if intervalSeconds <= 0 {
		intervalSeconds = 2
	}
	s := &Sentinel{
		drives:   append([]string{}, drives...),
		interval: time.Duration(intervalSeconds * float64(time.Second)),
		prober:   lsblkProber{},
		logger:   logging.Component(logger, "sentinel"),
		states:   make(map[string]driveState),
		queues:   make(map[string][]DriveEvent),
		kick:     make(chan struct{}, 1),
		signal:   make(chan struct{}, 1),
		events:   make(chan DriveEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events is the stream consumed by the orchestrator.
func (s *Sentinel) Events() <-chan DriveEvent {
	return s.events
}

// Kick requests an immediate poll. Used by the netlink monitor.
func (s *Sentinel) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (s *Sentinel) Run(ctx context.Context) error {
	go s.dispatch(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.poll(ctx)
		case <-s.kick:
			s.poll(ctx)
		}
	}
}

// poll probes every drive once and enqueues at most one event per drive
// state change. Rapid flapping within a cycle collapses to the final state.
func (s *Sentinel) poll(ctx context.Context) {
	for _, drive := range s.drives {
		present, label, err := s.prober.Probe(ctx, drive)
		if err != nil {
			s.logger.Debug("drive probe failed",
				logging.String(logging.FieldDrive, drive),
				logging.Error(err))
			continue
		}

		s.mu.Lock()
		previous := s.states[drive]
		changed := previous.present != present || (present && previous.label != label)
		if changed {
			s.states[drive] = driveState{present: present, label: label}
			action := ActionRemoved
			eventLabel := ""
			if present {
				action = ActionInserted
				eventLabel = label
			}
			s.enqueueLocked(DriveEvent{Drive: drive, Action: action, Label: eventLabel})
		}
		s.mu.Unlock()

		if changed {
			select {
			case s.signal <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Sentinel) enqueueLocked(event DriveEvent) {
	queue := s.queues[event.Drive]
	if len(queue) >= perDriveBuffer {
		queue = queue[1:]
		s.logger.Warn("drive event buffer full, dropping oldest",
			logging.String(logging.FieldDrive, event.Drive))
	}
	s.queues[event.Drive] = append(queue, event)
}

// dispatch drains the per-drive queues into the public channel.
func (s *Sentinel) dispatch(ctx context.Context) {
	defer close(s.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signal:
		}
		for {
			event, ok := s.dequeue()
			if !ok {
				break
			}
			select {
			case s.events <- event:
				s.logger.Info("drive event",
					logging.String(logging.FieldDrive, event.Drive),
					logging.String("action", string(event.Action)),
					logging.String(logging.FieldDiscLabel, event.Label))
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Sentinel) dequeue() (DriveEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for drive, queue := range s.queues {
		if len(queue) == 0 {
			continue
		}
		event := queue[0]
		s.queues[drive] = queue[1:]
		return event, true
	}
	return DriveEvent{}, false
}

const probeTimeout = 10 * time.Second

type lsblkProber struct{}

func (lsblkProber) Probe(ctx context.Context, drive string) (bool, string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, "lsblk", "-n", "-P", "-o", "LABEL,FSTYPE", drive).Output()
	if err != nil {
		// lsblk exits non-zero for a missing device; treat as no disc.
		return false, "", nil
	}
	label, fstype := parseLsblkPairs(string(out))
	return fstype != "", label, nil
}

// parseLsblkPairs reads `LABEL="X" FSTYPE="udf"` key-value output.
func parseLsblkPairs(output string) (label, fstype string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, field := range splitQuotedFields(line) {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			value = strings.Trim(value, `"`)
			switch key {
			case "LABEL":
				if label == "" {
					label = value
				}
			case "FSTYPE":
				if fstype == "" {
					fstype = value
				}
			}
		}
		if fstype != "" {
			break
		}
	}
	return label, fstype
}

// splitQuotedFields splits on spaces outside double quotes.
func splitQuotedFields(line string) []string {
	var fields []string
	var current strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case r == ' ' && !inQuotes:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}
