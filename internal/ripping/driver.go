// Package ripping drives disc extraction and detects per-title completion.
//
// MakeMKV may flush its "file created" messages only on process exit, so the
// driver watches the output directory in parallel: an fsnotify watcher makes
// it aware of new files promptly and a stability poll declares a file
// complete once its size is non-zero and unchanged across polls. Whatever
// path notices a file first wins; each filename is reported exactly once.
package ripping

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"spool/internal/logging"
	"spool/internal/services/makemkv"
)

// EventKind discriminates rip driver events.
type EventKind int

const (
	// EventProgress carries overall percent and title counters.
	EventProgress EventKind = iota
	// EventTitleComplete reports a finished output file.
	EventTitleComplete
	// EventLog forwards a noteworthy ripper message.
	EventLog
)

// Event is a single rip driver notification.
type Event struct {
	Kind        EventKind
	Percent     float64
	CurrentRip  int
	TotalTitles int
	TitleIndex  int
	Filename    string
	Path        string
	Message     string
}

// Result aggregates one rip run.
type Result struct {
	Success       bool
	ProducedFiles []string
	ErrorMessage  string
}

// CancelledMessage is the error message recorded when a rip is cancelled.
const CancelledMessage = "cancelled"

const stabilityPollInterval = 3 * time.Second

// Driver runs one rip per instance.
type Driver struct {
	client *makemkv.Client
	logger *slog.Logger

	mu        sync.Mutex
	reported  map[string]struct{}
	ripOrder  int
	cancelRun context.CancelFunc
	cancelled bool
}

func New(client *makemkv.Client, logger *slog.Logger) *Driver {
	return &Driver{
		client:   client,
		logger:   logging.Component(logger, "ripping"),
		reported: make(map[string]struct{}),
	}
}

// Cancel terminates the active child process. Idempotent.
func (d *Driver) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return
	}
	d.cancelled = true
	if d.cancelRun != nil {
		d.cancelRun()
	}
}

func (d *Driver) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// claim marks filename as reported. Returns false if already claimed.
func (d *Driver) claim(filename string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.reported[filename]; ok {
		return false
	}
	d.reported[filename] = struct{}{}
	d.ripOrder++
	return true
}

func (d *Driver) currentRipOrder() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ripOrder
}

// Run rips the selected titles from drive into outDir, emitting events until
// it returns. If every disc title is selected one "all" invocation is
// issued; a strict subset rips one invocation per index, in order.
func (d *Driver) Run(ctx context.Context, drive, outDir string, titleIndices []int, discTitleCount int, events chan<- Event) Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.cancelRun = cancel
	alreadyCancelled := d.cancelled
	d.mu.Unlock()
	if alreadyCancelled {
		return Result{Success: false, ErrorMessage: CancelledMessage}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{Success: false, ErrorMessage: "create staging directory: " + err.Error()}
	}

	emit := func(event Event) {
		select {
		case events <- event:
		case <-ctx.Done():
		}
	}

	watchDone := make(chan struct{})
	watchCtx, stopWatch := context.WithCancel(runCtx)
	go func() {
		defer close(watchDone)
		d.watchOutputs(watchCtx, outDir, emit)
	}()

	var runErr error
	allSelected := discTitleCount > 0 && len(titleIndices) >= discTitleCount
	totalTitles := len(titleIndices)
	if allSelected || len(titleIndices) == 0 {
		if totalTitles == 0 {
			totalTitles = discTitleCount
		}
		runErr = d.ripOnce(runCtx, drive, outDir, nil, totalTitles, emit)
	} else {
		sorted := append([]int{}, titleIndices...)
		sort.Ints(sorted)
		for _, index := range sorted {
			index := index
			runErr = d.ripOnce(runCtx, drive, outDir, &index, totalTitles, emit)
			if runErr != nil {
				break
			}
		}
	}

	stopWatch()
	<-watchDone

	// Final stability pass so files finished in the last poll window are
	// still reported by the driver rather than left to backfill.
	d.finalSweep(outDir, emit)

	produced := d.producedFiles(outDir)

	if d.isCancelled() {
		return Result{Success: false, ProducedFiles: produced, ErrorMessage: CancelledMessage}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return Result{Success: false, ProducedFiles: produced, ErrorMessage: CancelledMessage}
		}
		return Result{Success: false, ProducedFiles: produced, ErrorMessage: runErr.Error()}
	}
	return Result{Success: true, ProducedFiles: produced}
}

func (d *Driver) ripOnce(ctx context.Context, drive, outDir string, titleIndex *int, totalTitles int, emit func(Event)) error {
	return d.client.Rip(ctx, drive, outDir, titleIndex, func(event makemkv.Event) {
		switch event.Kind {
		case makemkv.EventProgress:
			emit(Event{
				Kind:        EventProgress,
				Percent:     event.Percent,
				CurrentRip:  d.currentRipOrder(),
				TotalTitles: totalTitles,
			})
		case makemkv.EventTotalTitles:
			if titleIndex == nil && event.TotalTitles > 0 {
				emit(Event{
					Kind:        EventProgress,
					CurrentRip:  d.currentRipOrder(),
					TotalTitles: event.TotalTitles,
				})
			}
		case makemkv.EventFileCreated:
			d.reportFile(outDir, event.Filename, emit)
		case makemkv.EventMessage:
			emit(Event{Kind: EventLog, Message: event.Message})
		}
	})
}

// reportFile emits a completion event for filename, once.
func (d *Driver) reportFile(outDir, filename string, emit func(Event)) {
	base := filepath.Base(filename)
	if !d.claim(base) {
		return
	}
	path := filepath.Join(outDir, base)
	emit(Event{
		Kind:       EventTitleComplete,
		CurrentRip: d.currentRipOrder(),
		TitleIndex: makemkv.TitleIndexFromFilename(base),
		Filename:   base,
		Path:       path,
	})
	d.logger.Info("title complete",
		logging.String("filename", base),
		logging.Int("title_index", makemkv.TitleIndexFromFilename(base)))
}

// watchOutputs combines fsnotify create events with a periodic size
// stability poll over outDir.
func (d *Driver) watchOutputs(ctx context.Context, outDir string, emit func(Event)) {
	sizes := make(map[string]int64)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(outDir); err != nil {
			d.logger.Debug("watch staging directory", logging.Error(err))
		}
	} else {
		d.logger.Debug("fsnotify unavailable, polling only", logging.Error(err))
		watcher = nil
	}

	ticker := time.NewTicker(stabilityPollInterval)
	defer ticker.Stop()

	for {
		var watchEvents chan fsnotify.Event
		var watchErrors chan error
		if watcher != nil {
			watchEvents = watcher.Events
			watchErrors = watcher.Errors
		}
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watchEvents:
			if !ok {
				watcher = nil
				continue
			}
			// Seed the size map so the next poll can judge stability.
			if event.Op.Has(fsnotify.Create) && isMKV(event.Name) {
				if info, err := os.Stat(event.Name); err == nil {
					sizes[filepath.Base(event.Name)] = info.Size()
				}
			}
		case _, ok := <-watchErrors:
			if !ok {
				watcher = nil
			}
		case <-ticker.C:
			d.pollStable(outDir, sizes, emit)
		}
	}
}

// pollStable reports files whose size is non-zero and unchanged since the
// previous poll.
func (d *Driver) pollStable(outDir string, sizes map[string]int64, emit func(Event)) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isMKV(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		previous, seen := sizes[entry.Name()]
		sizes[entry.Name()] = info.Size()
		if seen && info.Size() > 0 && info.Size() == previous {
			d.reportFile(outDir, entry.Name(), emit)
		}
	}
}

// finalSweep reports any remaining non-empty outputs after the child exits;
// at that point every file is complete by definition.
func (d *Driver) finalSweep(outDir string, emit func(Event)) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isMKV(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		d.reportFile(outDir, entry.Name(), emit)
	}
}

// Unreported returns .mkv files in outDir that were never reported,
// claiming them so a later pass cannot report them again. Used by the
// orchestrator's backfill after the driver exits.
func (d *Driver) Unreported(outDir string) []string {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil
	}
	var missed []string
	for _, entry := range entries {
		if entry.IsDir() || !isMKV(entry.Name()) {
			continue
		}
		if d.claim(entry.Name()) {
			missed = append(missed, filepath.Join(outDir, entry.Name()))
		}
	}
	return missed
}

func (d *Driver) producedFiles(outDir string) []string {
	d.mu.Lock()
	names := make([]string, 0, len(d.reported))
	for name := range d.reported {
		names = append(names, name)
	}
	d.mu.Unlock()
	sort.Strings(names)

	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(outDir, name))
	}
	return paths
}

func isMKV(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".mkv")
}
