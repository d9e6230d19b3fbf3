package ripping_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spool/internal/logging"
	"spool/internal/ripping"
	"spool/internal/services/makemkv"
)

// fakeRipExecutor scripts makemkvcon rip invocations: it records the title
// selector and lets the test emit robot-mode lines and write output files.
type fakeRipExecutor struct {
	mu        sync.Mutex
	selectors []string
	script    func(outDir string, onLine func(string))
	block     bool
}

func (e *fakeRipExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	if len(args) < 6 {
		return nil
	}
	selector, outDir := args[4], args[5]
	e.mu.Lock()
	e.selectors = append(e.selectors, selector)
	e.mu.Unlock()

	if e.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if e.script != nil {
		e.script(outDir, onLine)
	}
	return nil
}

func (e *fakeRipExecutor) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.selectors...)
}

func newDriver(t *testing.T, executor makemkv.Executor) *ripping.Driver {
	t.Helper()
	client, err := makemkv.New("makemkvcon", makemkv.WithExecutor(executor))
	if err != nil {
		t.Fatalf("makemkv.New: %v", err)
	}
	return ripping.New(client, logging.NewNop())
}

func writeOutput(t *testing.T, outDir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(outDir, name), bytes.Repeat([]byte{0x42}, 64), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
}

// drain closes and collects the event channel after Run has returned.
func drain(events chan ripping.Event) []ripping.Event {
	close(events)
	var collected []ripping.Event
	for event := range events {
		collected = append(collected, event)
	}
	return collected
}

func TestRunAllTitlesReportsEachFileOnce(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "staging")

	executor := &fakeRipExecutor{script: func(dir string, onLine func(string)) {
		onLine("PRGV:32768,0,65536")
		writeOutput(t, dir, "The_Show_t00.mkv")
		onLine(`MSG:5005,0,1,"File The_Show_t00.mkv was created","%1"`)
		// Flushed only on exit; the final sweep must pick this one up.
		writeOutput(t, dir, "The_Show_t01.mkv")
	}}
	driver := newDriver(t, executor)

	events := make(chan ripping.Event, 256)
	result := driver.Run(context.Background(), "/dev/sr0", outDir, []int{0, 1}, 2, events)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	if calls := executor.calls(); len(calls) != 1 || calls[0] != "all" {
		t.Errorf("selectors = %v, want single \"all\" invocation", calls)
	}

	completions := map[string]int{}
	sawProgress := false
	for _, event := range drain(events) {
		switch event.Kind {
		case ripping.EventTitleComplete:
			completions[event.Filename]++
			if event.Path != filepath.Join(outDir, event.Filename) {
				t.Errorf("path = %q", event.Path)
			}
		case ripping.EventProgress:
			if event.Percent == 50 {
				sawProgress = true
			}
		}
	}
	if !sawProgress {
		t.Error("expected a 50%% progress event")
	}
	for _, name := range []string{"The_Show_t00.mkv", "The_Show_t01.mkv"} {
		if completions[name] != 1 {
			t.Errorf("%s reported %d times, want exactly once", name, completions[name])
		}
	}

	want := []string{
		filepath.Join(outDir, "The_Show_t00.mkv"),
		filepath.Join(outDir, "The_Show_t01.mkv"),
	}
	if len(result.ProducedFiles) != len(want) {
		t.Fatalf("produced = %v", result.ProducedFiles)
	}
	for i := range want {
		if result.ProducedFiles[i] != want[i] {
			t.Errorf("produced[%d] = %q, want %q", i, result.ProducedFiles[i], want[i])
		}
	}

	// Everything was reported; the backfill has nothing left to claim.
	if missed := driver.Unreported(outDir); len(missed) != 0 {
		t.Errorf("unreported = %v, want none", missed)
	}
}

func TestRunSubsetRipsPerIndexInOrder(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "staging")
	executor := &fakeRipExecutor{}
	driver := newDriver(t, executor)

	events := make(chan ripping.Event, 64)
	result := driver.Run(context.Background(), "/dev/sr0", outDir, []int{2, 0}, 5, events)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}

	calls := executor.calls()
	if len(calls) != 2 || calls[0] != "0" || calls[1] != "2" {
		t.Errorf("selectors = %v, want [0 2]", calls)
	}
}

func TestCancelBeforeRun(t *testing.T) {
	executor := &fakeRipExecutor{}
	driver := newDriver(t, executor)
	driver.Cancel()
	driver.Cancel()

	events := make(chan ripping.Event, 8)
	result := driver.Run(context.Background(), "/dev/sr0", t.TempDir(), []int{0}, 1, events)
	if result.Success || result.ErrorMessage != ripping.CancelledMessage {
		t.Fatalf("result = %+v", result)
	}
	if calls := executor.calls(); len(calls) != 0 {
		t.Errorf("ripper invoked %d times after cancel", len(calls))
	}
}

func TestCancelDuringRun(t *testing.T) {
	executor := &fakeRipExecutor{block: true}
	driver := newDriver(t, executor)

	go func() {
		time.Sleep(30 * time.Millisecond)
		driver.Cancel()
	}()

	events := make(chan ripping.Event, 64)
	result := driver.Run(context.Background(), "/dev/sr0", t.TempDir(), []int{0}, 1, events)
	if result.Success || result.ErrorMessage != ripping.CancelledMessage {
		t.Fatalf("result = %+v", result)
	}
}

func TestUnreportedClaimsOnce(t *testing.T) {
	outDir := t.TempDir()
	writeOutput(t, outDir, "The_Show_t03.mkv")
	os.WriteFile(filepath.Join(outDir, "notes.txt"), []byte("x"), 0o644)

	driver := newDriver(t, &fakeRipExecutor{})

	missed := driver.Unreported(outDir)
	if len(missed) != 1 || missed[0] != filepath.Join(outDir, "The_Show_t03.mkv") {
		t.Fatalf("unreported = %v", missed)
	}
	if again := driver.Unreported(outDir); len(again) != 0 {
		t.Errorf("second pass = %v, want none", again)
	}
}
