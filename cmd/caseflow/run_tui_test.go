package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/caseflow/internal/orchestrator"
	"github.com/ShayCichocki/caseflow/internal/tui"
)

type doneRecorder struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *doneRecorder) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *doneRecorder) done(t *testing.T) tui.DoneMsg {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) != 1 {
		t.Fatalf("view got %d messages, want one DoneMsg", len(r.msgs))
	}
	msg, ok := r.msgs[0].(tui.DoneMsg)
	if !ok {
		t.Fatalf("view got %#v, want DoneMsg", r.msgs[0])
	}
	return msg
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("background run never finished")
		return runResult{}
	}
}

func TestStartRunReportsSummary(t *testing.T) {
	view := &doneRecorder{}
	want := &orchestrator.Summary{RunID: "run-1"}
	res := waitResult(t, startRun(context.Background(), view, func(ctx context.Context) (*orchestrator.Summary, error) {
		return want, nil
	}))
	if res.summary != want || res.err != nil {
		t.Errorf("result = %+v", res)
	}
	if msg := view.done(t); msg.Summary != want || msg.Err != nil {
		t.Errorf("DoneMsg = %+v", msg)
	}
}

func TestStartRunReportsPanic(t *testing.T) {
	view := &doneRecorder{}
	res := waitResult(t, startRun(context.Background(), view, func(ctx context.Context) (*orchestrator.Summary, error) {
		panic("graph corrupted")
	}))
	if res.err == nil || !strings.Contains(res.err.Error(), "graph corrupted") {
		t.Errorf("result error = %v", res.err)
	}
	if msg := view.done(t); msg.Err == nil || !strings.Contains(msg.Err.Error(), "graph corrupted") {
		t.Errorf("view not told about the panic: %+v", msg)
	}
}
