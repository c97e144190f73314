package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/terminal"
)

type passthroughResolver struct{}

func (passthroughResolver) Resolve(command string) string { return command }

// recorder collects emitted messages; emits arrive from the invocation
// goroutine while assertions run on the test goroutine.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) emit(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) count(msgType string) int {
	n := 0
	for _, m := range r.snapshot() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (r *recorder) hasChunk(text string) bool {
	for _, m := range r.snapshot() {
		if m.Type == MsgStreamChunk && strings.Contains(m.Content, text) {
			return true
		}
	}
	return false
}

func (r *recorder) waitFor(t *testing.T, pred func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; messages: %+v", what, r.snapshot())
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSession(t *testing.T, script string, idleSecs int) *Session {
	t.Helper()
	d, err := terminal.NewDetector()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.AgentConfig{Command: script, Streaming: true, IdleTimeoutSecs: idleSecs}
	return NewSession(cfg, passthroughResolver{}, d)
}

func TestSessionRunStreamsAndStoresToken(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	script := writeScript(t, dir,
		fmt.Sprintf("echo \"$@\" > %q\n", argsFile)+
			`printf '{"type":"system","subtype":"init","session_id":"tok-1"}\n'`+"\n"+
			`printf '{"type":"result","session_id":"tok-1","result":"first done"}\n'`+"\n")

	sess := newTestSession(t, script, 10)
	rec := &recorder{}

	if err := sess.Run(context.Background(), "hello agent", rec.emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	if !rec.hasChunk("first done") {
		t.Errorf("missing result text; messages: %+v", rec.snapshot())
	}
	if got := rec.count(MsgResponseComplete); got != 1 {
		t.Errorf("response_complete emitted %d times, want 1", got)
	}
	if sess.Token() != "tok-1" {
		t.Errorf("token = %q, want tok-1", sess.Token())
	}

	args, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"--print", "--output-format stream-json", "--verbose", "hello agent"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("argv %q missing %q", string(args), want)
		}
	}
	if strings.Contains(string(args), "--resume") {
		t.Errorf("first invocation should not resume: %q", string(args))
	}

	// The stored token reattaches the next invocation to the conversation.
	rec2 := &recorder{}
	if err := sess.Run(context.Background(), "again", rec2.emit); err != nil {
		t.Fatalf("second run: %v", err)
	}
	args, err = os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(args), "--resume tok-1") {
		t.Errorf("second invocation missing --resume: %q", string(args))
	}
}

func TestSessionRunScrubsNestingGuard(t *testing.T) {
	t.Setenv(nestingGuardVar, "1")

	dir := t.TempDir()
	script := writeScript(t, dir,
		`printf 'guard=[%s]\n' "$CLAUDECODE"`+"\n"+
			`printf '{"type":"result","session_id":"g","result":""}\n'`+"\n")

	sess := newTestSession(t, script, 10)
	rec := &recorder{}
	if err := sess.Run(context.Background(), "check env", rec.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rec.hasChunk("guard=[]") {
		t.Errorf("nesting guard leaked into subprocess env; messages: %+v", rec.snapshot())
	}
}

func TestSessionRunCancellation(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir,
		"echo started\n"+
			"sleep 30\n")

	sess := newTestSession(t, script, 60)
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx, "long task", rec.emit) }()

	rec.waitFor(t, func() bool { return rec.hasChunk("started") }, "first output")
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	// Cancellation resolves to a completion notification, exactly once.
	if got := rec.count(MsgResponseComplete); got != 1 {
		t.Errorf("response_complete emitted %d times, want 1", got)
	}
}

func TestSessionRunIdleTimeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir,
		"echo partial output\n"+
			"sleep 2\n")

	sess := newTestSession(t, script, 1)
	rec := &recorder{}

	start := time.Now()
	if err := sess.Run(context.Background(), "stalling task", rec.emit); err != nil {
		t.Fatalf("idle timeout should end the stream gracefully, got %v", err)
	}
	// The stream ends at the idle timeout; the subprocess's own exit is
	// still awaited afterward.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("returned too early: %v", elapsed)
	}
	if !rec.hasChunk("partial output") {
		t.Errorf("missing pre-stall output; messages: %+v", rec.snapshot())
	}
	if got := rec.count(MsgResponseComplete); got != 1 {
		t.Errorf("response_complete emitted %d times, want 1", got)
	}
}

func TestSessionRespondReachesProcess(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir,
		"echo ready\n"+
			"read answer\n"+
			`printf '{"type":"result","session_id":"r","result":"answer received"}\n'`+"\n")

	sess := newTestSession(t, script, 10)
	rec := &recorder{}

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(context.Background(), "ask me", rec.emit) }()

	rec.waitFor(t, func() bool { return rec.hasChunk("ready") }, "prompt output")
	sess.Respond("y")

	rec.waitFor(t, func() bool { return rec.hasChunk("answer received") }, "post-response output")
	if err := <-errCh; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSessionRespondWhileIdle(t *testing.T) {
	d, err := terminal.NewDetector()
	if err != nil {
		t.Fatal(err)
	}
	sess := NewSession(config.AgentConfig{Command: "claude"}, passthroughResolver{}, d)

	// No invocation running: the response is dropped with a warning, no
	// write is attempted, nothing is emitted.
	sess.Respond("y")
}

func TestSessionRunPrintLegacy(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir,
		`printf '{"session_id":"leg-1","result":"legacy done"}\n'`+"\n")

	d, err := terminal.NewDetector()
	if err != nil {
		t.Fatal(err)
	}
	sess := NewSession(config.AgentConfig{Command: script}, passthroughResolver{}, d)
	rec := &recorder{}

	if err := sess.RunPrint(context.Background(), "hello", rec.emit); err != nil {
		t.Fatalf("run print: %v", err)
	}

	got := rec.snapshot()
	want := []string{MsgTypingStart, MsgStreamChunk, MsgTypingEnd, MsgResponseComplete}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want types %v", got, want)
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Fatalf("message %d = %q, want %q", i, got[i].Type, want[i])
		}
	}
	if got[1].Content != "legacy done" {
		t.Errorf("content = %q", got[1].Content)
	}
	if sess.Token() != "leg-1" {
		t.Errorf("token = %q, want leg-1", sess.Token())
	}
}

func TestSessionRunPrintFailureSurfaced(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir,
		"echo 'agent blew up' >&2\n"+
			"exit 3\n")

	d, err := terminal.NewDetector()
	if err != nil {
		t.Fatal(err)
	}
	sess := NewSession(config.AgentConfig{Command: script}, passthroughResolver{}, d)
	rec := &recorder{}

	if err := sess.RunPrint(context.Background(), "hello", rec.emit); err == nil {
		t.Fatal("expected error for non-zero exit")
	}

	if !rec.hasChunk("agent blew up") {
		t.Errorf("stderr not surfaced to client; messages: %+v", rec.snapshot())
	}
	if rec.count(MsgTypingEnd) != 1 || rec.count(MsgResponseComplete) != 1 {
		t.Errorf("bracketing messages wrong: %+v", rec.snapshot())
	}
}
