package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/terminal"
)

// nestingGuardVar is set by the agent inside its own subprocesses. It has
// to be removed from the child environment or the CLI refuses to start
// when parley itself was launched from within an agent session.
const nestingGuardVar = "CLAUDECODE"

// Resolver expands a short client command into the full prompt sent to the
// agent. Plain prompts pass through unchanged.
type Resolver interface {
	Resolve(command string) string
}

// invocationState is the session's explicit run state. Respond is only
// meaningful in stateStreaming, when an invocation holds an open PTY.
type invocationState int

const (
	stateIdle invocationState = iota
	stateStreaming
)

// Session is the per-connection conversation with the agent. It keeps the
// continuity token across invocations so each command resumes the same
// logical conversation, and holds the PTY input endpoint while a command
// is executing so permission responses can be injected.
//
// The connection manager guarantees at most one invocation runs per
// session at a time; Session does not enforce that itself.
type Session struct {
	cfg      config.AgentConfig
	resolver Resolver
	detector *terminal.Detector

	mu    sync.Mutex
	state invocationState
	pty   *terminal.PTY // set only in stateStreaming
	token string        // continuity token issued by the agent
}

func NewSession(cfg config.AgentConfig, resolver Resolver, detector *terminal.Detector) *Session {
	return &Session{cfg: cfg, resolver: resolver, detector: detector}
}

// Token returns the current continuity token ("" before the first
// invocation completes initialization).
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) setToken(tok string) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

func (s *Session) setStreaming(p *terminal.PTY) {
	s.mu.Lock()
	s.state = stateStreaming
	s.pty = p
	s.mu.Unlock()
}

func (s *Session) setIdle() {
	s.mu.Lock()
	s.state = stateIdle
	s.pty = nil
	s.mu.Unlock()
}

// Run executes one streaming invocation: resolve the command, spawn the
// agent on a PTY, translate its output until the stream ends, then await
// subprocess exit. A completion message is emitted exactly once on every
// path, including cancellation and stream stall. All subprocess and PTY
// resources are released on every path.
func (s *Session) Run(ctx context.Context, cmd string, emit EmitFunc) error {
	prompt := s.resolver.Resolve(cmd)
	args := append([]string{"--print", "--output-format", "stream-json", "--verbose"}, s.cfg.Args...)
	if tok := s.Token(); tok != "" {
		args = append(args, "--resume", tok)
	}
	args = append(args, prompt)

	proc := exec.Command(s.cfg.Command, args...)
	proc.Env = nestingSafeEnv(os.Environ())

	p, err := terminal.Start(proc)
	if err != nil {
		emit(Message{Type: MsgStreamChunk, Content: fmt.Sprintf("Error: failed to start %s: %v", s.cfg.Command, err)})
		emit(Message{Type: MsgResponseComplete})
		return fmt.Errorf("start agent: %w", err)
	}

	s.setStreaming(p)
	defer s.setIdle()
	defer p.Close()

	// Cancellation has to unblock a PTY read in flight; closing the
	// descriptor is what does that (and terminates the subprocess).
	stop := context.AfterFunc(ctx, func() { p.Close() })
	defer stop()

	tr := NewTranslator(s.detector, emit, s.setToken)
	for chunk := range p.Stream(ctx, s.cfg.IdleTimeout()) {
		tr.Feed(chunk)
	}
	tr.Flush()

	// The stream may have ended on the idle timeout with the subprocess
	// still alive; wait for its own exit to bound resource retention.
	// On cancellation Close has already terminated it.
	waitErr := p.Wait()

	if !tr.Completed() {
		emit(Message{Type: MsgResponseComplete})
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		log.Printf("agent exited with error: %v", waitErr)
	}
	return nil
}

// RunPrint executes one legacy non-streaming invocation: no PTY, a single
// JSON object on stdout, no permission prompts. A non-zero exit surfaces
// as a visible error message rather than being dropped.
func (s *Session) RunPrint(ctx context.Context, cmd string, emit EmitFunc) error {
	emit(Message{Type: MsgTypingStart})
	defer func() {
		emit(Message{Type: MsgTypingEnd})
		emit(Message{Type: MsgResponseComplete})
	}()

	prompt := s.resolver.Resolve(cmd)
	args := append([]string{"--print", "--output-format", "json"}, s.cfg.Args...)
	if tok := s.Token(); tok != "" {
		args = append(args, "--resume", tok)
	}
	args = append(args, prompt)

	proc := exec.CommandContext(ctx, s.cfg.Command, args...)
	proc.Env = nestingSafeEnv(os.Environ())
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	if err := proc.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		log.Printf("agent failed: %v: %s", err, detail)
		emit(Message{Type: MsgStreamChunk, Content: fmt.Sprintf("Error (%v):\n%s", err, detail)})
		return fmt.Errorf("run agent: %w", err)
	}

	text := strings.TrimSpace(stdout.String())
	var result struct {
		SessionID string `json:"session_id"`
		Result    string `json:"result"`
	}
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		if result.SessionID != "" {
			s.setToken(result.SessionID)
		}
		if result.Result != "" {
			text = result.Result
		}
	}
	if text == "" {
		text = "(no response)"
	}
	emit(Message{Type: MsgStreamChunk, Content: text})
	return nil
}

// Respond injects a permission choice into the running invocation's PTY,
// followed by a carriage return, as if the user pressed Enter at the
// agent's own prompt. The choice token passes through unvalidated. When no
// invocation is streaming the response is dropped with a warning; there is
// no queuing across invocations.
func (s *Session) Respond(choice string) {
	s.mu.Lock()
	p := s.pty
	streaming := s.state == stateStreaming
	s.mu.Unlock()

	if !streaming || p == nil {
		log.Printf("permission response %q dropped: no invocation running", choice)
		return
	}
	if _, err := p.Write([]byte(choice + "\r")); err != nil {
		// The agent may already have exited; not worth propagating.
		log.Printf("PTY write failed: %v", err)
	}
}

func nestingSafeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, nestingGuardVar+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
