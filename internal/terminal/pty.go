package terminal

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// DefaultIdleTimeout is how long a stream read may sit with no output
// before the stream is treated as ended. The agent can think for a long
// time between events, so this is generous.
const DefaultIdleTimeout = 120 * time.Second

const streamBufferChunks = 256

// PTY wraps an agent subprocess whose stdin, stdout and stderr are all
// attached to the slave side of a pseudo-terminal. Running on a PTY is what
// makes the agent render its interactive permission prompts instead of
// suppressing them as it does when piped.
type PTY struct {
	cmd    *exec.Cmd
	pty    *os.File
	mu     sync.Mutex
	closed bool
}

// Start spawns cmd on a fresh PTY. pty.Start hands the slave descriptor to
// the child and closes the parent's copy, so EOF is observable after exit.
func Start(cmd *exec.Cmd) (*PTY, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	return &PTY{
		cmd: cmd,
		pty: ptmx,
	}, nil
}

// Stream reads the master side into a channel of chunks. The channel closes
// on EOF, on a read error, when ctx is cancelled, or after idleTimeout with
// no data (logged as a warning and treated as a graceful end of stream, not
// a failure). Call it once per invocation.
func (p *PTY) Stream(ctx context.Context, idleTimeout time.Duration) <-chan []byte {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	out := make(chan []byte, streamBufferChunks)
	go func() {
		defer close(out)
		buf := make([]byte, 32*1024)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := p.pty.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
				log.Printf("PTY set read deadline: %v", err)
			}
			n, err := p.pty.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				switch {
				case errors.Is(err, io.EOF):
				case errors.Is(err, os.ErrDeadlineExceeded):
					log.Printf("no PTY output for %s, ending stream", idleTimeout)
				case ctx.Err() != nil:
					// Close during cancellation surfaces here as a read error.
				case errors.Is(err, syscall.EIO):
					// Linux returns EIO from the master once the child exits.
				default:
					log.Printf("PTY read error: %v", err)
				}
				return
			}
		}
	}()
	return out
}

// Write injects bytes into the PTY's input side; the subprocess observes
// them as if typed by a user.
func (p *PTY) Write(data []byte) (int, error) {
	return p.pty.Write(data)
}

// Close terminates the process group and releases the master descriptor.
// Idempotent. Closing the descriptor also unblocks any read in flight.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	// pty.Start runs the child as a session leader, so -pid reaches the
	// whole process group.
	if p.cmd.Process != nil {
		syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
	}

	return p.pty.Close()
}

// Wait reaps the subprocess.
func (p *PTY) Wait() error {
	return p.cmd.Wait()
}

// PID returns the process ID, or 0 before the process started.
func (p *PTY) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
