package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-dev/parley/internal/terminal"
)

// Outbound protocol message types.
const (
	MsgTypingStart      = "typing_start"
	MsgTypingEnd        = "typing_end"
	MsgStreamChunk      = "stream_chunk"
	MsgToolUse          = "tool_use"
	MsgToolResult       = "tool_result"
	MsgPermissionPrompt = "permission_prompt"
	MsgResponseComplete = "response_complete"
	MsgPong             = "pong"
)

const (
	toolResultLimit  = 500
	truncationMarker = "...[truncated]"
)

// Message is one outbound protocol frame delivered to the browser client.
type Message struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// EmitFunc delivers a message toward the client. Implementations must not
// block indefinitely; the translator calls it inline from the stream loop.
type EmitFunc func(Message)

// streamEvent is one line of the agent's machine-readable event stream.
// Payload fields stay raw so a malformed field drops only its own effect.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
	Message   json.RawMessage `json:"message"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
}

// lineClass is the tagged result of classifying one complete output line.
type lineClass int

const (
	classText lineClass = iota
	classPrompt
	classEvent
)

// Translator consumes the raw PTY byte stream, accumulates complete lines,
// and turns each into protocol messages: structured events are mapped per
// their taxonomy, permission prompts are surfaced, everything else goes out
// as normalized text.
type Translator struct {
	detector *terminal.Detector
	emit     EmitFunc
	onToken  func(string)

	partial   []byte
	completed bool
}

func NewTranslator(detector *terminal.Detector, emit EmitFunc, onToken func(string)) *Translator {
	return &Translator{detector: detector, emit: emit, onToken: onToken}
}

// Feed appends a chunk and dispatches every complete line in it. A trailing
// partial line is kept for the next chunk.
func (t *Translator) Feed(chunk []byte) {
	data := append(t.partial, chunk...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		t.dispatch(string(data[:i]))
		data = data[i+1:]
	}
	t.partial = data
}

// Flush dispatches a final unterminated line, if any.
func (t *Translator) Flush() {
	if len(t.partial) == 0 {
		return
	}
	line := string(t.partial)
	t.partial = nil
	t.dispatch(line)
}

// Completed reports whether a final-result event already signalled
// completion, so the caller knows not to signal it again.
func (t *Translator) Completed() bool {
	return t.completed
}

func (t *Translator) classify(line string) (lineClass, *streamEvent, string) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var ev streamEvent
		if err := json.Unmarshal([]byte(trimmed), &ev); err == nil {
			return classEvent, &ev, ""
		}
		// Starts with the marker but is not valid structured data; fall
		// through and show it as ordinary text.
	}

	plain := terminal.Normalize(line)
	if t.detector.Match(plain) {
		// The prompt goes out verbatim so the client can show exactly what
		// the agent is asking.
		return classPrompt, nil, strings.TrimSpace(plain)
	}
	return classText, nil, plain
}

func (t *Translator) dispatch(line string) {
	class, ev, text := t.classify(line)
	switch class {
	case classEvent:
		t.handleEvent(ev)
	case classPrompt:
		t.emit(Message{Type: MsgPermissionPrompt, Content: text})
	case classText:
		if strings.TrimSpace(text) != "" {
			t.emit(Message{Type: MsgStreamChunk, Content: text})
		}
	}
}

func (t *Translator) handleEvent(ev *streamEvent) {
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" && t.onToken != nil {
			t.onToken(ev.SessionID)
		}
	case "assistant":
		for _, blk := range decodeBlocks(ev.Message) {
			switch blk.Type {
			case "text":
				if blk.Text != "" {
					t.emit(Message{Type: MsgStreamChunk, Content: blk.Text})
				}
			case "tool_use":
				t.emit(Message{Type: MsgToolUse, Content: renderToolUse(blk)})
			}
		}
	case "user":
		for _, blk := range decodeBlocks(ev.Message) {
			if blk.Type != "tool_result" {
				continue
			}
			if text := toolResultText(blk.Content); text != "" {
				t.emit(Message{Type: MsgToolResult, Content: truncate(text, toolResultLimit)})
			}
		}
	case "result":
		if ev.SessionID != "" && t.onToken != nil {
			t.onToken(ev.SessionID)
		}
		var text string
		if json.Unmarshal(ev.Result, &text) == nil && text != "" {
			t.emit(Message{Type: MsgStreamChunk, Content: text})
		}
		t.completed = true
		t.emit(Message{Type: MsgResponseComplete})
	default:
		// Unrecognized event kinds are ignored so newer CLI releases don't
		// break the pipeline.
	}
}

func decodeBlocks(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 {
		return nil
	}
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return msg.Content
}

// toolResultText extracts the textual payload of a tool result, which the
// agent emits either as a plain string or as a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func renderToolUse(blk contentBlock) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Using tool: %s", blk.Name)
	if len(blk.Input) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, blk.Input, "", "  "); err == nil {
			buf.WriteByte('\n')
			buf.Write(pretty.Bytes())
		}
	}
	return buf.String()
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + truncationMarker
}
