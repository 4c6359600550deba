// Package rollout provides the durable, append-only JSON-lines log used to
// reconstruct a session's conversation history after a crash or restart.
// Unlike runlog (a queryable, Mongo-backed introspection log keyed by run),
// the rollout log is the session's own local replay journal: one file per
// session, written in strict append order, read back sequentially to
// rebuild ConversationHistory and the environment-context timeline.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentforge/core/runtime/agent/config"
)

// RecordType identifies the kind of payload carried by a Record.
type RecordType string

const (
	// RecordSessionMeta seeds session identity at the start of the log.
	RecordSessionMeta RecordType = "session_meta"
	// RecordResponseItem appends one ConversationHistory item.
	RecordResponseItem RecordType = "response_item"
	// RecordEvent records a protocol event for observability/replay.
	RecordEvent RecordType = "event"
	// RecordCompacted marks a point where prior history was compressed
	// into a single summary message.
	RecordCompacted RecordType = "compacted"
	// RecordState snapshots session state (environment context, etc).
	RecordState RecordType = "state"
)

// Record is one line of the rollout log. Payload is deferred decoding: the
// Reconstructor decodes it according to Type.
type Record struct {
	Type      RecordType      `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionMetaPayload seeds session identity. Written exactly once, as the
// first record in a fresh log.
type SessionMetaPayload struct {
	SessionID string    `json:"session_id"`
	Cwd       string    `json:"cwd"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// ResponseItemPayload wraps one ConversationHistory item. Kind selects which
// of the optional fields is populated, mirroring the Message/Reasoning/
// FunctionCall/FunctionCallOutput variants in spec §3.
type ResponseItemPayload struct {
	Kind               string          `json:"kind"`
	Role               string          `json:"role,omitempty"`
	Content            json.RawMessage `json:"content,omitempty"`
	ReasoningSummary   string          `json:"reasoning_summary,omitempty"`
	EncryptedReasoning string          `json:"encrypted_content,omitempty"`
	CallID             string          `json:"call_id,omitempty"`
	FunctionName       string          `json:"name,omitempty"`
	FunctionArgs       json.RawMessage `json:"args,omitempty"`
	FunctionOutput     json.RawMessage `json:"output,omitempty"`
}

// EventPayload records a protocol event for replay/observability. Data is
// the event-specific JSON body.
type EventPayload struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CompactedPayload marks that the items preceding it in the log should be
// summarized into a single message carrying Summary, preserving tool-call
// and tool-output call_ids referentially.
type CompactedPayload struct {
	Summary         string   `json:"summary"`
	PreservedCallIDs []string `json:"preserved_call_ids,omitempty"`
}

// StatePayload snapshots non-history session state, such as the
// environment-context timeline's current baseline or a delta.
type StatePayload struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Writer appends records to a session's rollout log file. Safe for
// concurrent use: writes are serialized and each line is flushed before
// returning, so a crash immediately after Append observes a complete line.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWriter creates a new rollout log file for sessionID under
// <data_home>/sessions/<YYYY>/<MM>/<DD>/rollout-<iso8601>-<uuid>.jsonl and
// returns a Writer positioned at its start.
func NewWriter(paths config.Paths, sessionID string, now time.Time) (*Writer, error) {
	dir := filepath.Join(paths.Sessions(), now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	name := fmt.Sprintf("rollout-%s-%s.jsonl", now.UTC().Format("2006-01-02T15-04-05"), uuid.NewString())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create rollout log: %w", err)
	}
	w := &Writer{file: f, path: path}
	if err := w.append(RecordSessionMeta, now, SessionMetaPayload{SessionID: sessionID, CreatedAt: now}); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// OpenWriter opens an existing rollout log file for appending further
// records (used after resuming a session from an existing log).
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open rollout log: %w", err)
	}
	return &Writer{file: f, path: path}, nil
}

// Path returns the path of the underlying log file.
func (w *Writer) Path() string { return w.path }

// AppendResponseItem appends a ResponseItem record.
func (w *Writer) AppendResponseItem(now time.Time, item ResponseItemPayload) error {
	return w.append(RecordResponseItem, now, item)
}

// AppendEvent appends an Event record.
func (w *Writer) AppendEvent(now time.Time, event EventPayload) error {
	return w.append(RecordEvent, now, event)
}

// AppendCompacted appends a Compacted marker.
func (w *Writer) AppendCompacted(now time.Time, compacted CompactedPayload) error {
	return w.append(RecordCompacted, now, compacted)
}

// AppendState appends a State snapshot.
func (w *Writer) AppendState(now time.Time, state StatePayload) error {
	return w.append(RecordState, now, state)
}

func (w *Writer) append(t RecordType, now time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", t, err)
	}
	record := Record{Type: t, Timestamp: now, Payload: data}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", t, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("write %s record: %w", t, err)
	}
	return w.file.Sync()
}

// Close flushes and closes the underlying file. Records are immutable once
// written; Close does not delete or rewrite any prior line.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadRecords reads every record from the rollout log at path, in file
// order. It does not interpret Compacted markers; use Reconstruct for that.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rollout log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode rollout record: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("scan rollout log: %w", err)
	}
	return records, nil
}
