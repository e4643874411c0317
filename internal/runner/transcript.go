package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rye.dev/core/internal/coreerr"
)

// EventType is one member of §6's closed transcript event-type set.
type EventType string

const (
	EventThreadStarted           EventType = "thread_started"
	EventStepStart                EventType = "step_start"
	EventStepFinish               EventType = "step_finish"
	EventToolCallStart            EventType = "tool_call_start"
	EventToolCallResult           EventType = "tool_call_result"
	EventToolCallProgress         EventType = "tool_call_progress" // droppable
	EventCognitionOut             EventType = "cognition_out"
	EventCognitionOutDelta        EventType = "cognition_out_delta" // droppable
	EventErrorClassified          EventType = "error_classified"
	EventRetrySucceeded           EventType = "retry_succeeded"
	EventLimitEscalationRequested EventType = "limit_escalation_requested"
	EventChildThreadStarted       EventType = "child_thread_started"
	EventChildThreadFailed        EventType = "child_thread_failed"
	EventThreadCompleted          EventType = "thread_completed"
	EventThreadSuspended          EventType = "thread_suspended"
	EventThreadCancelled          EventType = "thread_cancelled"
	EventThreadError              EventType = "thread_error"
	EventContextCompactionStart   EventType = "context_compaction_start"
	EventContextCompactionEnd     EventType = "context_compaction_end"
)

// droppable reports whether an event type may be written fire-and-forget and
// silently lost under pressure, per §6's transcript schema note.
func (t EventType) droppable() bool {
	return t == EventToolCallProgress || t == EventCognitionOutDelta
}

// line is the bit-exact JSONL record shape: {ts, thread_id, type, payload}.
type line struct {
	TS       time.Time `json:"ts"`
	ThreadID string    `json:"thread_id"`
	Type     EventType `json:"type"`
	Payload  any       `json:"payload"`
}

// Transcript is the append-only JSONL audit log for one thread. Critical
// events are written synchronously (fsync-free append, but on the calling
// goroutine); droppable events best-effort.
//
// The transcript is never a coordination channel (§3 invariant 5) — the
// coordination layer's task/event registries are the only synchronization
// path a thread relies on.
type Transcript struct {
	mu       sync.Mutex
	f        *os.File
	threadID string
}

// OpenTranscript creates the append-only transcript.jsonl file under dir, or
// opens an existing one for appending without truncating it, per §6's
// persisted-state layout.
func OpenTranscript(dir, threadID string) (*Transcript, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.FileSystem, "creating thread state directory", err)
	}
	path := filepath.Join(dir, "transcript.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.FileSystem, "opening transcript", err)
	}
	return &Transcript{f: f, threadID: threadID}, nil
}

// Append writes one event as a single JSON line. Lines are strictly
// appended; no line is ever rewritten or deleted (§8 property 7).
func (t *Transcript) Append(typ EventType, payload any) error {
	rec := line{TS: time.Now().UTC(), ThreadID: t.threadID, Type: typ, Payload: payload}
	b, err := json.Marshal(rec)
	if err != nil {
		if typ.droppable() {
			return nil
		}
		return coreerr.Wrap(coreerr.Parsing, "encoding transcript event", err)
	}
	b = append(b, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.f.Write(b); err != nil {
		if typ.droppable() {
			return nil
		}
		return coreerr.Wrap(coreerr.FileSystem, "appending transcript event", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}
