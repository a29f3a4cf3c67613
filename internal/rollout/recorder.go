// Package rollout implements the append-only JSONL transcript recorder
// (C3): one file per thread under $CODEX_HOME/sessions/<date>/<thread>.jsonl.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/codex-core/session-engine/internal/protocol"
)

// Recorder durably appends RolloutItems to a thread's transcript. Writes
// are enqueued by callers and flushed from a single background
// goroutine so callers never block on I/O except via Flush (spec §4.8).
type Recorder struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer

	items  chan protocol.RolloutItem
	flush  chan chan error
	done   chan struct{}
	closed bool
}

// filter reports whether a RolloutItem should be persisted. Transient
// deltas and ephemeral background events are dropped before they ever
// reach the write queue.
func filter(item protocol.RolloutItem) bool {
	if wrapped, ok := item.(protocol.RolloutEventMsg); ok {
		switch wrapped.Msg.EventType() {
		case protocol.EventAgentMessageContentDelta,
			protocol.EventReasoningContentDelta,
			protocol.EventReasoningRawContentDelta,
			protocol.EventPlanDelta,
			protocol.EventExecCommandOutputDelta:
			return false
		}
	}
	return true
}

// Path returns $CODEX_HOME/sessions/<date>/<thread>.jsonl for the given
// thread, using the UTC date at the time of the call (spec §6.3).
func Path(codexHome string, thread protocol.ThreadId, at time.Time) string {
	date := at.UTC().Format("2006-01-02")
	return filepath.Join(codexHome, "sessions", date, string(thread)+".jsonl")
}

// Open creates (or opens for append) the transcript file at path,
// taking an advisory file lock for the lifetime of the Recorder so two
// processes never interleave writes to the same thread.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rollout: create session dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("rollout: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("rollout: rollout file %s is already open by another process", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}

	r := &Recorder{
		path:   path,
		lock:   lock,
		file:   f,
		writer: bufio.NewWriter(f),
		items:  make(chan protocol.RolloutItem, 256),
		flush:  make(chan chan error),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

func (r *Recorder) run() {
	for {
		select {
		case item, ok := <-r.items:
			if !ok {
				return
			}
			if err := r.writeLocked(item); err != nil {
				fmt.Fprintf(os.Stderr, "[rollout] write failed for %s: %v\n", r.path, err)
			}
		case reply := <-r.flush:
			// Write everything Record accepted before this Flush first.
			for pending := len(r.items); pending > 0; pending-- {
				if err := r.writeLocked(<-r.items); err != nil {
					fmt.Fprintf(os.Stderr, "[rollout] write failed for %s: %v\n", r.path, err)
				}
			}
			reply <- r.syncLocked()
		case <-r.done:
			return
		}
	}
}

func (r *Recorder) writeLocked(item protocol.RolloutItem) error {
	if !filter(item) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := protocol.RolloutRecord{Timestamp: time.Now().UTC().Format(time.RFC3339Nano), Item: item}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rollout: marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := r.writer.Write(data); err != nil {
		return fmt.Errorf("rollout: write record: %w", err)
	}
	return nil
}

func (r *Recorder) syncLocked() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("rollout: flush: %w", err)
	}
	return r.file.Sync()
}

// Record enqueues an item for persistence. It never blocks on I/O.
func (r *Recorder) Record(item protocol.RolloutItem) {
	select {
	case r.items <- item:
	case <-r.done:
	}
}

// Flush durably syncs all buffered writes, blocking until complete.
// Callers that need an event's rollout write to precede delivery to
// clients (spec §4.7 send_event_raw_flushed) call this before
// forwarding the event.
func (r *Recorder) Flush() error {
	reply := make(chan error, 1)
	select {
	case r.flush <- reply:
		return <-reply
	case <-r.done:
		return fmt.Errorf("rollout: recorder already shut down")
	}
}

// Shutdown flushes and closes the recorder. Safe to call once.
func (r *Recorder) Shutdown() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if err := r.Flush(); err != nil {
		return err
	}
	close(r.done)
	close(r.items)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("rollout: close %s: %w", r.path, err)
	}
	return r.lock.Unlock()
}
