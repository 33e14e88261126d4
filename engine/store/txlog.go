package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/nuwa-protocol/nuwa-sub003/engine"
)

// txLogRecord is the JSON shape appended to the optional durable writer —
// one line per Append, a second line per Update (spec.md §3 "Transaction
// log entry": "append at admission, update on response").
type txLogRecord struct {
	Kind  string             `json:"kind"` // "append" | "update"
	Entry *engine.TxLogEntry `json:"entry,omitempty"`

	ClientTxRef string              `json:"clientTxRef,omitempty"`
	Update      *engine.TxLogUpdate `json:"update,omitempty"`
}

// TxLog is the in-memory (plus optional durable-writer) implementation of
// engine.TxLogger, grounded on the teacher's SessionManager map+mutex shape
// (sidecar.SessionManager).
type TxLog struct {
	mu      sync.Mutex
	entries map[string]*engine.TxLogEntry
	order   []string

	// Writer, if set, receives one JSON line per Append/Update call — an
	// append-only durability log a caller can tail or replay. Nil disables
	// durable logging.
	Writer io.Writer
}

// NewTxLog creates an empty TxLog.
func NewTxLog() *TxLog {
	return &TxLog{entries: make(map[string]*engine.TxLogEntry)}
}

// Append records a new pending entry.
func (t *TxLog) Append(ctx context.Context, entry engine.TxLogEntry) error {
	t.mu.Lock()
	t.entries[entry.ClientTxRef] = &entry
	t.order = append(t.order, entry.ClientTxRef)
	t.mu.Unlock()

	return t.writeLine(txLogRecord{Kind: "append", Entry: &entry})
}

// Update amends an existing entry with response/settlement details.
func (t *TxLog) Update(ctx context.Context, clientTxRef string, update engine.TxLogUpdate) error {
	t.mu.Lock()
	entry, ok := t.entries[clientTxRef]
	if ok {
		if update.Status != "" {
			entry.Status = update.Status
		}
		if update.StatusCode != 0 {
			entry.StatusCode = update.StatusCode
		}
		if update.DurationMS != 0 {
			entry.DurationMS = update.DurationMS
		}
		if update.Payment != nil {
			entry.Payment = update.Payment
		}
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("store: tx log update for unknown clientTxRef %q", clientTxRef)
	}
	return t.writeLine(txLogRecord{Kind: "update", ClientTxRef: clientTxRef, Update: &update})
}

// Entry returns a copy of the stored entry for clientTxRef.
func (t *TxLog) Entry(clientTxRef string) (engine.TxLogEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[clientTxRef]
	if !ok {
		return engine.TxLogEntry{}, false
	}
	return *e, true
}

// Recent returns up to n of the most recently appended entries, newest
// last.
func (t *TxLog) Recent(n int) []engine.TxLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.order) {
		n = len(t.order)
	}
	start := len(t.order) - n
	out := make([]engine.TxLogEntry, 0, n)
	for _, id := range t.order[start:] {
		if e, ok := t.entries[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

func (t *TxLog) writeLine(rec txLogRecord) error {
	if t.Writer == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: marshaling tx log record: %w", err)
	}
	data = append(data, '\n')
	_, err = t.Writer.Write(data)
	return err
}

