// Package ledger implements the Run Ledger (spec.md §4.4): the append-only,
// crash-safe, sequence-numbered event log for one run. Shaped after the
// teacher's pkg/storage bucket-per-entity CRUD (here, one append-only line
// file instead of a bolt bucket) and pkg/events' broker for the optional
// subscriber fan-out.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"github.com/agentrun/contextd/pkg/contexterr"
	"github.com/agentrun/contextd/pkg/idgen"
	"github.com/agentrun/contextd/pkg/log"
	"github.com/agentrun/contextd/pkg/schema"
	"github.com/agentrun/contextd/pkg/types"
	"github.com/rs/zerolog"
)

// Ledger is the append-only event log for one run's ledger/run.jsonl.
type Ledger struct {
	path string

	mu      sync.Mutex
	handle  *atomicfile.AppendHandle
	lastSeq int64 // -1 means empty
	broker  *broker
	log     zerolog.Logger
}

// Open opens (creating if absent) the ledger at path, priming the sequence
// counter from the existing tail per spec.md §4.4.
func Open(path string, lockMode atomicfile.LockMode) (*Ledger, error) {
	l := &Ledger{path: path, lastSeq: -1, broker: newBroker(), log: log.WithComponent("ledger")}

	if err := l.primeFromDisk(); err != nil {
		return nil, err
	}

	handle, err := atomicfile.OpenAppend(path, lockMode, uint64(l.lastSeq+1))
	if err != nil {
		return nil, err
	}
	l.handle = handle
	return l, nil
}

func (l *Ledger) primeFromDisk() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return contexterr.Wrap(contexterr.KindIO, "open ledger for priming", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	offset := int64(0)
	expected := int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		var ev types.LedgerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return contexterr.New(contexterr.KindCorruption, "malformed ledger line", map[string]any{
				"byte_offset": offset,
			})
		}
		if int64(ev.SequenceID) != expected {
			l.log.Error().Int64("byte_offset", offset).Msg("ledger sequence gap on open")
			return contexterr.New(contexterr.KindCorruption, "ledger sequence gap", map[string]any{
				"byte_offset": offset,
				"expected":    expected,
				"found":       ev.SequenceID,
			})
		}
		l.lastSeq = int64(ev.SequenceID)
		expected++
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return contexterr.Wrap(contexterr.KindIO, "scan ledger", err)
	}
	return nil
}

// LastSequence returns the highest sequence id written so far, or -1 if the
// ledger is empty.
func (l *Ledger) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append validates event under the ledger schema, assigns it the next
// sequence_id (overwriting any value the caller set), and appends it with a
// per-line fsync.
func (l *Ledger) Append(event types.LedgerEvent) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.SchemaVersion == "" {
		event.SchemaVersion = types.SchemaVersion
	}
	if event.EventID == "" {
		event.EventID = idgen.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SequenceID = uint64(l.lastSeq + 1)

	if err := schema.ValidateLedgerEvent(&event); err != nil {
		return 0, err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return 0, contexterr.Wrap(contexterr.KindIO, "marshal ledger event", err)
	}

	seq, err := l.handle.Append(line)
	if err != nil {
		return 0, err
	}
	l.lastSeq = int64(seq)
	l.broker.publish(event)
	l.log.Debug().Uint64("sequence_id", seq).Str("event_type", string(event.EventType)).Msg("ledger event appended")
	return seq, nil
}

// ReadAll streams every event in the ledger in order, stopping at the first
// malformed line and reporting its byte offset.
func (l *Ledger) ReadAll() ([]types.LedgerEvent, error) {
	return l.ReadRange(0, ^uint64(0))
}

// ReadRange streams events whose sequence_id lies in [from, to] inclusive.
func (l *Ledger) ReadRange(from, to uint64) ([]types.LedgerEvent, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "open ledger", err)
	}
	defer f.Close()

	var events []types.LedgerEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	offset := int64(0)
	for scanner.Scan() {
		line := scanner.Bytes()
		var ev types.LedgerEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, contexterr.New(contexterr.KindCorruption, "malformed ledger line", map[string]any{
				"byte_offset": offset,
			})
		}
		if ev.SequenceID >= from && ev.SequenceID <= to {
			events = append(events, ev)
		}
		offset += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, contexterr.Wrap(contexterr.KindIO, "scan ledger", err)
	}
	return events, nil
}

// Subscribe registers a channel that receives every event appended from
// this point forward. Callers must Unsubscribe when done.
func (l *Ledger) Subscribe() Subscriber {
	return l.broker.subscribe()
}

// Unsubscribe removes a previously registered subscriber.
func (l *Ledger) Unsubscribe(sub Subscriber) {
	l.broker.unsubscribe(sub)
}

// SubscriberCount reports the number of active tailers.
func (l *Ledger) SubscriberCount() int {
	return l.broker.subscriberCount()
}

// Close flushes and releases the append handle and stops the broker.
func (l *Ledger) Close() error {
	l.broker.stop()
	if l.handle == nil {
		return nil
	}
	if err := l.handle.Close(); err != nil {
		return fmt.Errorf("ledger: close: %w", err)
	}
	return nil
}
