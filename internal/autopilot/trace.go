package autopilot

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first trace entry.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

var (
	ErrTraceChainBroken = errors.New("decision trace chain broken")
	ErrTraceCorrupt     = errors.New("decision trace entry corrupt")
)

// TraceEntry is one line of the decision trace. EntryHash covers the
// JSON encoding of the entry with EntryHash itself left empty, so any
// edit to a recorded line breaks verification.
type TraceEntry struct {
	Seq        uint64 `json:"seq"`
	TS         string `json:"ts"`
	PromptID   string `json:"prompt_id"`
	SessionID  string `json:"session_id"`
	Excerpt    string `json:"excerpt,omitempty"`
	RuleID     string `json:"matched_rule,omitempty"`
	Action     string `json:"action"`
	Reply      string `json:"reply,omitempty"`
	Mode       string `json:"mode"`
	RiskLevel  string `json:"risk_level,omitempty"`
	PolicyHash string `json:"policy_hash"`
	PrevHash   string `json:"prev_hash"`
	EntryHash  string `json:"entry_hash,omitempty"`
}

// Trace is the append-only autopilot decision trace. It is a separate
// chain from the audit log: same hashing, line-delimited JSON framing.
type Trace struct {
	path string
	file *os.File
	mu   sync.Mutex
	seq  uint64
	prev string
}

// OpenTrace opens or creates the decision trace file. An existing file is
// scanned to recover the chain tail; a torn final line is truncated away.
func OpenTrace(path string) (*Trace, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("trace: create directory: %w", err)
	}

	seq := uint64(0)
	prev := GenesisHash
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, goodBytes, err := scanTraceTail(path)
		if err != nil {
			return nil, err
		}
		if goodBytes < info.Size() {
			if err := os.Truncate(path, goodBytes); err != nil {
				return nil, fmt.Errorf("trace: truncate torn tail: %w", err)
			}
		}
		if last != nil {
			seq = last.Seq
			prev = last.EntryHash
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("trace: open file: %w", err)
	}
	return &Trace{path: path, file: file, seq: seq, prev: prev}, nil
}

// Append records one decision. The chain tail advances only after the
// line has reached disk.
func (t *Trace) Append(e TraceEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.Seq = t.seq + 1
	e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	e.PrevHash = t.prev
	e.EntryHash = ""

	unhashed, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("trace: marshal entry: %w", err)
	}
	sum := sha256.Sum256(unhashed)
	e.EntryHash = "sha256:" + hex.EncodeToString(sum[:])

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("trace: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := t.file.Write(line); err != nil {
		return fmt.Errorf("trace: write entry: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("trace: sync: %w", err)
	}
	t.seq = e.Seq
	t.prev = e.EntryHash
	return nil
}

// Seq returns the sequence number of the last appended entry.
func (t *Trace) Seq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Close flushes and closes the trace file.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// VerifyTrace re-reads the trace and checks the full chain, returning
// every entry in order.
func VerifyTrace(path string) ([]TraceEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trace: open for verify: %w", err)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	prev := GenesisHash
	var out []TraceEntry
	var lastSeq uint64
	for sc.Scan() {
		e, err := decodeTraceLine(sc.Bytes())
		if err != nil {
			return nil, err
		}
		if e.PrevHash != prev {
			return nil, fmt.Errorf("%w: seq %d prev_hash mismatch", ErrTraceChainBroken, e.Seq)
		}
		if e.Seq != lastSeq+1 {
			return nil, fmt.Errorf("%w: seq %d after %d", ErrTraceChainBroken, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		prev = e.EntryHash
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("trace: scan: %w", err)
	}
	return out, nil
}

func decodeTraceLine(line []byte) (TraceEntry, error) {
	var e TraceEntry
	if err := json.Unmarshal(line, &e); err != nil {
		return TraceEntry{}, fmt.Errorf("%w: decode: %v", ErrTraceCorrupt, err)
	}
	stored := e.EntryHash
	if !strings.HasPrefix(stored, "sha256:") {
		return TraceEntry{}, fmt.Errorf("%w: seq %d missing entry hash", ErrTraceCorrupt, e.Seq)
	}
	e.EntryHash = ""
	unhashed, err := json.Marshal(e)
	if err != nil {
		return TraceEntry{}, fmt.Errorf("%w: re-encode: %v", ErrTraceCorrupt, err)
	}
	sum := sha256.Sum256(unhashed)
	if "sha256:"+hex.EncodeToString(sum[:]) != stored {
		return TraceEntry{}, fmt.Errorf("%w: seq %d entry hash mismatch", ErrTraceCorrupt, e.Seq)
	}
	e.EntryHash = stored
	return e, nil
}

// scanTraceTail walks complete lines and returns the last verifiable
// entry plus the byte offset of the end of the last complete line.
func scanTraceTail(path string) (*TraceEntry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("trace: open for scan: %w", err)
	}
	defer f.Close() //nolint:errcheck

	r := bufio.NewReader(f)
	var last *TraceEntry
	goodBytes := int64(0)
	offset := int64(0)
	for {
		line, err := r.ReadBytes('\n')
		offset += int64(len(line))
		if err != nil {
			// No trailing newline means a torn final write.
			break
		}
		e, derr := decodeTraceLine(line[:len(line)-1])
		if derr != nil {
			break
		}
		v := e
		last = &v
		goodBytes = offset
	}
	return last, goodBytes, nil
}
