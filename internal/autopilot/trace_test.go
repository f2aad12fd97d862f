package autopilot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTraceAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot_decisions.jsonl")
	tr, err := OpenTrace(path)
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tr.Append(TraceEntry{
			PromptID:   "p1",
			SessionID:  "s1",
			RuleID:     "deny-force-push",
			Action:     "deny",
			Mode:       "full",
			PolicyHash: "sha256:abc",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := VerifyTrace(path)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != GenesisHash {
		t.Fatalf("first entry must chain from genesis")
	}
	if entries[1].PrevHash != entries[0].EntryHash || entries[2].PrevHash != entries[1].EntryHash {
		t.Fatalf("entries must chain by entry hash")
	}
}

func TestTraceReopenResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tr, err := OpenTrace(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tr.Append(TraceEntry{PromptID: "p1", Action: "deny", Mode: "full", PolicyHash: "h"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = tr.Close()

	tr, err = OpenTrace(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := tr.Append(TraceEntry{PromptID: "p2", Action: "auto_reply", Mode: "full", PolicyHash: "h"}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	_ = tr.Close()

	entries, err := VerifyTrace(path)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(entries) != 2 || entries[1].Seq != 2 {
		t.Fatalf("expected chain continued at seq 2, got %+v", entries)
	}
}

func TestTraceTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tr, err := OpenTrace(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tr.Append(TraceEntry{PromptID: "p1", Action: "deny", Mode: "full", PolicyHash: "h"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = tr.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for tear: %v", err)
	}
	if _, err := f.WriteString(`{"seq":2,"prompt_id":"p2"`); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	tr, err = OpenTrace(path)
	if err != nil {
		t.Fatalf("reopen torn: %v", err)
	}
	if tr.Seq() != 1 {
		t.Fatalf("torn tail must be dropped, seq = %d", tr.Seq())
	}
	if err := tr.Append(TraceEntry{PromptID: "p2", Action: "deny", Mode: "full", PolicyHash: "h"}); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	_ = tr.Close()
	if _, err := VerifyTrace(path); err != nil {
		t.Fatalf("verify after truncate: %v", err)
	}
}

func TestTraceDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tr, err := OpenTrace(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tr.Append(TraceEntry{PromptID: "p1", Action: "deny", Reply: "n", Mode: "full", PolicyHash: "h"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = tr.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), `"reply":"n"`, `"reply":"y"`, 1)
	if tampered == string(data) {
		t.Fatalf("test setup: reply field not found")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write tampered: %v", err)
	}
	if _, err := VerifyTrace(path); !errors.Is(err, ErrTraceCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}
