package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close() //nolint:errcheck

	if err := log.Append("prompt_detected", map[string]string{"prompt_id": "p1"}); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := log.Append("prompt_delivered", map[string]string{"prompt_id": "p1"}); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if err := log.Append("reply_injected", nil); err != nil {
		t.Fatalf("append third: %v", err)
	}

	entries, err := Verify(path, 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != GenesisHash {
		t.Fatalf("first entry must chain from genesis, got %s", entries[0].PrevHash)
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, e.Seq)
		}
	}

	ranged, err := Verify(path, 2, 2)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	if len(ranged) != 1 || ranged[0].Kind != "prompt_delivered" {
		t.Fatalf("expected only seq 2, got %v", ranged)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if err := log.Append("prompt_detected", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	log, err = Open(path)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}
	defer log.Close() //nolint:errcheck
	if log.Seq() != 1 {
		t.Fatalf("expected recovered seq 1, got %d", log.Seq())
	}
	if err := log.Append("prompt_delivered", nil); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}

	if _, err := Verify(path, 0, 0); err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
}

func TestReopenTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if err := log.Append("prompt_detected", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append("prompt_delivered", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Chop bytes off the final record to simulate a crash mid-write.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-10); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	log, err = Open(path)
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	defer log.Close() //nolint:errcheck
	if log.Seq() != 1 {
		t.Fatalf("expected torn record dropped, seq 1, got %d", log.Seq())
	}
	if err := log.Append("reply_injected", nil); err != nil {
		t.Fatalf("append after recovery: %v", err)
	}
	entries, err := Verify(path, 0, 0)
	if err != nil {
		t.Fatalf("verify after recovery: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after recovery, got %d", len(entries))
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if err := log.Append("prompt_detected", map[string]string{"prompt_id": "p1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append("prompt_delivered", map[string]string{"prompt_id": "p1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	// Flip a byte inside the first payload.
	raw[5] ^= 0xff
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	_, err = Verify(path, 0, 0)
	if err == nil {
		t.Fatalf("expected verify to fail on tampered log")
	}
	if !errors.Is(err, ErrCorrupt) && !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected corrupt or broken chain error, got %v", err)
	}
}

func TestResetStartsNewChainWithRootMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer log.Close() //nolint:errcheck
	if err := log.Append("prompt_detected", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Reset("rotation requested"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := log.Append("prompt_delivered", nil); err != nil {
		t.Fatalf("append after reset: %v", err)
	}

	entries, err := Verify(path, 0, 0)
	if err != nil {
		t.Fatalf("verify after reset: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected chain root plus one entry, got %d", len(entries))
	}
	if entries[0].Kind != KindChainRoot {
		t.Fatalf("expected chain root first, got %s", entries[0].Kind)
	}
	if entries[0].PrevHash != GenesisHash {
		t.Fatalf("chain root must cite genesis, got %s", entries[0].PrevHash)
	}
}
