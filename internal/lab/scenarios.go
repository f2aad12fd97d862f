package lab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlasbridge/atlasbridge/internal/adapter"
	"github.com/atlasbridge/atlasbridge/internal/channel"
	"github.com/atlasbridge/atlasbridge/internal/model"
)

// Scenarios returns the regression catalogue. Each run gets a fresh
// harness, so scenarios never observe each other's state.
func Scenarios() []Scenario {
	return []Scenario{
		{ID: "QA-001", Description: "yes/no prompt answered over the channel", Run: runYesNo},
		{ID: "QA-002", Description: "confirm-enter prompt injects a bare return", Run: runConfirmEnter},
		{ID: "QA-003", Description: "numbered menu parsed and answered by option", Run: runMultipleChoice},
		{ID: "QA-004", Description: "partial prompt line does not fire early", Run: runPartialLine},
		{ID: "QA-005", Description: "ANSI-decorated prompt detected cleanly", Run: runANSIEscape},
		{ID: "QA-006", Description: "silence fallback fires low-confidence unknown", Run: runSilenceFallback},
		{ID: "QA-007", Description: "injected reply echo is not re-detected", Run: runEchoSuppression},
		{ID: "QA-008", Description: "reply after TTL expiry is refused with a notice", Run: runTTLExpiry},
		{ID: "QA-009", Description: "duplicate callback injects at most once", Run: runDuplicateCallback},
		{ID: "QA-010", Description: "free text relayed verbatim, control bytes refused", Run: runFreeText},
	}
}

func runYesNo(ctx context.Context, h *Harness) error {
	h.Feed("About to rewrite 3 files.\nApply these changes? [y/N] ")
	res, ok := h.Detect(true)
	if !ok {
		return errors.New("yes/no prompt not detected")
	}
	if res.Type != model.PromptYesNo || res.Confidence != model.ConfidenceHigh || res.Signal != model.SignalPattern {
		return fmt.Errorf("classified as %s/%s/%s", res.Type, res.Confidence, res.Signal)
	}

	h.QueueReply("y")
	ev, err := h.Emit(ctx, res, time.Minute)
	if err != nil {
		return err
	}
	if err := h.Pump(ctx); err != nil {
		return err
	}

	inj := h.Injections()
	if len(inj) != 1 || inj[0].Value != "y" || inj[0].Source != model.ReplyFromHuman {
		return fmt.Errorf("injections = %+v", inj)
	}
	encoded, err := h.Encode(inj[0].Type, inj[0].Value)
	if err != nil {
		return err
	}
	if !bytes.Equal(encoded, []byte("y\r")) {
		return fmt.Errorf("encoded reply = %q", encoded)
	}

	p, err := h.Prompt(ctx, ev.PromptID)
	if err != nil {
		return err
	}
	if p.State != model.StateReplyReceived || p.ReplyText == nil || *p.ReplyText != "y" {
		return fmt.Errorf("prompt after reply = %+v", p)
	}
	return nil
}

func runConfirmEnter(ctx context.Context, h *Harness) error {
	h.Feed("Update downloaded.\nPress enter to continue...")
	res, ok := h.Detect(false)
	if !ok || res.Type != model.PromptConfirmEnter {
		return fmt.Errorf("confirm-enter not detected: ok=%v type=%s", ok, res.Type)
	}

	h.QueueReply("")
	if _, err := h.Emit(ctx, res, time.Minute); err != nil {
		return err
	}
	if err := h.Pump(ctx); err != nil {
		return err
	}

	inj := h.Injections()
	if len(inj) != 1 {
		return fmt.Errorf("injections = %+v", inj)
	}
	encoded, err := h.Encode(inj[0].Type, inj[0].Value)
	if err != nil {
		return err
	}
	if !bytes.Equal(encoded, []byte("\r")) {
		return fmt.Errorf("encoded reply = %q", encoded)
	}
	return nil
}

func runMultipleChoice(ctx context.Context, h *Harness) error {
	h.Feed("Choose a model:\n 1. fast\n 2. careful\nSelect: ")
	res, ok := h.Detect(true)
	if !ok || res.Type != model.PromptMultipleChoice {
		return fmt.Errorf("menu not detected: ok=%v type=%s", ok, res.Type)
	}
	if len(res.Options) != 2 || res.Options[0] != "fast" || res.Options[1] != "careful" {
		return fmt.Errorf("options = %v", res.Options)
	}
	if res.Question != "Choose a model:" {
		return fmt.Errorf("question = %q", res.Question)
	}

	h.QueueReply("2")
	if _, err := h.Emit(ctx, res, time.Minute); err != nil {
		return err
	}
	if err := h.Pump(ctx); err != nil {
		return err
	}

	inj := h.Injections()
	if len(inj) != 1 {
		return fmt.Errorf("injections = %+v", inj)
	}
	encoded, err := h.Encode(inj[0].Type, inj[0].Value)
	if err != nil {
		return err
	}
	if !bytes.Equal(encoded, []byte("2\r")) {
		return fmt.Errorf("encoded reply = %q", encoded)
	}
	return nil
}

func runPartialLine(ctx context.Context, h *Harness) error {
	h.Feed("Proceed? [y/")
	if res, ok := h.Detect(false); ok {
		return fmt.Errorf("partial line fired %s prematurely", res.Type)
	}
	h.Feed("N] ")
	res, ok := h.Detect(false)
	if !ok || res.Type != model.PromptYesNo {
		return fmt.Errorf("completed line not detected: ok=%v type=%s", ok, res.Type)
	}
	return nil
}

func runANSIEscape(ctx context.Context, h *Harness) error {
	h.Feed("\x1b[1mProceed with deploy?\x1b[0m \x1b[33m(y/n)\x1b[0m: ")
	res, ok := h.Detect(true)
	if !ok || res.Type != model.PromptYesNo {
		return fmt.Errorf("decorated prompt not detected: ok=%v type=%s", ok, res.Type)
	}
	if strings.ContainsRune(res.Question, 0x1b) || strings.ContainsRune(res.Excerpt, 0x1b) {
		return fmt.Errorf("escape bytes leaked into %q / %q", res.Question, res.Excerpt)
	}
	if !strings.Contains(res.Question, "Proceed with deploy?") {
		return fmt.Errorf("question = %q", res.Question)
	}
	return nil
}

func runSilenceFallback(ctx context.Context, h *Harness) error {
	h.Feed("downloading model weights")
	if _, ok := h.Detect(false); ok {
		return errors.New("pattern layer fired on plain output")
	}
	if _, ok := h.CheckSilence(); ok {
		return errors.New("silence fired before the interval elapsed")
	}
	h.Advance(3 * time.Second)
	res, ok := h.CheckSilence()
	if !ok {
		return errors.New("silence layer never fired")
	}
	if res.Type != model.PromptUnknown || res.Confidence != model.ConfidenceLow || res.Signal != model.SignalSilence {
		return fmt.Errorf("classified as %s/%s/%s", res.Type, res.Confidence, res.Signal)
	}
	return nil
}

func runEchoSuppression(ctx context.Context, h *Harness) error {
	h.Feed("Apply changes? [y/N] ")
	if _, ok := h.Detect(true); !ok {
		return errors.New("prompt not detected before injection")
	}

	h.MarkInjected()
	h.Feed("y\r\n")
	if res, ok := h.Detect(true); ok {
		return fmt.Errorf("echo re-detected as %s during suppression", res.Type)
	}
	if _, ok := h.CheckSilence(); ok {
		return errors.New("silence layer fired during suppression")
	}

	h.Advance(time.Second)
	h.Feed("Overwrite existing file? [y/N] ")
	if _, ok := h.Detect(true); !ok {
		return errors.New("detection did not resume after the suppression window")
	}
	return nil
}

func runTTLExpiry(ctx context.Context, h *Harness) error {
	h.Feed("Apply changes? [y/N] ")
	res, ok := h.Detect(true)
	if !ok {
		return errors.New("prompt not detected")
	}

	h.QueueReply("y")
	ev, err := h.Emit(ctx, res, -time.Second)
	if err != nil {
		return err
	}
	if err := h.Pump(ctx); err != nil {
		return err
	}

	if inj := h.Injections(); len(inj) != 0 {
		return fmt.Errorf("expired prompt was injected: %+v", inj)
	}
	want := ev.PromptID[:8]
	for _, n := range h.Notices() {
		if strings.Contains(n, want) && strings.Contains(n, "expired") {
			return nil
		}
	}
	return fmt.Errorf("no expiry notice for %s in %v", want, h.Notices())
}

func runDuplicateCallback(ctx context.Context, h *Harness) error {
	h.Feed("Apply changes? [y/N] ")
	res, ok := h.Detect(true)
	if !ok {
		return errors.New("prompt not detected")
	}

	h.QueueReply("y")
	ev, err := h.Emit(ctx, res, time.Minute)
	if err != nil {
		return err
	}
	if err := h.Pump(ctx); err != nil {
		return err
	}

	h.InjectReply(channel.InboundReply{
		PromptID: ev.PromptID,
		Nonce:    ev.Nonce,
		Identity: operator,
		Value:    "y",
	})
	if err := h.Pump(ctx); err != nil {
		return err
	}

	if inj := h.Injections(); len(inj) != 1 {
		return fmt.Errorf("duplicate callback produced %d injections", len(inj))
	}
	return nil
}

func runFreeText(ctx context.Context, h *Harness) error {
	h.Feed("Enter commit message: ")
	res, ok := h.Detect(true)
	if !ok || res.Type != model.PromptFreeText {
		return fmt.Errorf("free text prompt not detected: ok=%v type=%s", ok, res.Type)
	}

	h.QueueReply("ship the release")
	if _, err := h.Emit(ctx, res, time.Minute); err != nil {
		return err
	}
	if err := h.Pump(ctx); err != nil {
		return err
	}

	inj := h.Injections()
	if len(inj) != 1 || inj[0].Value != "ship the release" {
		return fmt.Errorf("injections = %+v", inj)
	}
	encoded, err := h.Encode(inj[0].Type, inj[0].Value)
	if err != nil {
		return err
	}
	if !bytes.Equal(encoded, []byte("ship the release\r")) {
		return fmt.Errorf("encoded reply = %q", encoded)
	}

	if _, err := h.Encode(model.PromptFreeText, "rm -rf\x1b[2J"); !errors.Is(err, adapter.ErrUnsafeReply) {
		return fmt.Errorf("control bytes accepted: %v", err)
	}
	return nil
}
