package channel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

func TestScriptChannelDeliverAndAutoReply(t *testing.T) {
	ctx := context.Background()
	ch := NewScriptChannel()
	defer ch.Close() //nolint:errcheck

	ch.QueueRule(ScriptRule{Value: "y", Identity: "tester"})

	token, err := ch.Deliver(ctx, Delivery{
		PromptID:  "p1",
		SessionID: "s1",
		Nonce:     "n1",
		Type:      model.PromptYesNo,
		Question:  "Continue? [y/n]",
	}, []string{"tester"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.HasPrefix(token, "script:") {
		t.Fatalf("unexpected token %q", token)
	}

	r := <-ch.Replies()
	if r.PromptID != "p1" || r.Nonce != "n1" || r.Value != "y" || r.Identity != "tester" {
		t.Fatalf("unexpected reply %+v", r)
	}
	if len(ch.Deliveries()) != 1 {
		t.Fatalf("expected 1 recorded delivery")
	}
}

func TestScriptChannelRulesFireOnce(t *testing.T) {
	ctx := context.Background()
	ch := NewScriptChannel()
	defer ch.Close() //nolint:errcheck

	ch.QueueRule(ScriptRule{
		Match: func(d Delivery) bool { return d.Type == model.PromptYesNo },
		Value: "n",
	})

	if _, err := ch.Deliver(ctx, Delivery{PromptID: "p1", Nonce: "n1", Type: model.PromptFreeText}, nil); err != nil {
		t.Fatalf("deliver free_text: %v", err)
	}
	select {
	case r := <-ch.Replies():
		t.Fatalf("rule must not fire for non-matching delivery, got %+v", r)
	default:
	}

	if _, err := ch.Deliver(ctx, Delivery{PromptID: "p2", Nonce: "n2", Type: model.PromptYesNo}, nil); err != nil {
		t.Fatalf("deliver yes_no: %v", err)
	}
	r := <-ch.Replies()
	if r.PromptID != "p2" || r.Value != "n" {
		t.Fatalf("unexpected reply %+v", r)
	}

	if _, err := ch.Deliver(ctx, Delivery{PromptID: "p3", Nonce: "n3", Type: model.PromptYesNo}, nil); err != nil {
		t.Fatalf("deliver again: %v", err)
	}
	select {
	case r := <-ch.Replies():
		t.Fatalf("spent rule must not fire again, got %+v", r)
	default:
	}
}

func TestScriptChannelFailNext(t *testing.T) {
	ctx := context.Background()
	ch := NewScriptChannel()
	defer ch.Close() //nolint:errcheck

	ch.FailNext(ErrDeliveryFailed)
	if _, err := ch.Deliver(ctx, Delivery{PromptID: "p1"}, nil); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := ch.Deliver(ctx, Delivery{PromptID: "p2"}, nil); err != nil {
		t.Fatalf("expected recovery after injected failure, got %v", err)
	}
}

func TestScriptChannelNotify(t *testing.T) {
	ctx := context.Background()
	ch := NewScriptChannel()
	defer ch.Close() //nolint:errcheck

	if err := ch.Notify(ctx, "s1", "prompt expired"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	notices := ch.Notices()
	if len(notices) != 1 || notices[0] != "prompt expired" {
		t.Fatalf("unexpected notices %v", notices)
	}
}
