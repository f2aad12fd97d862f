package statemachine

import (
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/model"
)

func TestForwardEdges(t *testing.T) {
	cases := []struct {
		from, to model.PromptState
	}{
		{model.StateCreated, model.StateRouted},
		{model.StateRouted, model.StateAwaitingReply},
		{model.StateAwaitingReply, model.StateReplyReceived},
		{model.StateReplyReceived, model.StateInjected},
		{model.StateInjected, model.StateResolved},
	}
	for _, tc := range cases {
		if !IsLegal(tc.from, tc.to) {
			t.Errorf("IsLegal(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
}

func TestTerminalJumps(t *testing.T) {
	nonTerminal := []model.PromptState{
		model.StateCreated,
		model.StateRouted,
		model.StateAwaitingReply,
		model.StateReplyReceived,
		model.StateInjected,
	}
	for _, from := range nonTerminal {
		for _, to := range []model.PromptState{model.StateExpired, model.StateCanceled, model.StateFailed} {
			if !IsLegal(from, to) {
				t.Errorf("IsLegal(%s, %s) = false, want true", from, to)
			}
		}
	}
}

func TestResolvedOnlyFromInjected(t *testing.T) {
	for _, from := range []model.PromptState{
		model.StateCreated,
		model.StateRouted,
		model.StateAwaitingReply,
		model.StateReplyReceived,
	} {
		if IsLegal(from, model.StateResolved) {
			t.Errorf("IsLegal(%s, resolved) = true, want false", from)
		}
	}
}

func TestTerminalStatesAdmitNothing(t *testing.T) {
	terminal := []model.PromptState{
		model.StateResolved,
		model.StateExpired,
		model.StateCanceled,
		model.StateFailed,
	}
	all := []model.PromptState{
		model.StateCreated, model.StateRouted, model.StateAwaitingReply,
		model.StateReplyReceived, model.StateInjected, model.StateResolved,
		model.StateExpired, model.StateCanceled, model.StateFailed,
	}
	for _, from := range terminal {
		for _, to := range all {
			if IsLegal(from, to) {
				t.Errorf("IsLegal(%s, %s) = true, want false", from, to)
			}
		}
	}
}

func TestNoBackwardOrSkipEdges(t *testing.T) {
	cases := []struct {
		from, to model.PromptState
	}{
		{model.StateRouted, model.StateCreated},
		{model.StateAwaitingReply, model.StateRouted},
		{model.StateCreated, model.StateAwaitingReply},
		{model.StateRouted, model.StateInjected},
		{model.StateInjected, model.StateReplyReceived},
	}
	for _, tc := range cases {
		if IsLegal(tc.from, tc.to) {
			t.Errorf("IsLegal(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}

func TestSelfTransitionsIllegal(t *testing.T) {
	for _, s := range []model.PromptState{
		model.StateCreated, model.StateAwaitingReply, model.StateResolved,
	} {
		if IsLegal(s, s) {
			t.Errorf("IsLegal(%s, %s) = true, want false", s, s)
		}
	}
}

func TestUnknownStatesIllegal(t *testing.T) {
	bogus := model.PromptState("pending")
	if IsLegal(bogus, model.StateFailed) {
		t.Error("unknown from-state accepted")
	}
	if IsLegal(model.StateCreated, model.PromptState("done")) {
		t.Error("unknown to-state accepted")
	}
}

func TestLegalTargets(t *testing.T) {
	got := LegalTargets(model.StateAwaitingReply)
	want := []model.PromptState{
		model.StateReplyReceived,
		model.StateExpired,
		model.StateCanceled,
		model.StateFailed,
	}
	if len(got) != len(want) {
		t.Fatalf("LegalTargets(awaiting_reply) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LegalTargets(awaiting_reply)[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if LegalTargets(model.StateResolved) != nil {
		t.Error("terminal state has legal targets")
	}
	if LegalTargets(model.PromptState("bogus")) != nil {
		t.Error("unknown state has legal targets")
	}
}
