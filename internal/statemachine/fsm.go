// Package statemachine defines the prompt lifecycle transition table.
//
// The table is the single source of truth for which state changes the
// store may persist. All callers go through IsLegal before writing.
package statemachine

import "github.com/atlasbridge/atlasbridge/internal/model"

// forward lists the happy-path successor for each non-terminal state.
var forward = map[model.PromptState]model.PromptState{
	model.StateCreated:       model.StateRouted,
	model.StateRouted:        model.StateAwaitingReply,
	model.StateAwaitingReply: model.StateReplyReceived,
	model.StateReplyReceived: model.StateInjected,
	model.StateInjected:      model.StateResolved,
}

// IsLegal reports whether the transition from -> to is permitted.
//
// Legal moves are the single forward edge per state plus a jump to any
// terminal state from any non-terminal state. Terminal states admit
// nothing. Self-transitions are always illegal.
func IsLegal(from, to model.PromptState) bool {
	if from == to {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if forward[from] == to {
		return true
	}
	// Resolved is only reachable through the forward edge from Injected.
	if to == model.StateResolved {
		return false
	}
	return to.IsTerminal() && isKnown(from)
}

// LegalTargets returns every state reachable from the given state in one
// transition, in deterministic order.
func LegalTargets(from model.PromptState) []model.PromptState {
	if from.IsTerminal() || !isKnown(from) {
		return nil
	}
	targets := []model.PromptState{forward[from]}
	for _, t := range []model.PromptState{
		model.StateExpired,
		model.StateCanceled,
		model.StateFailed,
	} {
		if t != forward[from] {
			targets = append(targets, t)
		}
	}
	return targets
}

func isKnown(s model.PromptState) bool {
	if _, ok := forward[s]; ok {
		return true
	}
	return s.IsTerminal()
}
