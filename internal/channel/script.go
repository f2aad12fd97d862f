package channel

import (
	"context"
	"fmt"
	"sync"
)

// ScriptRule answers prompts delivered to a ScriptChannel. Match receives
// the delivery; when it reports true the rule's value is sent back as a
// reply from the given identity.
type ScriptRule struct {
	Match    func(Delivery) bool
	Value    string
	Identity string
}

// ScriptChannel is a deterministic in-process transport used by the prompt
// lab and by tests. Deliveries are recorded, and queued rules produce
// replies synchronously on the reply stream.
type ScriptChannel struct {
	mu         sync.Mutex
	rules      []ScriptRule
	deliveries []Delivery
	notices    []string
	replies    chan InboundReply
	closed     bool
	nextToken  int
	failNext   error
}

func NewScriptChannel() *ScriptChannel {
	return &ScriptChannel{
		replies: make(chan InboundReply, 64),
	}
}

func (s *ScriptChannel) Name() string { return "script" }

func (s *ScriptChannel) Start(ctx context.Context) error { return nil }

func (s *ScriptChannel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.replies)
	}
	return nil
}

// QueueRule arms one auto-reply rule. Rules fire in queue order, once each.
func (s *ScriptChannel) QueueRule(rule ScriptRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule)
}

// FailNext makes the next Deliver call return the given error.
func (s *ScriptChannel) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *ScriptChannel) Deliver(ctx context.Context, d Delivery, allowlist []string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return "", err
	}
	s.deliveries = append(s.deliveries, d)
	s.nextToken++
	token := fmt.Sprintf("script:%d", s.nextToken)

	var fired *ScriptRule
	for i := range s.rules {
		if s.rules[i].Match == nil || s.rules[i].Match(d) {
			fired = &s.rules[i]
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if fired != nil {
		identity := fired.Identity
		if identity == "" && len(allowlist) > 0 {
			identity = allowlist[0]
		}
		s.replies <- InboundReply{
			PromptID: d.PromptID,
			Nonce:    d.Nonce,
			Identity: identity,
			Value:    fired.Value,
			Channel:  s.Name(),
		}
	}
	return token, nil
}

func (s *ScriptChannel) Notify(ctx context.Context, sessionID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.notices = append(s.notices, message)
	return nil
}

func (s *ScriptChannel) Replies() <-chan InboundReply { return s.replies }

// Inject puts a hand-built reply on the stream, bypassing the rule queue.
func (s *ScriptChannel) Inject(r InboundReply) {
	r.Channel = s.Name()
	s.replies <- r
}

// Deliveries returns a copy of everything delivered so far.
func (s *ScriptChannel) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

// Notices returns the informational messages sent so far.
func (s *ScriptChannel) Notices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.notices...)
}
