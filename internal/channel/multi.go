package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Multi fans one logical channel out across several transports. Deliveries
// are broadcast in parallel and the reply streams merge into one. Message
// tokens are prefixed with the sub-channel name so later edits can be
// dispatched back to the transport that owns the message.
type Multi struct {
	subs   []Channel
	logger *zap.Logger

	mergeOnce sync.Once
	merged    chan InboundReply
}

func NewMulti(logger *zap.Logger, subs ...Channel) (*Multi, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("channel: multi requires at least one sub-channel")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{
		subs:   subs,
		logger: logger,
		merged: make(chan InboundReply, 64),
	}, nil
}

func (m *Multi) Name() string { return "multi" }

// Start starts every sub-channel. A transport that fails to start is logged
// and skipped rather than aborting the rest.
func (m *Multi) Start(ctx context.Context) error {
	for _, sub := range m.subs {
		if err := sub.Start(ctx); err != nil {
			m.logger.Error("channel failed to start",
				zap.String("channel", sub.Name()), zap.Error(err))
			continue
		}
		m.logger.Info("channel started", zap.String("channel", sub.Name()))
	}
	m.mergeOnce.Do(m.startMerge)
	return nil
}

func (m *Multi) startMerge() {
	var wg sync.WaitGroup
	for _, sub := range m.subs {
		wg.Add(1)
		go func(sub Channel) {
			defer wg.Done()
			for r := range sub.Replies() {
				m.merged <- r
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(m.merged)
	}()
}

func (m *Multi) Close() error {
	var firstErr error
	for _, sub := range m.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Deliver broadcasts to every sub-channel and returns the first successful
// token, prefixed with its channel name. Delivery fails only when every
// transport fails.
func (m *Multi) Deliver(ctx context.Context, d Delivery, allowlist []string) (string, error) {
	type result struct {
		sub   Channel
		token string
		err   error
	}
	results := make([]result, len(m.subs))
	var wg sync.WaitGroup
	for i, sub := range m.subs {
		wg.Add(1)
		go func(i int, sub Channel) {
			defer wg.Done()
			token, err := sub.Deliver(ctx, d, allowlist)
			results[i] = result{sub: sub, token: token, err: err}
		}(i, sub)
	}
	wg.Wait()

	token := ""
	failures := 0
	for _, res := range results {
		if res.err != nil {
			failures++
			m.logger.Warn("delivery failed on sub-channel",
				zap.String("channel", res.sub.Name()),
				zap.String("prompt_id", d.PromptID),
				zap.Error(res.err))
			continue
		}
		if token == "" && res.token != "" {
			token = res.sub.Name() + ":" + res.token
		}
	}
	if failures == len(m.subs) {
		return "", fmt.Errorf("%w: all %d sub-channels failed", ErrDeliveryFailed, failures)
	}
	return token, nil
}

func (m *Multi) Notify(ctx context.Context, sessionID, message string) error {
	for _, sub := range m.subs {
		if err := sub.Notify(ctx, sessionID, message); err != nil {
			m.logger.Warn("notify failed on sub-channel",
				zap.String("channel", sub.Name()), zap.Error(err))
		}
	}
	return nil
}

func (m *Multi) Replies() <-chan InboundReply {
	m.mergeOnce.Do(m.startMerge)
	return m.merged
}

// SplitToken separates a multi-channel token back into the sub-channel name
// and the transport-specific part.
func SplitToken(token string) (channelName, rest string) {
	if i := strings.IndexByte(token, ':'); i > 0 {
		return token[:i], token[i+1:]
	}
	return "", token
}
