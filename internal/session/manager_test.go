package session

import (
	"errors"
	"testing"

	"github.com/atlasbridge/atlasbridge/internal/router"
)

type fakeSink struct {
	id   string
	got  []router.Injection
	fail error
}

func (f *fakeSink) SessionID() string { return f.id }

func (f *fakeSink) Enqueue(inj router.Injection) error {
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, inj)
	return nil
}

func TestManagerRoutesBySession(t *testing.T) {
	m := NewManager()
	a := &fakeSink{id: "s-a"}
	b := &fakeSink{id: "s-b"}
	m.Register(a)
	m.Register(b)

	if err := m.Enqueue(router.Injection{SessionID: "s-b", PromptID: "p1", Value: "y"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(a.got) != 0 || len(b.got) != 1 {
		t.Fatalf("injection landed on wrong session: a=%d b=%d", len(a.got), len(b.got))
	}
	if ids := m.IDs(); len(ids) != 2 || ids[0] != "s-a" || ids[1] != "s-b" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager()
	if err := m.Enqueue(router.Injection{SessionID: "nope"}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected unknown session, got %v", err)
	}

	s := &fakeSink{id: "s1"}
	m.Register(s)
	m.Deregister("s1")
	if err := m.Enqueue(router.Injection{SessionID: "s1"}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected unknown session after deregister, got %v", err)
	}
}
