package sync

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/villagehq/villagechat/model"
)

// countingAnnouncer records typing emissions.
type countingAnnouncer struct {
	mu   sync.Mutex
	sent []model.TypingPayload
}

func (a *countingAnnouncer) Send(t model.EventType, payload any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := payload.(model.TypingPayload); ok {
		a.sent = append(a.sent, p)
	}
	return nil
}

func (a *countingAnnouncer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func TestOnlineSetSnapshotAndDeltas(t *testing.T) {
	p := NewPresence(&countingAnnouncer{}, nil)

	p.OnSnapshot([]string{"bob", "carol"})
	if got := p.Online(); !reflect.DeepEqual(got, []string{"bob", "carol"}) {
		t.Fatalf("online = %v, want [bob carol]", got)
	}

	p.OnJoin("dave")
	p.OnJoin("dave") // idempotent
	p.OnLeave("bob")
	p.OnLeave("bob") // idempotent
	if got := p.Online(); !reflect.DeepEqual(got, []string{"carol", "dave"}) {
		t.Fatalf("online = %v, want [carol dave]", got)
	}

	// Snapshot replaces the whole set.
	p.OnSnapshot([]string{"erin"})
	if !p.IsOnline("erin") || p.IsOnline("carol") {
		t.Fatal("snapshot did not replace the online set")
	}
}

func TestRemoteTypingExpiresWithoutStopEvent(t *testing.T) {
	p := NewPresence(&countingAnnouncer{}, nil)
	p.SetTypingExpiry(50 * time.Millisecond)

	p.OnRemoteTyping(7, "alice", true)
	if got := p.TypingIn(7); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("typing = %v, want [alice]", got)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(p.TypingIn(7)) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("typing entry never expired")
}

func TestRemoteTypingRefreshExtendsExpiry(t *testing.T) {
	p := NewPresence(&countingAnnouncer{}, nil)
	p.SetTypingExpiry(80 * time.Millisecond)

	p.OnRemoteTyping(7, "alice", true)
	time.Sleep(50 * time.Millisecond)
	p.OnRemoteTyping(7, "alice", true) // refresh re-arms the window
	time.Sleep(50 * time.Millisecond)
	if got := p.TypingIn(7); len(got) != 1 {
		t.Fatalf("typing after refresh = %v, want [alice]", got)
	}
}

func TestRemoteTypingStopEvent(t *testing.T) {
	p := NewPresence(&countingAnnouncer{}, nil)
	p.OnRemoteTyping(3, "bob", true)
	p.OnRemoteTyping(3, "bob", false)
	if got := p.TypingIn(3); len(got) != 0 {
		t.Fatalf("typing = %v, want empty", got)
	}
	// Stop for an unknown identity is a no-op.
	p.OnRemoteTyping(3, "ghost", false)
}

func TestSetTypingCollapsesRepeats(t *testing.T) {
	ann := &countingAnnouncer{}
	p := NewPresence(ann, nil)
	p.SetIdentity("alice")

	p.SetTyping(4, true)
	p.SetTyping(4, true)
	p.SetTyping(4, true)
	if got := ann.count(); got != 1 {
		t.Fatalf("emitted %d typing events for repeated true, want 1", got)
	}

	p.SetTyping(4, false)
	p.SetTyping(4, false)
	if got := ann.count(); got != 2 {
		t.Fatalf("emitted %d typing events after stop, want 2", got)
	}
	ann.mu.Lock()
	last := ann.sent[len(ann.sent)-1]
	ann.mu.Unlock()
	if last.IsTyping || last.ChatID != 4 || last.Identity != "alice" {
		t.Fatalf("last emission = %+v, want stop for alice in chat 4", last)
	}
}

func TestTypingInExcludesSelf(t *testing.T) {
	p := NewPresence(&countingAnnouncer{}, nil)
	p.SetIdentity("alice")
	p.OnRemoteTyping(2, "alice", true)
	p.OnRemoteTyping(2, "bob", true)
	if got := p.TypingIn(2); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("typing = %v, want [bob]", got)
	}
}
