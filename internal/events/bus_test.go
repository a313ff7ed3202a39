package events

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"

	"github.com/DapperDuckling/oauth-monitor/internal/status"
)

// recorder is a comparable Listener that records what it sees.
type recorder struct {
	name string
	log  *[]string
	got  []Event
}

func (r *recorder) HandleEvent(e Event) {
	r.got = append(r.got, e)
	if r.log != nil {
		*r.log = append(*r.log, r.name+":"+e.Kind.String())
	}
}

type panicker struct{}

func (p *panicker) HandleEvent(Event) { panic("boom") }

func quietBus() *Bus {
	return NewBus(log.New(&bytes.Buffer{}, "", 0))
}

func TestDispatchExactAndWildcard(t *testing.T) {
	b := quietBus()
	exact := &recorder{}
	other := &recorder{}
	wild := &recorder{}

	b.AddEventListener(InvalidTokens, exact)
	b.AddEventListener(LoginError, other)
	b.AddEventListener(Any, wild)

	b.Dispatch(InvalidTokens, nil)

	if len(exact.got) != 1 || exact.got[0].Kind != InvalidTokens {
		t.Errorf("exact listener got %+v, want one INVALID_TOKENS", exact.got)
	}
	if len(other.got) != 0 {
		t.Errorf("unrelated listener got %d events, want 0", len(other.got))
	}
	if len(wild.got) != 1 || wild.got[0].Kind != InvalidTokens {
		t.Errorf("wildcard listener got %+v, want one INVALID_TOKENS", wild.got)
	}
}

func TestDispatchRegistrationOrder(t *testing.T) {
	b := quietBus()
	var order []string
	first := &recorder{name: "first", log: &order}
	second := &recorder{name: "second", log: &order}
	third := &recorder{name: "third", log: &order}

	b.AddEventListener(Any, first)
	b.AddEventListener(StartAuthCheck, second)
	b.AddEventListener(Any, third)

	b.Dispatch(StartAuthCheck, nil)

	want := "first:START_AUTH_CHECK,second:START_AUTH_CHECK,third:START_AUTH_CHECK"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestAddRemoveIdempotent(t *testing.T) {
	b := quietBus()
	r := &recorder{}

	b.AddEventListener(LoginError, r)
	b.AddEventListener(LoginError, r)
	if b.Len() != 1 {
		t.Fatalf("Len() = %d after duplicate add, want 1", b.Len())
	}

	b.Dispatch(LoginError, nil)
	if len(r.got) != 1 {
		t.Errorf("listener called %d times, want 1", len(r.got))
	}

	// Same listener on a different kind is a distinct registration.
	b.AddEventListener(Any, r)
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}

	b.RemoveEventListener(LoginError, r)
	b.RemoveEventListener(LoginError, r)
	b.RemoveEventListener(Any, r)
	b.RemoveEventListener(Any, r)
	if b.Len() != 0 {
		t.Errorf("Len() = %d after removal, want 0", b.Len())
	}

	b.Dispatch(LoginError, nil)
	if len(r.got) != 1 {
		t.Errorf("removed listener still called: %d", len(r.got))
	}
}

func TestSubscribeCancel(t *testing.T) {
	b := quietBus()
	calls := 0
	cancel := b.Subscribe(EndAuthCheck, func(Event) { calls++ })

	b.Dispatch(EndAuthCheck, &status.UserStatus{LoggedIn: true})
	cancel()
	cancel()
	b.Dispatch(EndAuthCheck, &status.UserStatus{LoggedIn: true})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	var buf bytes.Buffer
	b := NewBus(log.New(&buf, "", 0))
	before := &recorder{}
	after := &recorder{}

	b.AddEventListener(Any, before)
	b.AddEventListener(Any, &panicker{})
	b.AddEventListener(Any, after)

	b.Dispatch(UserStatusUpdated, &status.UserStatus{LoggedIn: true})

	if len(before.got) != 1 || len(after.got) != 1 {
		t.Errorf("before=%d after=%d, want 1 each", len(before.got), len(after.got))
	}
	if !strings.Contains(buf.String(), "panicked") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestDispatchCarriesStatusCopy(t *testing.T) {
	b := quietBus()
	r := &recorder{}
	b.AddEventListener(UserStatusUpdated, r)

	st := &status.UserStatus{LoggedIn: true, AccessExpires: 10, RefreshExpires: 20}
	b.Dispatch(UserStatusUpdated, st)
	st.LoggedIn = false

	if r.got[0].Status == nil || !r.got[0].Status.LoggedIn {
		t.Errorf("listener status = %+v, want logged in copy", r.got[0].Status)
	}
}

func TestDispatchAnyIsIgnored(t *testing.T) {
	b := quietBus()
	r := &recorder{}
	b.AddEventListener(Any, r)
	b.Dispatch(Any, nil)
	if len(r.got) != 0 {
		t.Errorf("dispatching Any delivered %d events, want 0", len(r.got))
	}
}

func TestKindJSONNames(t *testing.T) {
	data, err := json.Marshal(Event{Kind: InvalidTokens})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if string(data) != `{"type":"INVALID_TOKENS"}` {
		t.Errorf("Marshal() = %s", data)
	}

	var k Kind
	if err := json.Unmarshal([]byte(`"NOPE"`), &k); err == nil {
		t.Error("expected error for unknown kind")
	}
}
