package greet

import (
	"errors"
	"testing"

	"github.com/mpenc-go/mpenc/crypto"
)

// testGroup wires up a directory and one Wrapper per member, and can
// route greet Messages between them the way a handler's transport would.
type testGroup struct {
	t        *testing.T
	dir      *crypto.MapDirectory
	wrappers map[string]*Wrapper
}

func newTestGroup(t *testing.T, members []string) *testGroup {
	t.Helper()
	dir := crypto.NewMapDirectory()
	g := &testGroup{t: t, dir: dir, wrappers: make(map[string]*Wrapper)}
	for _, m := range members {
		id, err := crypto.NewSigningIdentity()
		if err != nil {
			t.Fatalf("NewSigningIdentity(%s): %v", m, err)
		}
		dir.Register(m, id.Public)
		g.wrappers[m] = NewWrapper(Config{Self: m, LongTerm: id, Directory: dir})
	}
	return g
}

func (g *testGroup) addMember(m string) *Wrapper {
	id, err := crypto.NewSigningIdentity()
	if err != nil {
		g.t.Fatalf("NewSigningIdentity(%s): %v", m, err)
	}
	g.dir.Register(m, id.Public)
	w := NewWrapper(Config{Self: m, LongTerm: id, Directory: g.dir})
	g.wrappers[m] = w
	return w
}

// route delivers msg to its destination(s), recursively delivering any
// messages those handlers emit in response, and returns once the queue
// drains. It caps total deliveries to guard against an infinite loop if
// a bug makes two wrappers keep re-triggering each other.
func (g *testGroup) route(seed Message) {
	queue := []Message{seed}
	const maxDeliveries = 200
	delivered := 0
	for len(queue) > 0 {
		delivered++
		if delivered > maxDeliveries {
			g.t.Fatalf("route: exceeded %d deliveries, suspected infinite loop", maxDeliveries)
		}
		msg := queue[0]
		queue = queue[1:]

		var targets []string
		if msg.Dest == "" {
			for m := range g.wrappers {
				if m != msg.Source {
					targets = append(targets, m)
				}
			}
		} else {
			targets = []string{msg.Dest}
		}

		for _, target := range targets {
			w, ok := g.wrappers[target]
			if !ok {
				continue
			}
			out, err := w.HandleMessage(msg)
			if err != nil {
				if errors.Is(err, ErrIgnored) {
					continue
				}
				g.t.Fatalf("%s.HandleMessage from %s: %v", target, msg.Source, err)
			}
			queue = append(queue, out...)
		}
	}
}

func TestThreePartyAgreement(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2", "3"})

	first, err := g.wrappers["1"].Start([]string{"2", "3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.route(first)

	var sessionIDs = make(map[string]string)
	var groupKeys = make(map[string][32]byte)
	for _, m := range []string{"1", "2", "3"} {
		w := g.wrappers[m]
		if w.State() != StateReady {
			t.Fatalf("member %s: expected READY, got %s", m, w.State())
		}
		sessionIDs[m] = w.SessionID()
		groupKeys[m] = w.GroupKey()
	}

	if sessionIDs["1"] != sessionIDs["2"] || sessionIDs["2"] != sessionIDs["3"] {
		t.Fatalf("session ids disagree: %v", sessionIDs)
	}
	if groupKeys["1"] != groupKeys["2"] || groupKeys["2"] != groupKeys["3"] {
		t.Fatalf("group keys disagree: %v", groupKeys)
	}
}

func TestStartPreconditionViolation(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2"})
	w := g.wrappers["1"]

	if _, err := w.Start([]string{"2"}); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := w.Start([]string{"2"}); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition on second Start, got %v", err)
	}
}

func TestStartRejectsSelfInMembers(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2"})
	w := g.wrappers["1"]
	if _, err := w.Start([]string{"1", "2"}); !errors.Is(err, ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
}

func TestLastManStandingIssuesQuit(t *testing.T) {
	g := newTestGroup(t, []string{"A", "B"})
	first, err := g.wrappers["A"].Start([]string{"B"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.route(first)

	for _, m := range []string{"A", "B"} {
		if g.wrappers[m].State() != StateReady {
			t.Fatalf("member %s: expected READY before exclude, got %s", m, g.wrappers[m].State())
		}
	}

	msg, err := g.wrappers["A"].Exclude([]string{"B"})
	if err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	if msg.Type.Operation != OpQuit {
		t.Fatalf("expected last-man-standing to issue QUIT, got %s", msg.Type.Operation)
	}
	if g.wrappers["A"].State() != StateQuit {
		t.Fatalf("expected A in QUIT, got %s", g.wrappers["A"].State())
	}
}

func TestExcludePreconditionViolation(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2", "3"})
	w := g.wrappers["1"]
	if _, err := w.Exclude([]string{"2"}); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition from NULL, got %v", err)
	}
}

func TestQuitForbiddenFromNull(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2"})
	if _, err := g.wrappers["1"].Quit(); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
}

func TestRefreshProducesNewGroupKeySameMembers(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2", "3"})
	first, err := g.wrappers["1"].Start([]string{"2", "3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.route(first)

	before := g.wrappers["1"].GroupKey()
	beforeMembers := g.wrappers["1"].Members()

	refresh, err := g.wrappers["1"].Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	g.route(refresh)

	for _, m := range []string{"1", "2", "3"} {
		if g.wrappers[m].State() != StateReady {
			t.Fatalf("member %s: expected READY after refresh, got %s", m, g.wrappers[m].State())
		}
	}

	after := g.wrappers["1"].GroupKey()
	if after == before {
		t.Fatal("refresh must produce a new group key")
	}
	afterMembers := g.wrappers["1"].Members()
	if len(afterMembers) != len(beforeMembers) {
		t.Fatalf("refresh must not change the member set: before=%v after=%v", beforeMembers, afterMembers)
	}
}

func TestMessageExcludingSelfTriggersQuit(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2", "3"})
	first, err := g.wrappers["1"].Start([]string{"2", "3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.route(first)

	msg := Message{
		Type:    MessageType{Operation: OpRefresh, Direction: DirDown},
		Source:  "2",
		Members: []string{"2", "3"}, // excludes "1"
	}
	out, err := g.wrappers["1"].HandleMessage(msg)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(out) != 1 || out[0].Type.Operation != OpQuit {
		t.Fatalf("expected a single QUIT message, got %v", out)
	}
	if g.wrappers["1"].State() != StateQuit {
		t.Fatalf("expected QUIT, got %s", g.wrappers["1"].State())
	}
}

func TestJoinExpandsMembership(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2", "3"})
	g.addMember("4")
	g.addMember("5")

	first, err := g.wrappers["1"].Start([]string{"2", "3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.route(first)

	joinMsg, err := g.wrappers["2"].Join([]string{"4", "5"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	g.route(joinMsg)

	for _, m := range []string{"1", "2", "3", "4", "5"} {
		w := g.wrappers[m]
		if w.State() != StateReady {
			t.Fatalf("member %s: expected READY after join, got %s", m, w.State())
		}
		if len(w.Members()) != 5 {
			t.Fatalf("member %s: expected 5 members after join, got %v", m, w.Members())
		}
	}

	key1 := g.wrappers["1"].GroupKey()
	key5 := g.wrappers["5"].GroupKey()
	if key1 != key5 {
		t.Fatal("all members must agree on the post-join group key")
	}
}

func TestAuthFailureOnForgedIntroduction(t *testing.T) {
	g := newTestGroup(t, []string{"1", "2"})

	wrongID, err := crypto.NewSigningIdentity()
	if err != nil {
		t.Fatalf("NewSigningIdentity: %v", err)
	}
	w1 := NewWrapper(Config{Self: "1", LongTerm: wrongID, Directory: g.dir})

	msg, err := w1.Start([]string{"2"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = g.wrappers["2"].HandleMessage(msg)
	var authErr *AuthFailure
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthFailure, got %v", err)
	}
	if authErr.Member != "1" {
		t.Fatalf("expected AuthFailure for member 1, got %s", authErr.Member)
	}
}
