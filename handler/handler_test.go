package handler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mpenc-go/mpenc/crypto"
	"github.com/mpenc-go/mpenc/greet"
	"github.com/mpenc-go/mpenc/wire"
)

func newTestHandler(t *testing.T, dir *crypto.MapDirectory, self string) *Handler {
	t.Helper()
	id, err := crypto.NewSigningIdentity()
	require.NoError(t, err)
	dir.Register(self, id.Public)
	return New(Config{Self: self, LongTerm: id, Directory: dir})
}

// pumpProtocol drains h's protocolOut and delivers every frame to the
// matching handler in peers, repeating until no handler has anything
// left to drain or the delivery cap is hit.
func pumpProtocol(t *testing.T, self string, h *Handler, peers map[string]*Handler) {
	t.Helper()
	queue := []struct {
		from string
		h    *Handler
	}{{self, h}}

	delivered := 0
	for len(queue) > 0 && delivered < 500 {
		cur := queue[0]
		queue = queue[1:]

		for _, f := range cur.h.DrainProtocolOut() {
			delivered++
			targets := peers
			if f.To != "" {
				target, ok := peers[f.To]
				if !ok {
					continue
				}
				if err := target.ProcessMessage(cur.from, []byte(f.Raw)); err != nil {
					t.Fatalf("ProcessMessage(%s -> %s): %v", cur.from, f.To, err)
				}
				queue = append(queue, struct {
					from string
					h    *Handler
				}{f.To, target})
				continue
			}
			for name, target := range targets {
				if name == cur.from {
					continue
				}
				if err := target.ProcessMessage(cur.from, []byte(f.Raw)); err != nil {
					t.Fatalf("ProcessMessage(%s -> %s): %v", cur.from, name, err)
				}
				queue = append(queue, struct {
					from string
					h    *Handler
				}{name, target})
			}
		}
	}
}

func TestHandlerTwoPartyAgreementAndSend(t *testing.T) {
	dir := crypto.NewMapDirectory()
	alice := newTestHandler(t, dir, "alice")
	bob := newTestHandler(t, dir, "bob")
	peers := map[string]*Handler{"alice": alice, "bob": bob}

	if err := alice.Start([]string{"bob"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pumpProtocol(t, "alice", alice, peers)

	if alice.State() != greet.StateReady {
		t.Fatalf("alice state = %s, want READY", alice.State())
	}
	if bob.State() != greet.StateReady {
		t.Fatalf("bob state = %s, want READY", bob.State())
	}

	if err := alice.Send("hello bob", nil, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := alice.DrainMessageOut()
	if len(sent) != 1 {
		t.Fatalf("messageOut = %d frames, want 1", len(sent))
	}

	if err := bob.ProcessMessage("alice", []byte(sent[0].Raw)); err != nil {
		t.Fatalf("bob.ProcessMessage(data): %v", err)
	}
	events := bob.DrainUI()
	found := false
	for _, e := range events {
		if strings.Contains(e.Text, "hello bob") {
			found = true
		}
	}
	if !found {
		t.Fatalf("bob's UI events did not contain the decrypted message: %+v", events)
	}
}

func TestHandlerSendRequiresReady(t *testing.T) {
	dir := crypto.NewMapDirectory()
	alice := newTestHandler(t, dir, "alice")
	if err := alice.Send("too early", nil, 0); err == nil {
		t.Fatal("Send before READY should fail")
	}
}

func TestHandlerPlaintextTriggersHandshakeRequest(t *testing.T) {
	dir := crypto.NewMapDirectory()
	alice := newTestHandler(t, dir, "alice")

	if err := alice.ProcessMessage("bob", []byte("hey are you there")); err != nil {
		t.Fatalf("ProcessMessage(plaintext): %v", err)
	}
	out := alice.DrainProtocolOut()
	if len(out) != 1 || out[0].To != "bob" {
		t.Fatalf("protocolOut = %+v, want one query frame addressed to bob", out)
	}
	if wire.ClassifyArmor([]byte(out[0].Raw)) != wire.ArmorQuery {
		t.Fatalf("expected a query frame, got %q", out[0].Raw)
	}
	ui := alice.DrainUI()
	if len(ui) != 1 {
		t.Fatalf("expected one UI event, got %d", len(ui))
	}
}

func TestHandlerQueryTriggersStart(t *testing.T) {
	dir := crypto.NewMapDirectory()
	alice := newTestHandler(t, dir, "alice")

	query := wire.EncodeQueryFrame(DefaultProtocolVersion, []byte("handshake-hint"))
	if err := alice.ProcessMessage("bob", []byte(query)); err != nil {
		t.Fatalf("ProcessMessage(query): %v", err)
	}
	if alice.State() != greet.StateInitUpflow {
		t.Fatalf("alice state = %s, want INIT_UPFLOW", alice.State())
	}
	out := alice.DrainProtocolOut()
	if len(out) != 1 || out[0].To != "bob" {
		t.Fatalf("protocolOut = %+v, want one greet frame addressed to bob", out)
	}
}

func TestInspectMessageTagsStartMe(t *testing.T) {
	dir := crypto.NewMapDirectory()
	alice := newTestHandler(t, dir, "alice")
	bob := newTestHandler(t, dir, "bob")

	if err := alice.Start([]string{"bob"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	out := alice.DrainProtocolOut()
	if len(out) != 1 {
		t.Fatalf("protocolOut = %d, want 1", len(out))
	}

	insp, err := bob.InspectMessage([]byte(out[0].Raw))
	if err != nil {
		t.Fatalf("InspectMessage: %v", err)
	}
	if insp.FrameType != wire.FrameTypeGreet {
		t.Fatalf("FrameType = %s, want greet", insp.FrameType)
	}
	if insp.Tag != "start-me" {
		t.Fatalf("Tag = %s, want start-me", insp.Tag)
	}
	if insp.Origin != OriginInitiator {
		t.Fatalf("Origin = %s, want initiator", insp.Origin)
	}
}

func TestHandlerTerminalErrorFrameTriggersLocalQuit(t *testing.T) {
	dir := crypto.NewMapDirectory()
	alice := newTestHandler(t, dir, "alice")
	bob := newTestHandler(t, dir, "bob")
	peers := map[string]*Handler{"alice": alice, "bob": bob}

	if err := alice.Start([]string{"bob"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pumpProtocol(t, "alice", alice, peers)
	if alice.State() != greet.StateReady || bob.State() != greet.StateReady {
		t.Fatalf("agreement did not complete: alice=%s bob=%s", alice.State(), bob.State())
	}

	if err := bob.SendError(wire.SeverityTerminal, "synthetic failure"); err != nil {
		t.Fatalf("SendError: %v", err)
	}
	if bob.State() != greet.StateQuit {
		t.Fatalf("bob state = %s, want QUIT after sending a TERMINAL error", bob.State())
	}

	out := bob.DrainProtocolOut()
	var errorFrame string
	for _, f := range out {
		if wire.ClassifyArmor([]byte(f.Raw)) == wire.ArmorError {
			errorFrame = f.Raw
		}
	}
	if errorFrame == "" {
		t.Fatalf("expected an error frame in protocolOut, got %+v", out)
	}

	if err := alice.ProcessMessage("bob", []byte(errorFrame)); err != nil {
		t.Fatalf("alice.ProcessMessage(error): %v", err)
	}
	if alice.State() != greet.StateQuit {
		t.Fatalf("alice state = %s, want QUIT after receiving a TERMINAL error", alice.State())
	}
	ui := alice.DrainUI()
	if len(ui) == 0 || ui[0].Severity != wire.SeverityTerminal {
		t.Fatalf("expected a TERMINAL UI event, got %+v", ui)
	}
}

func TestHandlerExcludeDropsToLastManStandingQuit(t *testing.T) {
	dir := crypto.NewMapDirectory()
	alice := newTestHandler(t, dir, "alice")
	bob := newTestHandler(t, dir, "bob")
	peers := map[string]*Handler{"alice": alice, "bob": bob}

	if err := alice.Start([]string{"bob"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pumpProtocol(t, "alice", alice, peers)

	if err := alice.Exclude([]string{"bob"}); err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	if alice.State() != greet.StateQuit {
		t.Fatalf("alice state = %s, want QUIT (last-man-standing)", alice.State())
	}
}
