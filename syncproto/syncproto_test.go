package syncproto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hazyhaar/docsync/replica"
)

func TestMessage_RoundTrip(t *testing.T) {
	in := Message{
		Step:        StepRequest,
		StateVector: []replica.ID{replica.Hash([]byte("a")), replica.Hash([]byte("b"))},
		Updates:     replica.EncodeUpdates([]byte("x")),
	}
	out, err := Unmarshal(in.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if out.Step != in.Step {
		t.Fatalf("step = %d", out.Step)
	}
	if len(out.StateVector) != 2 || out.StateVector[1] != in.StateVector[1] {
		t.Fatalf("state vector = %v", out.StateVector)
	}
	if !bytes.Equal(out.Updates, in.Updates) {
		t.Fatal("updates differ")
	}
}

func TestUnmarshal_BadVectorEntry(t *testing.T) {
	// field 2, bytes, length 3
	bad := []byte{0x12, 0x03, 1, 2, 3}
	if _, err := Unmarshal(bad); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestParseFrame(t *testing.T) {
	if _, _, err := ParseFrame(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("empty: %v", err)
	}
	if _, _, err := ParseFrame([]byte{9, 1}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown: %v", err)
	}
	k, p, err := ParseFrame(AwarenessFrame([]byte("cursor")))
	if err != nil {
		t.Fatal(err)
	}
	if k != KindAwareness || string(p) != "cursor" {
		t.Fatalf("got %v %q", k, p)
	}
}

// Two docs converge through the handshake run in both directions.
func TestPeer_Handshake(t *testing.T) {
	server := replica.New()
	server.ApplyUpdate(replica.EncodeUpdates([]byte("from-server")), nil)
	client := replica.New()
	client.ApplyUpdate(replica.EncodeUpdates([]byte("from-client")), nil)

	sp := NewPeer(server, "client-conn")
	cp := NewPeer(client, "server-conn")

	exchange := func(from, to *Peer) {
		t.Helper()
		_, payload, err := ParseFrame(from.Hello())
		if err != nil {
			t.Fatal(err)
		}
		reply, err := to.Handle(payload)
		if err != nil {
			t.Fatal(err)
		}
		if reply == nil {
			t.Fatal("expected step-2 reply")
		}
		_, payload, err = ParseFrame(reply)
		if err != nil {
			t.Fatal(err)
		}
		if r, err := from.Handle(payload); err != nil || r != nil {
			t.Fatalf("step-2 handling: reply=%v err=%v", r, err)
		}
	}
	exchange(sp, cp)
	exchange(cp, sp)

	if server.Len() != 2 || client.Len() != 2 {
		t.Fatalf("server=%d client=%d, want 2 each", server.Len(), client.Len())
	}
}

func TestPeer_UpdateCarriesOrigin(t *testing.T) {
	doc := replica.New()
	var seen any
	doc.Subscribe(func(_ []byte, origin any) { seen = origin })

	p := NewPeer(doc, "session-1")
	_, payload, _ := ParseFrame(UpdateFrame(replica.EncodeUpdates([]byte("hello"))))
	if _, err := p.Handle(payload); err != nil {
		t.Fatal(err)
	}
	if seen != "session-1" {
		t.Fatalf("origin = %v", seen)
	}
}

func TestPeer_UnknownStep(t *testing.T) {
	p := NewPeer(replica.New(), nil)
	if _, err := p.Handle(Message{Step: 42}.Marshal()); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("err = %v, want ErrUnknownStep", err)
	}
}
