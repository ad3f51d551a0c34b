package wire_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/kernelfabric/kernelfabric/wire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []*wire.Envelope{
		{Type: wire.GREETING, FlowID: "", BodyType: wire.BodyJSON, Body: []byte(`"provider"`)},
		{Type: wire.REQ_KERNEL, FlowID: "client abc123/1", BodyType: wire.BodyJSON, Body: []byte(`{"db":null,"log":null}`)},
		{Type: wire.STREAM_FILE, FlowID: "client abc123/2", BodyType: wire.BodyRaw, Body: []byte("some file bytes")},
		{Type: wire.DISCONNECT},
	}

	for _, env := range cases {
		var buf bytes.Buffer
		w := bufio.NewWriter(&buf)
		if err := wire.WriteTo(w, env); err != nil {
			t.Fatalf("WriteTo(%v): %v", env.Type, err)
		}
		got, err := wire.ReadFrom(&buf)
		if err != nil {
			t.Fatalf("ReadFrom(%v): %v", env.Type, err)
		}
		if got.Type != env.Type {
			t.Errorf("Type = %v, want %v", got.Type, env.Type)
		}
		if got.FlowID != env.FlowID {
			t.Errorf("FlowID = %q, want %q", got.FlowID, env.FlowID)
		}
		if got.BodyType != env.BodyType {
			t.Errorf("BodyType = %v, want %v", got.BodyType, env.BodyType)
		}
		if !bytes.Equal(got.Body, env.Body) {
			t.Errorf("Body = %q, want %q", got.Body, env.Body)
		}
	}
}

func TestEnvelopeMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	envs := []*wire.Envelope{
		{Type: wire.GREETING, BodyType: wire.BodyJSON, Body: []byte(`"client"`)},
		{Type: wire.GREETING_REPLY, BodyType: wire.BodyJSON, Body: []byte(`"master"`)},
	}
	for _, e := range envs {
		if err := wire.WriteTo(w, e); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range envs {
		got, err := wire.ReadFrom(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if got.Type != want.Type {
			t.Errorf("Type = %v, want %v", got.Type, want.Type)
		}
	}
}

func TestMsgTypeString(t *testing.T) {
	if wire.REQ_KERNEL.String() != "REQ_KERNEL" {
		t.Errorf("String() = %q, want REQ_KERNEL", wire.REQ_KERNEL.String())
	}
	if wire.MsgType(9999).String() != "UNKNOWN" {
		t.Errorf("String() of unregistered type should be UNKNOWN")
	}
}
