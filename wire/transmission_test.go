package wire

import (
	"bytes"
	"testing"
)

func TestTransmissionRoundTrip(t *testing.T) {
	corr, _ := NewID()
	qid, _ := NewID()
	cmd, body, hasBody := ClientCommandLine(SendCmd{Body: []byte("hello")})
	tr := &Transmission{
		Sig:           []byte("sig-bytes"),
		CorrelationID: corr,
		QueueID:       qid,
		CommandLine:   cmd,
		Body:          body,
		HasBody:       hasBody,
	}
	raw := tr.Serialize()

	parsed, err := ParseTransmission(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(parsed.Sig, tr.Sig) {
		t.Fatalf("sig mismatch: got %x want %x", parsed.Sig, tr.Sig)
	}
	if !bytes.Equal(parsed.CorrelationID, tr.CorrelationID) {
		t.Fatal("correlation id mismatch")
	}
	if !bytes.Equal(parsed.QueueID, tr.QueueID) {
		t.Fatal("queue id mismatch")
	}
	if parsed.CommandLine != tr.CommandLine {
		t.Fatalf("command line mismatch: got %q want %q", parsed.CommandLine, tr.CommandLine)
	}
	if !bytes.Equal(parsed.Body, tr.Body) {
		t.Fatal("body mismatch")
	}

	reSerialized := parsed.Serialize()
	if !bytes.Equal(reSerialized, raw) {
		t.Fatal("re-serialized transmission does not match original bytes")
	}
}

func TestTransmissionUnsignedNoBody(t *testing.T) {
	corr, _ := NewID()
	qid, _ := NewID()
	tr := &Transmission{CorrelationID: corr, QueueID: qid, CommandLine: "PING"}
	raw := tr.Serialize()
	parsed, err := ParseTransmission(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Sig) != 0 {
		t.Fatal("expected empty signature")
	}
	if parsed.HasBody {
		t.Fatal("expected no body")
	}
}

func TestClientCommandRoundTrip(t *testing.T) {
	cases := []ClientCommand{
		NewQueue{RecvKey: []byte("recv-key")},
		Sub{},
		Key{SenderKey: []byte("sender-key")},
		Ack{},
		Off{},
		Del{},
		SendCmd{Body: []byte("payload")},
		Ping{},
	}
	for _, c := range cases {
		line, body, hasBody := ClientCommandLine(c)
		got, err := ParseClientCommand(line, body, hasBody)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if !clientCommandsEqual(got, c) {
			t.Fatalf("round trip mismatch for %T: got %#v want %#v", c, got, c)
		}
	}
}

func clientCommandsEqual(a, b ClientCommand) bool {
	switch av := a.(type) {
	case NewQueue:
		return bytes.Equal(av.RecvKey, b.(NewQueue).RecvKey)
	case Key:
		return bytes.Equal(av.SenderKey, b.(Key).SenderKey)
	case SendCmd:
		return bytes.Equal(av.Body, b.(SendCmd).Body)
	default:
		return a == b
	}
}

func TestServerCommandRoundTrip(t *testing.T) {
	cases := []ServerCommand{
		Ids{RecipientID: []byte("rid"), SenderID: []byte("sid")},
		Msg{MsgID: 7, Timestamp: 123456, Body: []byte("body")},
		End{},
		Ok{},
		ErrCmd{Code: "QUOTA"},
		Pong{},
	}
	for _, c := range cases {
		line, body, hasBody := ServerCommandLine(c)
		got, err := ParseServerCommand(line, body, hasBody)
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if !commandsEqual(got, c) {
			t.Fatalf("round trip mismatch for %T: got %#v want %#v", c, got, c)
		}
	}
}

func commandsEqual(a, b ServerCommand) bool {
	switch av := a.(type) {
	case Ids:
		bv := b.(Ids)
		return bytes.Equal(av.RecipientID, bv.RecipientID) && bytes.Equal(av.SenderID, bv.SenderID)
	case Msg:
		bv := b.(Msg)
		return av.MsgID == bv.MsgID && av.Timestamp == bv.Timestamp && bytes.Equal(av.Body, bv.Body)
	default:
		return a == b
	}
}
