package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseClientOffer(t *testing.T) {
	raw := []byte(`{"type":"offer","content":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n","metadata":{"sdp_type":"offer"}}`)
	msg, err := ParseClient(raw)
	if err != nil {
		t.Fatalf("ParseClient() error = %v", err)
	}
	if msg.Type != TypeOffer {
		t.Fatalf("Type = %q, want %q", msg.Type, TypeOffer)
	}
	if msg.Meta(MetaSDPType) != "offer" {
		t.Fatalf("sdp_type = %q, want %q", msg.Meta(MetaSDPType), "offer")
	}
}

func TestParseClientRejectsEmptyOffer(t *testing.T) {
	_, err := ParseClient([]byte(`{"type":"offer"}`))
	if err == nil {
		t.Fatalf("expected validation error for offer without SDP")
	}
}

func TestParseClientRejectsUnknownType(t *testing.T) {
	_, err := ParseClient([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientRejectsServerOnlyTypes(t *testing.T) {
	for _, typ := range []MessageType{TypeAnswer, TypeFrame, TypeError, TypeSessionCreated, TypeConnectionReady} {
		raw, _ := json.Marshal(Message{Type: typ, Content: "x"})
		if _, err := ParseClient(raw); !errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("type %q: error = %v, want ErrUnsupportedType", typ, err)
		}
	}
}

func TestParseClientICECandidate(t *testing.T) {
	mid := "0"
	cand := ICECandidate{Candidate: "candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host", SDPMid: &mid}
	raw, _ := json.Marshal(NewICECandidate(cand))

	msg, err := ParseClient(raw)
	if err != nil {
		t.Fatalf("ParseClient() error = %v", err)
	}
	got, err := msg.Candidate()
	if err != nil {
		t.Fatalf("Candidate() error = %v", err)
	}
	if got.Candidate != cand.Candidate {
		t.Fatalf("Candidate = %q, want %q", got.Candidate, cand.Candidate)
	}
	if got.SDPMid == nil || *got.SDPMid != "0" {
		t.Fatalf("SDPMid = %v, want 0", got.SDPMid)
	}
}

func TestParseClientRejectsMalformedICECandidate(t *testing.T) {
	_, err := ParseClient([]byte(`{"type":"ice_candidate","content":"not json"}`))
	if err == nil {
		t.Fatalf("expected error for malformed candidate payload")
	}
}

func TestPingTimestampRoundTrip(t *testing.T) {
	sent := time.Now().Truncate(time.Millisecond)
	ping := Message{
		Type:     TypePing,
		Metadata: map[string]string{MetaTimestamp: "1700000000123"},
	}
	ts, ok := ping.PingTimestamp()
	if !ok {
		t.Fatalf("PingTimestamp() not ok")
	}
	if ts.UnixMilli() != 1700000000123 {
		t.Fatalf("timestamp = %d, want 1700000000123", ts.UnixMilli())
	}

	pong := NewPong(ping.Meta(MetaTimestamp))
	echoed, ok := pong.PingTimestamp()
	if !ok || echoed.UnixMilli() != ts.UnixMilli() {
		t.Fatalf("pong echo mismatch: %v vs %v", echoed, ts)
	}
	_ = sent
}

func TestSessionCreatedCarriesICEServers(t *testing.T) {
	msg := NewSessionCreated("s1", []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}, Capabilities{WebRTC: true, AudioInput: true})
	if msg.Content != "s1" {
		t.Fatalf("Content = %q, want session id", msg.Content)
	}
	var servers []ICEServer
	if err := json.Unmarshal([]byte(msg.Meta(MetaICEServers)), &servers); err != nil {
		t.Fatalf("ice_servers metadata not valid JSON: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("unexpected ice servers: %+v", servers)
	}
}

func TestNewErrorCarriesCode(t *testing.T) {
	msg := NewError(CodeProtocolViolation, "second offer")
	if msg.Meta(MetaCode) != CodeProtocolViolation {
		t.Fatalf("code = %q, want %q", msg.Meta(MetaCode), CodeProtocolViolation)
	}
}
