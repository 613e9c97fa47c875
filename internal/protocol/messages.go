package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MessageType identifies signaling payload variants.
type MessageType string

const (
	TypeAuth            MessageType = "auth"
	TypeOffer           MessageType = "offer"
	TypeAnswer          MessageType = "answer"
	TypeICECandidate    MessageType = "ice_candidate"
	TypeConfig          MessageType = "config"
	TypeMessage         MessageType = "message"
	TypeAudio           MessageType = "audio"
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
	TypeFrame           MessageType = "frame"
	TypeError           MessageType = "error"
	TypeSessionCreated  MessageType = "session_created"
	TypeConnectionReady MessageType = "connection_ready"
)

// Metadata keys carried alongside Content.
const (
	MetaSDPType      = "sdp_type"
	MetaTimestamp    = "timestamp"
	MetaCode         = "code"
	MetaAvatarID     = "avatar_id"
	MetaVoiceID      = "voice_id"
	MetaTurnID       = "turn_id"
	MetaSeq          = "seq"
	MetaFormat       = "format"
	MetaEndOfTurn    = "end_of_turn"
	MetaAction       = "action"
	MetaICEServers   = "ice_servers"
	MetaCapabilities = "capabilities"
	MetaFinal        = "final"
	MetaDegraded     = "degraded"
	MetaSampleRate   = "sample_rate"
)

// Control actions carried on config messages via MetaAction.
const (
	ActionInterrupt = "interrupt"
	ActionStop      = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Message is the signaling envelope: one JSON object per websocket frame.
// Content semantics depend on Type (SDP text, base64 audio, candidate JSON,
// free text); Metadata carries auxiliary string fields.
type Message struct {
	Type     MessageType       `json:"type"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ICECandidate is the JSON-encoded descriptor carried in an ice_candidate
// message's Content.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ICEServer mirrors the RTCIceServer dictionary sent to clients in
// session_created metadata.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Capabilities advertises what the server can deliver on this session.
type Capabilities struct {
	WebRTC      bool `json:"webrtc"`
	AudioInput  bool `json:"audio_input"`
	VideoOutput bool `json:"video_output"`
}

// Meta returns the metadata value for key, or "".
func (m Message) Meta(key string) string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// ParseClient validates one inbound client message. It rejects unknown types
// and payloads that cannot possibly be acted on; per-field tolerance beyond
// that is left to the session loop.
func ParseClient(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid envelope: %w", err)
	}

	switch msg.Type {
	case TypeAuth:
		if msg.Content == "" {
			return Message{}, errors.New("auth requires a bearer token in content")
		}
	case TypeOffer:
		if msg.Content == "" {
			return Message{}, errors.New("offer requires SDP content")
		}
	case TypeICECandidate:
		var cand ICECandidate
		if err := json.Unmarshal([]byte(msg.Content), &cand); err != nil {
			return Message{}, fmt.Errorf("invalid ice candidate: %w", err)
		}
	case TypeConfig, TypeMessage, TypeAudio, TypePing, TypePong:
		// Accepted as-is; the session loop validates semantics.
	case TypeAnswer, TypeFrame, TypeError, TypeSessionCreated, TypeConnectionReady:
		return Message{}, fmt.Errorf("%w: %q is server-to-client only", ErrUnsupportedType, msg.Type)
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)
	}
	return msg, nil
}

// Candidate decodes the ICECandidate payload of an ice_candidate message.
func (m Message) Candidate() (ICECandidate, error) {
	var cand ICECandidate
	if err := json.Unmarshal([]byte(m.Content), &cand); err != nil {
		return ICECandidate{}, fmt.Errorf("invalid ice candidate: %w", err)
	}
	return cand, nil
}

// PingTimestamp extracts the round-trip timestamp from a ping or pong.
func (m Message) PingTimestamp() (time.Time, bool) {
	raw := m.Meta(MetaTimestamp)
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func NewAnswer(sdp string) Message {
	return Message{
		Type:     TypeAnswer,
		Content:  sdp,
		Metadata: map[string]string{MetaSDPType: "answer"},
	}
}

func NewICECandidate(cand ICECandidate) Message {
	payload, _ := json.Marshal(cand)
	return Message{Type: TypeICECandidate, Content: string(payload)}
}

func NewSessionCreated(sessionID string, servers []ICEServer, caps Capabilities) Message {
	iceJSON, _ := json.Marshal(servers)
	capsJSON, _ := json.Marshal(caps)
	return Message{
		Type:    TypeSessionCreated,
		Content: sessionID,
		Metadata: map[string]string{
			MetaICEServers:   string(iceJSON),
			MetaCapabilities: string(capsJSON),
		},
	}
}

func NewConnectionReady(sessionID string) Message {
	return Message{Type: TypeConnectionReady, Content: sessionID}
}

func NewPong(echoTimestamp string) Message {
	return Message{
		Type:     TypePong,
		Metadata: map[string]string{MetaTimestamp: echoTimestamp},
	}
}

func NewAudioChunk(turnID string, seq int, audioBase64, format string) Message {
	return Message{
		Type:    TypeAudio,
		Content: audioBase64,
		Metadata: map[string]string{
			MetaTurnID: turnID,
			MetaSeq:    strconv.Itoa(seq),
			MetaFormat: format,
		},
	}
}

func NewFrameChunk(turnID string, seq int, frameBase64 string, ptsMillis int64) Message {
	return Message{
		Type:    TypeFrame,
		Content: frameBase64,
		Metadata: map[string]string{
			MetaTurnID:    turnID,
			MetaSeq:       strconv.Itoa(seq),
			MetaTimestamp: strconv.FormatInt(ptsMillis, 10),
		},
	}
}

func NewError(code, detail string) Message {
	return Message{
		Type:     TypeError,
		Content:  detail,
		Metadata: map[string]string{MetaCode: code},
	}
}
