package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neura-ai/liveavatar/internal/accounting"
	"github.com/neura-ai/liveavatar/internal/assets"
	"github.com/neura-ai/liveavatar/internal/auth"
	"github.com/neura-ai/liveavatar/internal/config"
	"github.com/neura-ai/liveavatar/internal/live"
	"github.com/neura-ai/liveavatar/internal/negotiation"
	"github.com/neura-ai/liveavatar/internal/observability"
	"github.com/neura-ai/liveavatar/internal/pipeline"
	"github.com/neura-ai/liveavatar/internal/protocol"
	"github.com/neura-ai/liveavatar/internal/session"
)

var testMetrics = observability.NewMetrics("liveavatar_apitest")

func newTestServer(t *testing.T, balance int) (*httptest.Server, *session.Registry) {
	t.Helper()
	cfg := &config.Config{
		AllowAnyOrigin:     true,
		NegotiationTimeout: 2 * time.Second,
		SessionIdleTimeout: time.Minute,
		SessionRetention:   time.Minute,
		CreditsPerMinute:   5,
		HistoryWindow:      4,
		PingInterval:       time.Hour,
		PongMissMax:        3,
		STTTimeout:         time.Second,
		LLMTimeout:         time.Second,
		TTSTimeout:         5 * time.Second,
		RenderTimeout:      5 * time.Second,
	}

	ledger := accounting.NewInMemoryLedger(balance)
	resolver := assets.NewInMemoryResolver()
	resolver.AddAvatar(assets.Avatar{ID: "ava-1", Public: true})
	resolver.AddVoice(assets.Voice{ID: "voice-1"})
	registry := session.NewRegistry(session.Options{
		IdleTimeout:      cfg.SessionIdleTimeout,
		Retention:        cfg.SessionRetention,
		MaxPerUser:       1,
		CreditsPerMinute: cfg.CreditsPerMinute,
		ICEServers:       []protocol.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}, ledger, resolver)

	verifier := auth.New("")
	orch := live.NewOrchestrator(cfg, registry, pipeline.MockProviders(), verifier, testMetrics)
	orch.SetTransportFactory(func(_ []protocol.ICEServer, _ bool, cb negotiation.PionCallbacks) (negotiation.PeerTransport, error) {
		return &loopbackTransport{cb: cb}, nil
	})

	srv := httptest.NewServer(New(cfg, registry, orch, verifier, testMetrics).Router())
	t.Cleanup(srv.Close)
	return srv, registry
}

// loopbackTransport reports connected as soon as the answer is produced.
type loopbackTransport struct {
	cb negotiation.PionCallbacks
}

func (f *loopbackTransport) Answer(string) (string, error) {
	go f.cb.OnConnected()
	return "v=0 answer", nil
}

func (f *loopbackTransport) AddRemoteCandidate(protocol.ICECandidate) error { return nil }
func (f *loopbackTransport) Close() error                                   { return nil }

func startSession(t *testing.T, srv *httptest.Server, user string) startResponse {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/live/session", bytes.NewReader([]byte(`{"avatar_id":"ava-1","voice_id":"voice-1"}`)))
	req.Header.Set("Authorization", user)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d", res.StatusCode)
	}
	var out startResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestStartSessionRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	res, err := http.Post(srv.URL+"/v1/live/session", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
}

func TestStartSessionReturnsNegotiationBundle(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	out := startSession(t, srv, "u1")
	if out.SessionID == "" {
		t.Fatal("missing session_id")
	}
	if !strings.Contains(out.SignalingEndpoint, out.SessionID) {
		t.Fatalf("signaling endpoint %q does not reference the session", out.SignalingEndpoint)
	}
	if len(out.ICEServers) == 0 || out.CreditsPerMinute != 5 {
		t.Fatalf("unexpected bundle %+v", out)
	}
}

func TestStartSessionRejectsEmptyBalance(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/live/session", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "broke-user")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", res.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != protocol.CodeQuotaExceeded {
		t.Fatalf("code %q, want quota_exceeded", body.Code)
	}
}

func TestUnknownSessionStatusIs404(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	res, err := http.Get(srv.URL + "/v1/live/session/nope")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", res.StatusCode)
	}
}

func TestStopThenStatusDuringRetention(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	out := startSession(t, srv, "u1")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/live/session/"+out.SessionID+"/stop", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop status %d", res.StatusCode)
	}

	// Late status queries still see the ended record.
	res2, err := http.Get(srv.URL + "/v1/live/session/" + out.SessionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer res2.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(res2.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != string(session.StatusEnded) {
		t.Fatalf("status %q, want ended", status.Status)
	}
}

func TestWebsocketSignalingRoundTrip(t *testing.T) {
	srv, registry := newTestServer(t, 100)
	out := startSession(t, srv, "u1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + out.SignalingEndpoint
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	write := func(m protocol.Message) {
		t.Helper()
		if err := conn.WriteJSON(m); err != nil {
			t.Fatalf("write %s: %v", m.Type, err)
		}
	}
	read := func(want protocol.MessageType) protocol.Message {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for {
			_ = conn.SetReadDeadline(deadline)
			var m protocol.Message
			if err := conn.ReadJSON(&m); err != nil {
				t.Fatalf("read: %v", err)
			}
			if m.Type == want {
				return m
			}
		}
	}

	write(protocol.Message{Type: protocol.TypeAuth, Content: "u1"})
	created := read(protocol.TypeSessionCreated)
	if created.Content != out.SessionID {
		t.Fatalf("session_created for %q", created.Content)
	}

	write(protocol.Message{Type: protocol.TypeOffer, Content: "v=0 offer", Metadata: map[string]string{protocol.MetaSDPType: "offer"}})
	read(protocol.TypeAnswer)
	read(protocol.TypeConnectionReady)

	write(protocol.Message{Type: protocol.TypeMessage, Content: "hello"})
	reply := read(protocol.TypeMessage)
	if reply.Content != "You said: hello" {
		t.Fatalf("unexpected reply %q", reply.Content)
	}
	read(protocol.TypeAudio)

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := registry.Get(out.SessionID)
		if err == nil && cur.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not ended after ws close: %+v err=%v", cur, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvalidAuthClosesWebsocketSilently(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	out := startSession(t, srv, "u1")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + out.SignalingEndpoint
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeAuth, Content: "intruder"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m protocol.Message
	if err := conn.ReadJSON(&m); err == nil {
		t.Fatalf("server replied before closing: %+v", m)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, 100)
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
}
