package negotiation

import (
	"fmt"
	"log"

	"github.com/pion/webrtc/v3"

	"github.com/neura-ai/liveavatar/internal/protocol"
)

// PionTransport wraps a pion peer connection behind the PeerTransport
// interface. Local candidates and ICE state changes are surfaced through
// callbacks so the signaling loop can forward them to the client.
type PionTransport struct {
	pc *webrtc.PeerConnection

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample
}

type PionCallbacks struct {
	OnLocalCandidate func(protocol.ICECandidate)
	OnConnected      func()
	OnFailed         func()
}

func NewPionTransport(iceServers []protocol.ICEServer, withVideo bool, cb PionCallbacks) (*PionTransport, error) {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, s := range iceServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &PionTransport{pc: pc}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "avatar",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	go drainRTCP(audioSender)
	t.audioTrack = audioTrack

	if withVideo {
		videoTrack, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "avatar",
		)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		videoSender, err := pc.AddTrack(videoTrack)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add video track: %w", err)
		}
		go drainRTCP(videoSender)
		t.videoTrack = videoTrack
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		out := protocol.ICECandidate{Candidate: init.Candidate, SDPMid: init.SDPMid}
		if init.SDPMLineIndex != nil {
			idx := *init.SDPMLineIndex
			out.SDPMLineIndex = &idx
		}
		cb.OnLocalCandidate(out)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("ice connection state: %s", state)
		switch state {
		case webrtc.ICEConnectionStateConnected:
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			if cb.OnFailed != nil {
				cb.OnFailed()
			}
		}
	})

	return t, nil
}

func (t *PionTransport) Answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (t *PionTransport) AddRemoteCandidate(c protocol.ICECandidate) error {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid}
	if c.SDPMLineIndex != nil {
		idx := *c.SDPMLineIndex
		init.SDPMLineIndex = &idx
	}
	return t.pc.AddICECandidate(init)
}

// AudioTrack returns the outbound audio track for native media delivery.
func (t *PionTransport) AudioTrack() *webrtc.TrackLocalStaticSample { return t.audioTrack }

// VideoTrack returns the outbound video track, nil when video is disabled.
func (t *PionTransport) VideoTrack() *webrtc.TrackLocalStaticSample { return t.videoTrack }

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
