package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/neura-ai/liveavatar/internal/auth"
	"github.com/neura-ai/liveavatar/internal/config"
	"github.com/neura-ai/liveavatar/internal/health"
	"github.com/neura-ai/liveavatar/internal/media"
	"github.com/neura-ai/liveavatar/internal/negotiation"
	"github.com/neura-ai/liveavatar/internal/observability"
	"github.com/neura-ai/liveavatar/internal/pipeline"
	"github.com/neura-ai/liveavatar/internal/protocol"
	"github.com/neura-ai/liveavatar/internal/session"
)

// ErrAuthRequired is returned when the first signaling message is not a
// valid auth message; the caller closes the channel without replying.
var ErrAuthRequired = errors.New("signaling channel not authenticated")

// TransportFactory builds the peer transport for one session. Tests swap
// in a fake; production uses pion.
type TransportFactory func(iceServers []protocol.ICEServer, withVideo bool, cb negotiation.PionCallbacks) (negotiation.PeerTransport, error)

// Orchestrator drives one signaling connection per session: auth,
// negotiation, conversation turns, health probing and credit metering.
type Orchestrator struct {
	cfg           *config.Config
	registry      *session.Registry
	providers     pipeline.Providers
	verifier      auth.Verifier
	metrics       *observability.Metrics
	newTransport  TransportFactory
	meterInterval time.Duration
}

func NewOrchestrator(cfg *config.Config, registry *session.Registry, providers pipeline.Providers, verifier auth.Verifier, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		registry:  registry,
		providers: providers,
		verifier:  verifier,
		metrics:   metrics,
		newTransport: func(ice []protocol.ICEServer, withVideo bool, cb negotiation.PionCallbacks) (negotiation.PeerTransport, error) {
			return negotiation.NewPionTransport(ice, withVideo, cb)
		},
		meterInterval: time.Minute,
	}
}

// SetTransportFactory overrides peer transport construction.
func (o *Orchestrator) SetTransportFactory(f TransportFactory) {
	o.newTransport = f
}

// SetMeterInterval overrides the billing tick. The unit billed per tick
// stays one minute of credits.
func (o *Orchestrator) SetMeterInterval(d time.Duration) {
	if d > 0 {
		o.meterInterval = d
	}
}

// RunConnection drives the session lifecycle for one signaling channel.
// The first inbound message must be a valid auth token for the session
// owner; anything else returns ErrAuthRequired with nothing written to
// outbound.
func (o *Orchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan protocol.Message, outbound chan<- protocol.Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.awaitAuth(ctx, sess, inbound); err != nil {
		o.metrics.SessionEvents.WithLabelValues("auth_rejected").Inc()
		// Close without replying; the registry slot is freed.
		o.failSession(ctx, sess.ID, protocol.CodeProtocolViolation)
		return err
	}

	o.registry.BindCancel(sess.ID, cancel)
	o.metrics.ActiveSessions.Inc()
	defer o.metrics.ActiveSessions.Dec()

	send := func(msg protocol.Message) {
		switch msg.Type {
		case protocol.TypeAudio, protocol.TypeFrame:
			// Media is droppable; never stall the control path behind it.
			// Dropped messages are not counted as sent.
			select {
			case outbound <- msg:
				o.registry.UpdateStats(sess.ID, func(st *session.Stats) {
					st.MessagesSent++
					if msg.Type == protocol.TypeFrame {
						st.FramesSent++
					}
				})
				if msg.Type == protocol.TypeFrame {
					o.metrics.FramesSent.Inc()
				}
			default:
				o.metrics.WSMessages.WithLabelValues("outbound", "drop_full").Inc()
			}
		default:
			select {
			case outbound <- msg:
				o.registry.UpdateStats(sess.ID, func(st *session.Stats) { st.MessagesSent++ })
			case <-ctx.Done():
			}
		}
	}

	withVideo := sess.AvatarID != "" && o.providers.Renderer != nil
	send(protocol.NewSessionCreated(sess.ID, sess.ICEServers, protocol.Capabilities{
		WebRTC:      true,
		AudioInput:  true,
		VideoOutput: withVideo,
	}))
	if _, err := o.registry.Transition(sess.ID, session.StatusNegotiating); err != nil {
		return fmt.Errorf("enter negotiating: %w", err)
	}
	o.metrics.SessionEvents.WithLabelValues("negotiating").Inc()

	connected := make(chan struct{}, 1)
	transportFailed := make(chan struct{}, 1)
	transport, err := o.newTransport(sess.ICEServers, withVideo, negotiation.PionCallbacks{
		OnLocalCandidate: func(c protocol.ICECandidate) {
			send(protocol.NewICECandidate(c))
		},
		OnConnected: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
		OnFailed: func() {
			select {
			case transportFailed <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		send(protocol.NewError(protocol.CodeNegotiationFailed, "transport unavailable"))
		o.failSession(ctx, sess.ID, protocol.CodeNegotiationFailed)
		return fmt.Errorf("create transport: %w", err)
	}
	machine := negotiation.NewMachine(transport)
	defer machine.Close()

	sink := o.buildSink(sess.ID, transport, send)
	defer sink.Close()

	runner := pipeline.NewRunner(ctx, o.providers, sink, send, o.turnConfig(sess.ID, withVideo), pipeline.TimeoutsFromConfig(o.cfg), o.cfg.HistoryWindow, o.turnHooks(sess.ID))
	defer runner.Stop()

	segmenter := pipeline.NewSegmenter(0, func(seg pipeline.Segment) {
		runner.Submit(pipeline.TurnInput{Audio: seg.Audio, SampleRate: seg.SampleRate})
	})
	defer segmenter.Close()

	monitor := health.NewMonitor(o.cfg.PingInterval, o.cfg.PongMissMax,
		func(ts time.Time) {
			send(protocol.Message{
				Type:     protocol.TypePing,
				Metadata: map[string]string{protocol.MetaTimestamp: strconv.FormatInt(ts.UnixMilli(), 10)},
			})
		},
		func(rtt time.Duration) {
			o.metrics.ObservePingRTT(rtt)
			o.registry.UpdateStats(sess.ID, func(st *session.Stats) { st.LatencyMS = rtt.Milliseconds() })
		},
		func(degraded bool) {
			o.registry.UpdateStats(sess.ID, func(st *session.Stats) { st.Degraded = degraded })
		},
	)

	// Negotiation must complete within its window or the session fails.
	negotiationDeadline := time.AfterFunc(o.cfg.NegotiationTimeout, func() {
		if cur, err := o.registry.Get(sess.ID); err == nil && cur.Status == session.StatusNegotiating {
			send(protocol.NewError(protocol.CodeNegotiationFailed, "negotiation timed out"))
			o.failSession(ctx, sess.ID, protocol.CodeNegotiationFailed)
			cancel()
		}
	})
	defer negotiationDeadline.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stopSession(sess.ID, "connection_closed")
			return ctx.Err()

		case <-connected:
			machine.MarkConnected()
			if cur, err := o.registry.Get(sess.ID); err == nil && cur.Status == session.StatusNegotiating {
				negotiationDeadline.Stop()
				if _, err := o.registry.Transition(sess.ID, session.StatusLive); err != nil {
					return fmt.Errorf("enter live: %w", err)
				}
				o.metrics.SessionEvents.WithLabelValues("live").Inc()
				send(protocol.NewConnectionReady(sess.ID))
				go monitor.Run(ctx)
				go o.meterLoop(ctx, sess.ID, send, cancel)
			}

		case <-transportFailed:
			machine.MarkFailed()
			cur, err := o.registry.Get(sess.ID)
			if err == nil && cur.Status == session.StatusLive {
				send(protocol.NewError(protocol.CodeNegotiationFailed, "media transport lost"))
			} else {
				send(protocol.NewError(protocol.CodeNegotiationFailed, "media transport failed to establish"))
			}
			o.failSession(ctx, sess.ID, protocol.CodeNegotiationFailed)
			return errors.New("media transport failed")

		case msg, ok := <-inbound:
			if !ok {
				o.stopSession(sess.ID, "client_disconnect")
				return nil
			}
			o.registry.Touch(sess.ID)
			if done := o.dispatch(ctx, sess.ID, msg, machine, runner, segmenter, monitor, send); done {
				return nil
			}
		}
	}
}

// awaitAuth enforces the auth-first contract on a fresh channel.
func (o *Orchestrator) awaitAuth(ctx context.Context, sess *session.Session, inbound <-chan protocol.Message) error {
	timer := time.NewTimer(o.cfg.NegotiationTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrAuthRequired
	case msg, ok := <-inbound:
		if !ok || msg.Type != protocol.TypeAuth {
			return ErrAuthRequired
		}
		userID, err := o.verifier.Verify(msg.Content)
		if err != nil || userID != sess.UserID {
			return ErrAuthRequired
		}
		return nil
	}
}

// dispatch handles one inbound signaling message; true means the
// connection loop should exit.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, msg protocol.Message, machine *negotiation.Machine, runner *pipeline.Runner, segmenter *pipeline.Segmenter, monitor *health.Monitor, send func(protocol.Message)) bool {
	switch msg.Type {
	case protocol.TypeAuth:
		// Re-auth on an established channel is out of sequence.
		send(protocol.NewError(protocol.CodeProtocolViolation, "channel already authenticated"))

	case protocol.TypeOffer:
		answer, err := machine.HandleOffer(msg.Content)
		switch {
		case err == nil:
			send(protocol.NewAnswer(answer))
		case errors.Is(err, negotiation.ErrProtocolViolation):
			send(protocol.NewError(protocol.CodeProtocolViolation, "renegotiation is not supported"))
		case errors.Is(err, negotiation.ErrClosed):
			send(protocol.NewError(protocol.CodeNegotiationFailed, "negotiation already finished"))
		default:
			send(protocol.NewError(protocol.CodeNegotiationFailed, "offer rejected"))
			o.failSession(ctx, sessionID, protocol.CodeNegotiationFailed)
			return true
		}

	case protocol.TypeICECandidate:
		cand, err := msg.Candidate()
		if err != nil {
			// ICE tolerates candidate loss; log and move on.
			log.Printf("session %s: dropping malformed ice candidate: %v", sessionID, err)
			return false
		}
		if err := machine.HandleCandidate(cand); err != nil && !errors.Is(err, negotiation.ErrClosed) {
			log.Printf("session %s: dropping ice candidate: %v", sessionID, err)
		}

	case protocol.TypeConfig:
		if msg.Meta(protocol.MetaAction) == protocol.ActionInterrupt {
			runner.Interrupt()
			return false
		}
		if msg.Meta(protocol.MetaAction) == protocol.ActionStop {
			o.stopSession(sessionID, "client_stop")
			return true
		}
		_, err := o.registry.UpdateConfig(ctx, sessionID, msg.Meta(protocol.MetaAvatarID), msg.Meta(protocol.MetaVoiceID))
		switch {
		case errors.Is(err, session.ErrInvalidAvatar):
			send(protocol.NewError(protocol.CodeInvalidAvatar, "unknown avatar"))
		case errors.Is(err, session.ErrInvalidVoice):
			send(protocol.NewError(protocol.CodeInvalidVoice, "unknown voice"))
		case err != nil:
			send(protocol.NewError(protocol.CodeInvalidMessage, "config update failed"))
		}

	case protocol.TypeMessage:
		runner.Submit(pipeline.TurnInput{Text: msg.Content})

	case protocol.TypeAudio:
		pcm, err := base64.StdEncoding.DecodeString(msg.Content)
		if err != nil {
			send(protocol.NewError(protocol.CodeInvalidMessage, "audio payload is not base64"))
			return false
		}
		sampleRate, _ := strconv.Atoi(msg.Meta(protocol.MetaSampleRate))
		segmenter.Push(pcm, sampleRate, msg.Meta(protocol.MetaEndOfTurn) == "true")

	case protocol.TypePing:
		send(protocol.NewPong(msg.Meta(protocol.MetaTimestamp)))

	case protocol.TypePong:
		if ts, ok := msg.PingTimestamp(); ok {
			monitor.HandlePong(ts)
		}

	default:
		send(protocol.NewError(protocol.CodeInvalidMessage, "unsupported message type"))
	}
	return false
}

// meterLoop bills each started live minute. Exhaustion forces a stop.
func (o *Orchestrator) meterLoop(ctx context.Context, sessionID string, send func(protocol.Message), cancel context.CancelFunc) {
	ticker := time.NewTicker(o.meterInterval)
	defer ticker.Stop()
	for {
		remaining, err := o.registry.MeterMinute(ctx, sessionID)
		if err != nil {
			if !errors.Is(err, session.ErrNotFound) {
				log.Printf("session %s: metering failed: %v", sessionID, err)
			}
			return
		}
		o.metrics.CreditsDeducted.Add(float64(o.cfg.CreditsPerMinute))
		if remaining <= 0 {
			send(protocol.NewError(protocol.CodeInsufficientCredits, "credit balance exhausted"))
			if _, err := o.registry.Stop(ctx, sessionID, protocol.CodeInsufficientCredits); err != nil {
				log.Printf("session %s: forced stop failed: %v", sessionID, err)
			}
			cancel()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) buildSink(sessionID string, transport negotiation.PeerTransport, send func(protocol.Message)) media.Sink {
	onDegraded := func(turnID string) {
		log.Printf("session %s: turn %s degraded by chunk reordering", sessionID, turnID)
		o.registry.UpdateStats(sessionID, func(st *session.Stats) { st.DegradedTurns++ })
	}
	signaling := media.NewSignalingSink(send, onDegraded)

	pion, ok := transport.(*negotiation.PionTransport)
	if !ok {
		return signaling
	}
	return media.Tee{signaling, media.NewTrackSink(pion.AudioTrack(), pion.VideoTrack(), 20*time.Millisecond)}
}

func (o *Orchestrator) turnConfig(sessionID string, withVideo bool) func() pipeline.TurnConfig {
	return func() pipeline.TurnConfig {
		cur, err := o.registry.Get(sessionID)
		if err != nil {
			return pipeline.TurnConfig{}
		}
		return pipeline.TurnConfig{
			AvatarID:     cur.AvatarID,
			VoiceID:      cur.VoiceID,
			RenderFrames: withVideo && cur.AvatarID != "",
		}
	}
}

func (o *Orchestrator) turnHooks(sessionID string) pipeline.Hooks {
	return pipeline.Hooks{
		OnTurnComplete: func(string) {
			o.metrics.TurnsCompleted.Inc()
			o.registry.UpdateStats(sessionID, func(st *session.Stats) { st.TurnsCompleted++ })
		},
		OnTurnCancelled: func(string) {
			o.metrics.TurnsCancelled.Inc()
			o.registry.UpdateStats(sessionID, func(st *session.Stats) { st.TurnsCancelled++ })
		},
		OnFirstAudio: func(d time.Duration) {
			o.metrics.ObserveFirstAudioLatency(d)
		},
		OnStage: func(stage string, d time.Duration) {
			o.metrics.ObserveTurnStage(stage, d)
		},
		OnError: func(stage string, err error) {
			o.metrics.ProviderErrors.WithLabelValues(stage, "error").Inc()
		},
	}
}

func (o *Orchestrator) failSession(ctx context.Context, sessionID, reason string) {
	if _, err := o.registry.Stop(ctx, sessionID, reason); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("session %s: fail transition: %v", sessionID, err)
	}
	o.metrics.SessionEvents.WithLabelValues("failed").Inc()
}

func (o *Orchestrator) stopSession(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.registry.Stop(ctx, sessionID, reason); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("session %s: stop: %v", sessionID, err)
	}
	o.metrics.SessionEvents.WithLabelValues("stopped").Inc()
}
