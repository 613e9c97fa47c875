package negotiation

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/neura-ai/liveavatar/internal/protocol"
)

// State tracks where a peer sits in the offer/answer exchange.
type State string

const (
	StateIdle          State = "idle"
	StateOfferReceived State = "offer_received"
	StateAnswerSent    State = "answer_sent"
	StateICEExchange   State = "ice_exchange"
	StateConnected     State = "connected"
	StateFailed        State = "failed"
	StateClosed        State = "closed"
)

var (
	ErrProtocolViolation = errors.New("negotiation protocol violation")
	ErrClosed            = errors.New("negotiation closed")
)

// PeerTransport abstracts the underlying peer connection so the state
// machine can be exercised without real network setup.
type PeerTransport interface {
	// Answer applies the remote offer and produces the local answer SDP.
	Answer(offerSDP string) (string, error)
	// AddRemoteCandidate applies a trickled candidate. Only called after
	// the remote description is set.
	AddRemoteCandidate(c protocol.ICECandidate) error
	Close() error
}

// Machine drives one peer's signaling exchange. Candidates that arrive
// before the offer are buffered and flushed in arrival order once the
// remote description is in place.
type Machine struct {
	mu        sync.Mutex
	state     State
	transport PeerTransport
	pending   []protocol.ICECandidate

	onConnected func()
}

func NewMachine(transport PeerTransport) *Machine {
	return &Machine{state: StateIdle, transport: transport}
}

func (m *Machine) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandleOffer applies the client offer and returns the answer SDP. A second
// offer on the same session is a protocol violation and leaves the
// established state untouched.
func (m *Machine) HandleOffer(offerSDP string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosed, StateFailed:
		return "", ErrClosed
	case StateIdle:
	default:
		return "", fmt.Errorf("%w: offer in state %s", ErrProtocolViolation, m.state)
	}

	m.state = StateOfferReceived
	answer, err := m.transport.Answer(offerSDP)
	if err != nil {
		m.state = StateFailed
		return "", fmt.Errorf("apply offer: %w", err)
	}
	m.state = StateAnswerSent

	// Flush candidates that trickled in ahead of the offer. ICE tolerates
	// candidate loss, so a rejected one is dropped rather than failing the
	// exchange.
	for _, c := range m.pending {
		if err := m.transport.AddRemoteCandidate(c); err != nil {
			log.Printf("negotiation: dropping buffered candidate: %v", err)
		}
	}
	m.pending = nil
	return answer, nil
}

// HandleCandidate accepts a trickled ICE candidate in any pre-connected or
// connected state. Before the remote description is set the candidate is
// buffered.
func (m *Machine) HandleCandidate(c protocol.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosed, StateFailed:
		return ErrClosed
	case StateIdle, StateOfferReceived:
		m.pending = append(m.pending, c)
		return nil
	}

	if m.state == StateAnswerSent {
		m.state = StateICEExchange
	}
	if err := m.transport.AddRemoteCandidate(c); err != nil {
		return fmt.Errorf("apply candidate: %w", err)
	}
	return nil
}

// MarkConnected records the transport reaching a connected ICE state.
func (m *Machine) MarkConnected() {
	m.mu.Lock()
	switch m.state {
	case StateAnswerSent, StateICEExchange:
		m.state = StateConnected
	default:
		m.mu.Unlock()
		return
	}
	fn := m.onConnected
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// MarkFailed records a terminal transport failure.
func (m *Machine) MarkFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		m.state = StateFailed
	}
}

func (m *Machine) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.pending = nil
	m.mu.Unlock()
	return m.transport.Close()
}
