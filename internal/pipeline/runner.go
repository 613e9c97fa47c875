package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neura-ai/liveavatar/internal/media"
	"github.com/neura-ai/liveavatar/internal/protocol"
)

// FallbackUtterance is spoken when response generation fails or times out.
const FallbackUtterance = "I encountered an error thinking of a response."

// maxQueuedTurns bounds how many utterances wait while a turn is in flight.
const maxQueuedTurns = 8

// synthSampleRate is the PCM16 mono rate assumed for chunk timing.
const synthSampleRate = 16000

// TurnInput is one utterance handed to the runner: typed text, which skips
// transcription, or a captured audio segment.
type TurnInput struct {
	Text       string
	Audio      []byte
	SampleRate int
}

// TurnConfig is resolved at the start of each turn so config changes apply
// to the next turn, never the in-flight one.
type TurnConfig struct {
	AvatarID     string
	VoiceID      string
	RenderFrames bool
}

type Timeouts struct {
	Transcribe time.Duration
	Respond    time.Duration
	Synthesize time.Duration
	Render     time.Duration
}

// Hooks let the session layer observe turn progress without the runner
// knowing about registries or metrics.
type Hooks struct {
	OnTranscript    func(turnID, text string)
	OnResponse      func(turnID, text string)
	OnTurnComplete  func(turnID string)
	OnTurnCancelled func(turnID string)
	OnFirstAudio    func(elapsed time.Duration)
	OnStage         func(stage string, elapsed time.Duration)
	OnError         func(stage string, err error)
}

// Runner executes turns for one session, strictly one in flight. New
// inputs queue behind the running turn; interrupt cancels only the running
// turn's downstream stages.
type Runner struct {
	providers Providers
	sink      media.Sink
	notify    func(protocol.Message)
	configFn  func() TurnConfig
	timeouts  Timeouts
	histMax   int
	hooks     Hooks

	baseCtx context.Context

	mu         sync.Mutex
	history    []Exchange
	queue      []TurnInput
	running    bool
	cancelTurn context.CancelFunc
	turnID     string
	closed     bool
	wg         sync.WaitGroup
}

func NewRunner(ctx context.Context, providers Providers, sink media.Sink, notify func(protocol.Message), configFn func() TurnConfig, timeouts Timeouts, historyWindow int, hooks Hooks) *Runner {
	if historyWindow <= 0 {
		historyWindow = 8
	}
	return &Runner{
		providers: providers,
		sink:      sink,
		notify:    notify,
		configFn:  configFn,
		timeouts:  timeouts,
		histMax:   historyWindow,
		hooks:     hooks,
		baseCtx:   ctx,
	}
}

// Submit queues one utterance. Inputs beyond the queue bound are dropped.
func (r *Runner) Submit(input TurnInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(r.queue) >= maxQueuedTurns {
		log.Printf("pipeline: turn queue full, dropping input")
		return
	}
	r.queue = append(r.queue, input)
	if !r.running {
		r.running = true
		r.wg.Add(1)
		go r.loop()
	}
}

// Interrupt cancels the in-flight turn and acknowledges the cancellation.
// Queued inputs are preserved and processed normally.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	cancel := r.cancelTurn
	turnID := r.turnID
	r.cancelTurn = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	r.notify(protocol.NewError(protocol.CodeTurnCancelled, "turn cancelled"))
	if r.hooks.OnTurnCancelled != nil {
		r.hooks.OnTurnCancelled(turnID)
	}
}

// Stop cancels everything and waits for the worker to drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.closed = true
	r.queue = nil
	cancel := r.cancelTurn
	r.cancelTurn = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if r.closed || len(r.queue) == 0 {
			r.running = false
			r.mu.Unlock()
			return
		}
		input := r.queue[0]
		r.queue = r.queue[1:]
		ctx, cancel := context.WithCancel(r.baseCtx)
		r.cancelTurn = cancel
		r.turnID = uuid.NewString()
		turnID := r.turnID
		r.mu.Unlock()

		r.runTurn(ctx, turnID, input)

		r.mu.Lock()
		if r.cancelTurn != nil {
			r.cancelTurn = nil
		}
		r.mu.Unlock()
		cancel()
	}
}

func (r *Runner) runTurn(ctx context.Context, turnID string, input TurnInput) {
	started := time.Now()
	cfg := r.configFn()

	text := strings.TrimSpace(input.Text)
	if text == "" {
		if len(input.Audio) == 0 {
			return
		}
		stageStart := time.Now()
		sttCtx, cancel := context.WithTimeout(ctx, r.timeouts.Transcribe)
		transcript, err := r.providers.Transcriber.Transcribe(sttCtx, input.Audio, input.SampleRate)
		cancel()
		r.observeStage("transcribe", stageStart)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.stageError("transcribe", protocol.CodeTranscriptionFailed, err)
			return
		}
		text = strings.TrimSpace(transcript)
		if text == "" {
			return
		}
	}
	if r.hooks.OnTranscript != nil {
		r.hooks.OnTranscript(turnID, text)
	}

	stageStart := time.Now()
	llmCtx, cancel := context.WithTimeout(ctx, r.timeouts.Respond)
	reply, err := r.providers.Responder.Complete(llmCtx, r.snapshotHistory(), text)
	cancel()
	r.observeStage("respond", stageStart)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// A slow or failing model must not stall the turn.
		log.Printf("pipeline: response generation failed, using fallback: %v", err)
		if r.hooks.OnError != nil {
			r.hooks.OnError("respond", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			r.notify(protocol.NewError(protocol.CodeResponseGenerationTimeout, "response generation timed out"))
		}
		reply = FallbackUtterance
	}
	if r.hooks.OnResponse != nil {
		r.hooks.OnResponse(turnID, reply)
	}
	r.notify(protocol.Message{
		Type:    protocol.TypeMessage,
		Content: reply,
		Metadata: map[string]string{
			protocol.MetaTurnID: turnID,
			protocol.MetaFinal:  "true",
		},
	})

	if err := r.deliver(ctx, turnID, cfg, reply, started); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.stageError("synthesize", protocol.CodeSynthesisFailed, err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.appendHistory(Exchange{UserText: text, AssistantText: reply})
	if r.hooks.OnTurnComplete != nil {
		r.hooks.OnTurnComplete(turnID)
	}
}

// deliver streams synthesis output to the sink, feeding chunk timings to
// the renderer when frames are requested.
func (r *Runner) deliver(ctx context.Context, turnID string, cfg TurnConfig, reply string, started time.Time) error {
	synthCtx, cancel := context.WithTimeout(ctx, r.timeouts.Synthesize)
	defer cancel()

	segments, err := r.providers.Synthesizer.Synthesize(synthCtx, cfg.VoiceID, reply)
	if err != nil {
		return err
	}

	var (
		timings    chan AudioTiming
		frameDone  chan struct{}
		renderFail error
	)
	if cfg.RenderFrames && r.providers.Renderer != nil {
		renderCtx, cancelRender := context.WithTimeout(ctx, r.timeouts.Render)
		defer cancelRender()
		timings = make(chan AudioTiming, 32)
		frames, err := r.providers.Renderer.Render(renderCtx, cfg.AvatarID, timings)
		if err != nil {
			// Frames are optional; audio still flows.
			log.Printf("pipeline: renderer unavailable for turn %s: %v", turnID, err)
			timings = nil
		} else {
			frameDone = make(chan struct{})
			go func() {
				defer close(frameDone)
				seq := 0
				for f := range frames {
					chunk := media.FrameChunk{TurnID: turnID, Seq: seq, Data: f.Data, PTS: f.PTS}
					if err := r.sink.SendFrame(chunk); err != nil {
						renderFail = err
						return
					}
					seq++
				}
			}()
		}
	}

	seq := 0
	var offset time.Duration
	firstAudio := true
	for seg := range segments {
		chunk := media.AudioChunk{TurnID: turnID, Seq: seq, Data: seg.Data, Format: seg.Format}
		if err := r.sink.SendAudio(chunk); err != nil {
			if timings != nil {
				close(timings)
			}
			return err
		}
		if firstAudio {
			firstAudio = false
			if r.hooks.OnFirstAudio != nil {
				r.hooks.OnFirstAudio(time.Since(started))
			}
		}
		dur := pcmDuration(len(seg.Data))
		if timings != nil {
			select {
			case timings <- AudioTiming{Seq: seq, Offset: offset, Duration: dur}:
			case <-ctx.Done():
			}
		}
		offset += dur
		seq++
	}
	if timings != nil {
		close(timings)
	}
	if frameDone != nil {
		<-frameDone
		if renderFail != nil {
			log.Printf("pipeline: frame delivery aborted for turn %s: %v", turnID, renderFail)
		}
	}
	if seq == 0 && ctx.Err() == nil {
		return errors.New("synthesis produced no audio")
	}
	return nil
}

func (r *Runner) snapshotHistory() []Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Exchange, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runner) appendHistory(e Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, e)
	if len(r.history) > r.histMax {
		r.history = r.history[len(r.history)-r.histMax:]
	}
}

func (r *Runner) observeStage(stage string, started time.Time) {
	if r.hooks.OnStage != nil {
		r.hooks.OnStage(stage, time.Since(started))
	}
}

func (r *Runner) stageError(stage, code string, err error) {
	log.Printf("pipeline: %s failed: %v", stage, err)
	if r.hooks.OnError != nil {
		r.hooks.OnError(stage, err)
	}
	r.notify(protocol.NewError(code, stage+" failed"))
}

// pcmDuration estimates playback time of a PCM16 mono chunk.
func pcmDuration(n int) time.Duration {
	samples := n / 2
	return time.Duration(samples) * time.Second / synthSampleRate
}
