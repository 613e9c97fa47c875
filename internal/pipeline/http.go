package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neura-ai/liveavatar/internal/audio"
	"github.com/neura-ai/liveavatar/internal/reliability"
)

// HTTP-backed collaborators. Each speaks a narrow JSON contract to its
// service; streaming endpoints use newline-delimited JSON.

type HTTPTranscriber struct {
	url    string
	client *http.Client
}

func NewHTTPTranscriber(url string, timeout time.Duration) *HTTPTranscriber {
	return &HTTPTranscriber{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		return "", fmt.Errorf("encode wav: %w", err)
	}
	payload, err := json.Marshal(map[string]string{
		"audio":  base64.StdEncoding.EncodeToString(wav),
		"format": "wav",
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	body, err := postJSON(ctx, t.client, t.url, payload)
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

type HTTPResponder struct {
	url          string
	systemPrompt string
	client       *http.Client
}

func NewHTTPResponder(url, systemPrompt string, timeout time.Duration) *HTTPResponder {
	return &HTTPResponder{
		url:          strings.TrimSpace(url),
		systemPrompt: systemPrompt,
		client:       &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResponder) Complete(ctx context.Context, history []Exchange, input string) (string, error) {
	type turn struct {
		User      string `json:"user"`
		Assistant string `json:"assistant"`
	}
	turns := make([]turn, 0, len(history))
	for _, h := range history {
		turns = append(turns, turn{User: h.UserText, Assistant: h.AssistantText})
	}
	payload, err := json.Marshal(map[string]any{
		"system":  r.systemPrompt,
		"history": turns,
		"input":   input,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	body, err := postJSON(ctx, r.client, r.url, payload)
	if err != nil {
		return "", err
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("empty completion")
	}
	return text, nil
}

type HTTPSynthesizer struct {
	url    string
	client *http.Client
}

func NewHTTPSynthesizer(url string, timeout time.Duration) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, voiceID, text string) (<-chan AudioSegment, error) {
	payload, err := json.Marshal(map[string]string{
		"voice_id": voiceID,
		"text":     text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("tts http status %d: %s", res.StatusCode, string(body))
	}

	out := make(chan AudioSegment, 16)
	go func() {
		defer close(out)
		defer res.Body.Close()
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 64<<10), 4<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk struct {
				Audio  string `json:"audio"`
				Format string `json:"format"`
			}
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(chunk.Audio)
			if err != nil || len(data) == 0 {
				continue
			}
			format := chunk.Format
			if format == "" {
				format = "pcm16"
			}
			select {
			case out <- AudioSegment{Data: data, Format: format}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type HTTPRenderer struct {
	url    string
	client *http.Client
}

func NewHTTPRenderer(url string, timeout time.Duration) *HTTPRenderer {
	return &HTTPRenderer{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

// Render streams chunk timings to the render service as they become known
// and reads frames back as newline-delimited JSON.
func (r *HTTPRenderer) Render(ctx context.Context, avatarID string, timings <-chan AudioTiming) (<-chan FrameSegment, error) {
	pr, pw := io.Pipe()

	go func() {
		enc := json.NewEncoder(pw)
		if err := enc.Encode(map[string]string{"avatar_id": avatarID}); err != nil {
			pw.CloseWithError(err)
			return
		}
		for timing := range timings {
			record := map[string]int64{
				"seq":         int64(timing.Seq),
				"offset_ms":   timing.Offset.Milliseconds(),
				"duration_ms": timing.Duration.Milliseconds(),
			}
			if err := enc.Encode(record); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, pr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	res, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, fmt.Errorf("render http status %d: %s", res.StatusCode, string(body))
	}

	out := make(chan FrameSegment, 16)
	go func() {
		defer close(out)
		defer res.Body.Close()
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 256<<10), 8<<20)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var frame struct {
				Image string `json:"image"`
				PTSMs int64  `json:"pts_ms"`
			}
			if err := json.Unmarshal(line, &frame); err != nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(frame.Image)
			if err != nil || len(data) == 0 {
				continue
			}
			select {
			case out <- FrameSegment{Data: data, PTS: time.Duration(frame.PTSMs) * time.Millisecond}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

const postAttempts = 3

func postJSON(ctx context.Context, client *http.Client, url string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < postAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt, 100*time.Millisecond, time.Second)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("send request: %w", err)
			continue
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			res.Body.Close()
			lastErr = fmt.Errorf("http status %d: %s", res.StatusCode, string(body))
			if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return nil, lastErr
			}
			continue
		}
		out, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return out, nil
	}
	return nil, lastErr
}
