package pipeline

import (
	"bytes"
	"testing"
	"time"
)

func TestExplicitEndOfTurnFlushesImmediately(t *testing.T) {
	out := make(chan Segment, 1)
	s := NewSegmenter(time.Hour, func(seg Segment) { out <- seg })
	defer s.Close()

	s.Push([]byte{1, 2}, 16000, false)
	s.Push([]byte{3, 4}, 16000, true)

	select {
	case seg := <-out:
		if !bytes.Equal(seg.Audio, []byte{1, 2, 3, 4}) || seg.SampleRate != 16000 {
			t.Fatalf("unexpected segment %+v", seg)
		}
	case <-time.After(time.Second):
		t.Fatal("end of turn did not flush")
	}
}

func TestSilenceGapFlushes(t *testing.T) {
	out := make(chan Segment, 1)
	s := NewSegmenter(30*time.Millisecond, func(seg Segment) { out <- seg })
	defer s.Close()

	s.Push([]byte{9, 9}, 8000, false)

	select {
	case seg := <-out:
		if !bytes.Equal(seg.Audio, []byte{9, 9}) {
			t.Fatalf("unexpected segment %+v", seg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silence gap did not flush")
	}
}

func TestAudioWithinGapExtendsUtterance(t *testing.T) {
	out := make(chan Segment, 1)
	s := NewSegmenter(60*time.Millisecond, func(seg Segment) { out <- seg })
	defer s.Close()

	s.Push([]byte{1}, 16000, false)
	time.Sleep(20 * time.Millisecond)
	s.Push([]byte{2}, 16000, false)

	select {
	case seg := <-out:
		if !bytes.Equal(seg.Audio, []byte{1, 2}) {
			t.Fatalf("gap flush split the utterance: %+v", seg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silence gap did not flush")
	}
}

func TestEmptyBufferNeverEmits(t *testing.T) {
	out := make(chan Segment, 1)
	s := NewSegmenter(20*time.Millisecond, func(seg Segment) { out <- seg })
	defer s.Close()

	s.Push(nil, 0, true)
	s.Push(nil, 0, false)

	select {
	case seg := <-out:
		t.Fatalf("empty segment emitted: %+v", seg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseDropsBufferedAudio(t *testing.T) {
	out := make(chan Segment, 1)
	s := NewSegmenter(20*time.Millisecond, func(seg Segment) { out <- seg })
	s.Push([]byte{1}, 16000, false)
	s.Close()

	select {
	case seg := <-out:
		t.Fatalf("segment emitted after close: %+v", seg)
	case <-time.After(100 * time.Millisecond):
	}
}
