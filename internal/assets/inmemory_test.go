package assets

import (
	"context"
	"errors"
	"testing"
)

func TestResolveAvatarVisibility(t *testing.T) {
	r := NewInMemoryResolver()
	r.AddAvatar(Avatar{ID: "a1", Name: "Presenter", OwnerID: "u1", Public: false, SupportsVideo: true})
	r.AddAvatar(Avatar{ID: "a2", Name: "Stock", Public: true})

	if _, err := r.ResolveAvatar(context.Background(), "a1", "u1"); err != nil {
		t.Fatalf("owner lookup error = %v", err)
	}
	if _, err := r.ResolveAvatar(context.Background(), "a1", "u2"); !errors.Is(err, ErrAvatarNotFound) {
		t.Fatalf("non-owner lookup error = %v, want ErrAvatarNotFound", err)
	}
	if _, err := r.ResolveAvatar(context.Background(), "a2", "u2"); err != nil {
		t.Fatalf("public lookup error = %v", err)
	}
	if _, err := r.ResolveAvatar(context.Background(), "missing", "u1"); !errors.Is(err, ErrAvatarNotFound) {
		t.Fatalf("missing lookup error = %v, want ErrAvatarNotFound", err)
	}
}

func TestResolveVoice(t *testing.T) {
	r := NewInMemoryResolver()
	r.AddVoice(Voice{ID: "v1", Name: "Warm", Language: "en"})

	v, err := r.ResolveVoice(context.Background(), "v1")
	if err != nil {
		t.Fatalf("ResolveVoice() error = %v", err)
	}
	if v.Language != "en" {
		t.Fatalf("Language = %q, want %q", v.Language, "en")
	}
	if _, err := r.ResolveVoice(context.Background(), "nope"); !errors.Is(err, ErrVoiceNotFound) {
		t.Fatalf("error = %v, want ErrVoiceNotFound", err)
	}
}
