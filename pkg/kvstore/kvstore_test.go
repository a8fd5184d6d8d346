package kvstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestKeys(t *testing.T) {
	k := NewKeys("app")
	if got := k.Key("ratelimit", "mangadex"); got != "app:ratelimit:mangadex" {
		t.Errorf("unexpected key %q", got)
	}
	if got := NewKeys("").Key("x"); got != "mangahub:x" {
		t.Errorf("expected default prefix, got %q", got)
	}
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Open(context.Background(), Config{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if _, err := Open(context.Background(), Config{URL: "not a url"}); err == nil {
		t.Error("expected parse error for bad url")
	}
}
