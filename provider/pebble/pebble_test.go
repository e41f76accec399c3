package pebble

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestProviderRoundTripAndReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Unix(1700000000, 0)
	clk := func() time.Time { return now }

	p, err := Open(Config{Path: filepath.Join(dir, "pebble"), Now: clk})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok, err := p.Get(ctx, "optimistic_approvals"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if ok, err := p.Set(ctx, "optimistic_approvals", []byte(`[{"id":"1"}]`), 0, 0); !ok || err != nil {
		t.Fatalf("Set: %v %v", ok, err)
	}
	if ok, err := p.Set(ctx, "short", []byte("x"), 0, time.Second); !ok || err != nil {
		t.Fatalf("Set: %v %v", ok, err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p, err = Open(Config{Path: filepath.Join(dir, "pebble"), Now: clk})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.Close(ctx)
	v, ok, err := p.Get(ctx, "optimistic_approvals")
	if err != nil || !ok || string(v) != `[{"id":"1"}]` {
		t.Fatalf("after reopen: %q ok=%v err=%v", v, ok, err)
	}

	now = now.Add(2 * time.Second)
	if _, ok, _ := p.Get(ctx, "short"); ok {
		t.Fatalf("expired entry served")
	}
	if err := p.Del(ctx, "optimistic_approvals"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := p.Del(ctx, "missing"); err != nil {
		t.Fatalf("Del missing: %v", err)
	}
	if _, ok, _ := p.Get(ctx, "optimistic_approvals"); ok {
		t.Fatalf("deleted entry served")
	}
}

func TestProviderSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	dir := t.TempDir()
	clk := func() time.Time { return now }
	p, err := Open(Config{Path: filepath.Join(dir, "pebble"), Now: clk})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close(ctx)

	for _, k := range []string{"a", "b", "c"} {
		_, _ = p.Set(ctx, k, []byte(k), 0, time.Second)
	}
	_, _ = p.Set(ctx, "keep", []byte("k"), 0, 0)
	now = now.Add(time.Minute)

	n, err := p.Sweep()
	if err != nil || n != 3 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if _, ok, _ := p.Get(ctx, "keep"); !ok {
		t.Fatalf("unexpired entry swept")
	}
}
