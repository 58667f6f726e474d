package cache

import (
	"testing"
	"time"
)

func TestTTLGetSet(t *testing.T) {
	t.Parallel()
	c, err := NewTTL[string](100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("missing key must not be found")
	}

	c.Set("k", "v")
	got, ok := c.Get("k")
	if !ok || got != "v" {
		t.Errorf("Get = %q, %v", got, ok)
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("deleted key must not be found")
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	c, err := NewTTL[int](100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	c.SetTTL("short", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("short"); ok {
		t.Error("expired entry must not be returned")
	}
}

func TestTTLPurge(t *testing.T) {
	t.Parallel()
	c, err := NewTTL[int](100, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	c.Set("a", 1)
	c.Set("b", 2)
	c.Purge()
	if _, ok := c.Get("a"); ok {
		t.Error("purged entry must not be returned")
	}
}
