package store

import (
	"testing"
	"time"
)

func newTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := OpenKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestKV_SetGet(t *testing.T) {
	kv := newTestKV(t)

	if err := kv.Set("k1", "v1", 0); err != nil {
		t.Fatal(err)
	}
	value, ok, err := kv.Get("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || value != "v1" {
		t.Errorf("Get = %q/%v, want v1/true", value, ok)
	}
}

func TestKV_Get_Missing(t *testing.T) {
	kv := newTestKV(t)
	_, ok, err := kv.Get("absent")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("absent key should not exist")
	}
}

func TestKV_TTL_Expiry(t *testing.T) {
	kv := newTestKV(t)

	if err := kv.Set("short", "v", time.Second); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := kv.Get("short"); !ok {
		t.Fatal("key should exist inside ttl")
	}
	remaining, has, err := kv.TTL("short")
	if err != nil {
		t.Fatal(err)
	}
	if !has || remaining <= 0 || remaining > time.Second {
		t.Errorf("TTL = %v/%v, want (0,1s]", remaining, has)
	}

	time.Sleep(1100 * time.Millisecond)
	if _, ok, _ := kv.Get("short"); ok {
		t.Error("key should be absent after ttl")
	}
}

func TestKV_DeleteExists(t *testing.T) {
	kv := newTestKV(t)
	if err := kv.Set("k", "v", 0); err != nil {
		t.Fatal(err)
	}
	if err := kv.Delete("k"); err != nil {
		t.Fatal(err)
	}
	ok, err := kv.Exists("k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("deleted key should not exist")
	}
}

func TestKV_Expire(t *testing.T) {
	kv := newTestKV(t)
	if err := kv.Set("k", "v", 0); err != nil {
		t.Fatal(err)
	}

	ok, err := kv.Expire("k", time.Hour)
	if err != nil || !ok {
		t.Fatalf("Expire = %v, %v; want true, nil", ok, err)
	}
	remaining, has, _ := kv.TTL("k")
	if !has || remaining <= 59*time.Minute {
		t.Errorf("TTL after Expire = %v/%v", remaining, has)
	}

	ok, err = kv.Expire("absent", time.Hour)
	if err != nil || ok {
		t.Errorf("Expire absent = %v, %v; want false, nil", ok, err)
	}
}

func TestKV_Keys_Glob(t *testing.T) {
	kv := newTestKV(t)
	for _, k := range []string{"bot:stats:message_count", "bot:stats:user_count", "bot:logs:last_position"} {
		if err := kv.Set(k, "1", 0); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := kv.Keys("bot:stats:*")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Errorf("keys = %v, want 2 stats keys", keys)
	}

	keys, err = kv.Keys("bot:logs:last_position")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("exact match keys = %v, want 1", keys)
	}
}

func TestKV_IncrBy(t *testing.T) {
	kv := newTestKV(t)

	n, err := kv.IncrBy("counter", 1)
	if err != nil || n != 1 {
		t.Fatalf("first incr = %d, %v; want 1, nil", n, err)
	}
	n, err = kv.IncrBy("counter", 5)
	if err != nil || n != 6 {
		t.Fatalf("second incr = %d, %v; want 6, nil", n, err)
	}
}
