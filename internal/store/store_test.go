package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OhziiiLov3/rights2roof"
)

func exerciseStore(t *testing.T, s rights2roof.Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v", ok, err)
	}
	if err := s.Set(ctx, "foo", []byte("bar"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := s.Get(ctx, "foo")
	if err != nil || !ok || string(got) != "bar" {
		t.Errorf("Get(foo) = %q, %v, %v", got, ok, err)
	}

	for i := 1; i <= 5; i++ {
		if err := s.Append(ctx, "list", []byte(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	last, err := s.Read(ctx, "list", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(last) != 3 || string(last[0]) != "t3" || string(last[2]) != "t5" {
		t.Errorf("Read(3) = %q", last)
	}
	all, _ := s.Read(ctx, "list", 0)
	if len(all) != 5 || string(all[0]) != "t1" {
		t.Errorf("Read(0) = %q", all)
	}
	empty, err := s.Read(ctx, "nothing", 10)
	if err != nil || len(empty) != 0 {
		t.Errorf("Read(nothing) = %q, %v", empty, err)
	}
}

func TestMemory_Contract(t *testing.T) {
	m := NewMemory(0, nil)
	defer m.Close()
	exerciseStore(t, m)
}

func TestMemory_Expiration(t *testing.T) {
	m := NewMemory(0, nil)
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "baz", []byte("qux"), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := m.Set(ctx, "forever", []byte("x"), 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := m.Get(ctx, "baz"); ok {
		t.Error("expected expired item to be absent")
	}
	if _, ok, _ := m.Get(ctx, "forever"); !ok {
		t.Error("zero ttl must not expire")
	}
	if !m.sweep() {
		t.Error("sweep should remove the expired item")
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory(0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Set(ctx, "k", []byte("v"), 0); err == nil {
		t.Error("expected error for cancelled context")
	}
	if _, _, err := m.Get(ctx, "k"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestMemory_ConcurrentAppendsKeepEveryEntry(t *testing.T) {
	m := NewMemory(0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("user:%d:history", i%5)
			_ = m.Append(context.Background(), key, []byte("x"))
		}(i)
	}
	wg.Wait()
	for i := 0; i < 5; i++ {
		got, _ := m.Read(context.Background(), fmt.Sprintf("user:%d:history", i), 0)
		if len(got) != 10 {
			t.Errorf("session %d has %d entries", i, len(got))
		}
	}
}

func TestFile_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "store.json")
	f, err := NewFile(path, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, f)
	f.Close()

	reopened, err := NewFile(path, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, ok, _ := reopened.Get(context.Background(), "foo")
	if !ok || string(got) != "bar" {
		t.Errorf("value lost on reopen: %q %v", got, ok)
	}
	list, _ := reopened.Read(context.Background(), "list", 0)
	if len(list) != 5 {
		t.Errorf("list lost on reopen: %q", list)
	}
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFile(path, 0, nil); err == nil {
		t.Error("expected error for corrupt store file")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Errorf("default backend = %T", b)
	}
	b.Close()

	b, err = Open(ctx, Config{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "s.json")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*File); !ok {
		t.Errorf("file backend = %T", b)
	}
	b.Close()

	for _, cfg := range []Config{
		{Backend: BackendFile},
		{Backend: BackendRedis},
		{Backend: BackendRedis, RedisURL: "not a url"},
		{Backend: "etcd"},
	} {
		if _, err := Open(ctx, cfg, nil); err == nil {
			t.Errorf("Open(%+v) should fail", cfg)
		}
	}
}
