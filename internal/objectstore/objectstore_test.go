package objectstore

import (
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "f1", 1, "hash-a", []byte("tarball-bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := s.Get(ctx, "f1", "hash-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "tarball-bytes" {
		t.Errorf("data = %q, want tarball-bytes", data)
	}
	if obj.PackageHash != "hash-a" {
		t.Errorf("PackageHash = %q, want hash-a", obj.PackageHash)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "f1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestKeyFormat(t *testing.T) {
	got := Key("fn-123", "abcdef")
	want := "functions/fn-123/abcdef.tgz"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}

func TestMemoryStoreExistsAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Put(ctx, "f1", 1, "hash-a", []byte("x"))

	ok, err := s.Exists(ctx, "f1", "hash-a")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true, nil", ok, err)
	}

	if err := s.Delete(ctx, "f1", "hash-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	ok, err = s.Exists(ctx, "f1", "hash-a")
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v, want false, nil", ok, err)
	}
}
