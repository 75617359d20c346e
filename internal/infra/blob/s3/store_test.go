package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"storestack/internal/blob/core"
)

func newMockStore(t *testing.T, pageSize int, prefix string) *Store {
	t.Helper()
	rt := NewMockTransport()
	rt.PageSize = pageSize
	store, err := New(context.Background(), Config{
		Bucket:          "test-bucket",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		Prefix:          prefix,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: rt},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_MockedBasicFlow(t *testing.T) {
	store := newMockStore(t, 1000, "")
	ctx := context.Background()
	info, err := store.Put(ctx, "quarantine/store.db-1", bytes.NewReader([]byte("hello")), core.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"reason": "corrupt"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "quarantine/store.db-1" || info.Size != 5 || info.Metadata["reason"] != "corrupt" {
		t.Fatalf("unexpected info %#v", info)
	}
	if _, err := store.Put(ctx, "quarantine/store.db-1", bytes.NewReader([]byte("ignored")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := store.Get(ctx, "quarantine/store.db-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("get mismatch: %q", data)
	}
	if ok, err := store.Delete(ctx, "quarantine/store.db-1"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "quarantine/store.db-1"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestStore_MissingKeys(t *testing.T) {
	store := newMockStore(t, 1000, "")
	ctx := context.Background()
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
}

func TestStore_ListPaginatesAndStripsPrefix(t *testing.T) {
	store := newMockStore(t, 1, "archive")
	ctx := context.Background()
	for _, key := range []string{"q/b", "q/a", "other"} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte(key)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := store.List(ctx, "q/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "q/a" || list[1].Key != "q/b" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if NewMockForTests().Driver() != core.DriverS3 {
		t.Fatalf("expected DriverS3")
	}
}

func TestDecodeChunked(t *testing.T) {
	if _, ok := decodeChunked([]byte("not-chunked")); ok {
		t.Fatalf("expected plain body to be rejected")
	}
	if _, ok := decodeChunked([]byte("5\r\nabc\r\n0\r\n")); ok {
		t.Fatalf("size mismatch should fail")
	}
	if b, ok := decodeChunked([]byte("5;chunk-signature=x\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n")); !ok || string(b) != "hello" {
		t.Fatalf("expected hello, got %q %v", b, ok)
	}
}
