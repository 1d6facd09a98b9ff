package binstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testIdentity = "https://example.com/favicon.ico"

func TestKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	first := Key(testIdentity)
	second := Key(testIdentity)

	if first != second {
		t.Fatalf("Key(%q) not deterministic: %q vs %q", testIdentity, first, second)
	}
	if len(first) != 64 {
		t.Fatalf("Key(%q) length = %d, want 64 hex characters", testIdentity, len(first))
	}
	if other := Key(testIdentity + "?v=2"); other == first {
		t.Fatalf("Key returned the same key for distinct identities: %q", first)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("binstore.Open: %v", err)
	}

	key := Key(testIdentity)
	payload := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

	if err := store.Put(key, payload); err != nil {
		t.Fatalf("store.Put: %v", err)
	}

	got, err := store.Get(key)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("store.Get = %v, want %v", got, payload)
	}
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("binstore.Open: %v", err)
	}

	_, err = store.Get(Key("https://never-stored.test/icon.png"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("store.Get for missing key = %v, want ErrNotFound", err)
	}
}

func TestPutReplacesPreviousBlob(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("binstore.Open: %v", err)
	}

	key := Key(testIdentity)

	if err := store.Put(key, []byte("old bytes")); err != nil {
		t.Fatalf("store.Put old: %v", err)
	}
	if err := store.Put(key, []byte("new bytes")); err != nil {
		t.Fatalf("store.Put new: %v", err)
	}

	got, err := store.Get(key)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if string(got) != "new bytes" {
		t.Fatalf("store.Get after overwrite = %q, want %q", got, "new bytes")
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	store, err := Open(root)
	if err != nil {
		t.Fatalf("binstore.Open: %v", err)
	}

	if err := store.Put(Key(testIdentity), []byte("payload")); err != nil {
		t.Fatalf("store.Put: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("os.ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("blob root holds %d entries after Put, want exactly 1", len(entries))
	}
}

func TestOpenRejectsEmptyRoot(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("binstore.Open with empty root: expected error, got nil")
	}
}

func TestOpenCreatesMissingRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "nested", "blobs")

	if _, err := Open(root); err != nil {
		t.Fatalf("binstore.Open: %v", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("os.Stat blob root: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("blob root %q is not a directory", root)
	}
}
