package objectstore_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chorus/internal/objectstore"
)

func TestPutAndReadRoundTrip(t *testing.T) {
	st, err := objectstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	key := "jobs/abc/transcript.json"
	if err := st.PutBytes(ctx, key, []byte(`{"segments":[]}`)); err != nil {
		t.Fatalf("PutBytes failed: %v", err)
	}

	data, err := st.ReadBytes(ctx, key)
	if err != nil {
		t.Fatalf("ReadBytes failed: %v", err)
	}
	if string(data) != `{"segments":[]}` {
		t.Fatalf("unexpected content: %s", data)
	}

	exists, err := st.Exists(key)
	if err != nil || !exists {
		t.Fatalf("Exists: exists=%v err=%v", exists, err)
	}

	// Replacing a key swaps the content atomically.
	if err := st.Put(ctx, key, strings.NewReader("replaced")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err = st.ReadBytes(ctx, key)
	if err != nil || string(data) != "replaced" {
		t.Fatalf("replacement lost: %s err=%v", data, err)
	}
}

func TestOpenMissingKeyReturnsNotFound(t *testing.T) {
	st, err := objectstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := st.Open(context.Background(), "jobs/missing/audio.wav"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvalidKeysRejected(t *testing.T) {
	st, err := objectstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, key := range []string{"", "   ", "."} {
		if err := st.PutBytes(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("key %q should be rejected", key)
		}
	}
}

func TestTraversalKeysStayUnderRoot(t *testing.T) {
	root := t.TempDir()
	st, err := objectstore.New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, key := range []string{"../escape", "a/../../b", "/abs/path"} {
		path, err := st.PathFor(key)
		if err != nil {
			t.Fatalf("PathFor(%q) failed: %v", key, err)
		}
		if !strings.HasPrefix(path, root) {
			t.Errorf("key %q resolved outside the root: %s", key, path)
		}
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	st, err := objectstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := st.PutBytes(context.Background(), "jobs/x/waveform.json", []byte("[]")); err != nil {
		t.Fatalf("PutBytes failed: %v", err)
	}
	if err := st.Remove("jobs/x/waveform.json"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := st.Remove("jobs/x/waveform.json"); err != nil {
		t.Fatalf("second Remove failed: %v", err)
	}
	exists, err := st.Exists("jobs/x/waveform.json")
	if err != nil || exists {
		t.Fatalf("object should be gone: exists=%v err=%v", exists, err)
	}
}
