package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCleanKey(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"actions/actions-2026-01-02-15.jsonl.zst", "actions/actions-2026-01-02-15.jsonl.zst"},
		{"/leading/slash", "leading/slash"},
		{"a//b", "a/b"},
		{"back\\slash", "back/slash"},
		{"../escape", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := cleanKey(tc.in); got != tc.want {
			t.Fatalf("cleanKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestQueue_ObjectKeyStaysInsideDataDir(t *testing.T) {
	dataDir := t.TempDir()
	seg := filepath.Join(dataDir, "actions", "actions-2026-01-02-15.jsonl.zst")
	if err := os.MkdirAll(filepath.Dir(seg), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(seg, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	q := &Queue{dataDir: dataDir, prefix: "geocoins/soak"}
	key, err := q.objectKey(seg)
	if err != nil {
		t.Fatalf("objectKey: %v", err)
	}
	if key != "geocoins/soak/actions/actions-2026-01-02-15.jsonl.zst" {
		t.Fatalf("key = %q", key)
	}

	outside := filepath.Join(t.TempDir(), "other.zst")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := q.objectKey(outside); err == nil {
		t.Fatalf("path outside data dir accepted")
	}
}

func TestClient_PutFileSendsSignedRequest(t *testing.T) {
	payload := []byte("segment bytes")
	sum := sha256.Sum256(payload)
	wantHash := hex.EncodeToString(sum[:])

	var gotPath, gotHash, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHash = r.Header.Get("x-amz-content-sha256")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "seg.zst")
	if err := os.WriteFile(local, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := NewClient(srv.URL, "saves", "AKID", "secret")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := c.PutFile(context.Background(), "exports/default.save", local); err != nil {
		t.Fatalf("put: %v", err)
	}

	if gotPath != "/saves/exports/default.save" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotHash != wantHash {
		t.Fatalf("payload hash = %q, want %q", gotHash, wantHash)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/") {
		t.Fatalf("auth = %q", gotAuth)
	}
	if !strings.Contains(gotAuth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date") {
		t.Fatalf("auth = %q", gotAuth)
	}
	if string(gotBody) != string(payload) {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient("", "b", "k", "s"); err == nil {
		t.Fatalf("empty endpoint accepted")
	}
	if _, err := NewClient("accounts.example.com", "b", "k", "s"); err != nil {
		t.Fatalf("bare host rejected: %v", err)
	}
}
