package image

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/conveyhq/convey/internal/fault"
)

func writeSource(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	return dir
}

func TestBuildContextDigestIsDeterministic(t *testing.T) {
	files := map[string]string{
		"Dockerfile":  "FROM scratch\n",
		"app/main.py": "print('hello')\n",
	}

	dirA := writeSource(t, files)
	dirB := writeSource(t, files)

	_, digestA, err := tarBuildContext(dirA)
	if err != nil {
		t.Fatalf("tarBuildContext failed: %v", err)
	}
	_, digestB, err := tarBuildContext(dirB)
	if err != nil {
		t.Fatalf("tarBuildContext failed: %v", err)
	}

	if digestA != digestB {
		t.Errorf("Identical content must yield identical digests: %s != %s", digestA, digestB)
	}
}

func TestBuildContextDigestChangesWithContent(t *testing.T) {
	dirA := writeSource(t, map[string]string{"Dockerfile": "FROM scratch\n"})
	dirB := writeSource(t, map[string]string{"Dockerfile": "FROM alpine\n"})

	_, digestA, _ := tarBuildContext(dirA)
	_, digestB, _ := tarBuildContext(dirB)

	if digestA == digestB {
		t.Error("Differing content must yield differing digests")
	}
}

func TestReferenceString(t *testing.T) {
	ref := Reference{Registry: "registry.example", Repository: "convey/app", Tag: "sha-abcdef123456"}
	if got := ref.String(); got != "registry.example/convey/app:sha-abcdef123456" {
		t.Errorf("Unexpected reference string: %s", got)
	}

	bare := Reference{Repository: "convey/app", Tag: "latest"}
	if got := bare.String(); got != "convey/app:latest" {
		t.Errorf("Unexpected bare reference string: %s", got)
	}
}

func TestGetAuthString(t *testing.T) {
	// Empty credentials produce no auth header.
	s, err := getAuthString("", "")
	if err != nil || s != "" {
		t.Fatalf("Expected empty auth string, got %q err=%v", s, err)
	}

	s, err = getAuthString("user", "secret")
	if err != nil {
		t.Fatalf("getAuthString failed: %v", err)
	}
	decoded, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("Auth string is not base64: %v", err)
	}
	var auth struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(decoded, &auth); err != nil {
		t.Fatalf("Auth string is not JSON: %v", err)
	}
	if auth.Username != "user" || auth.Password != "secret" {
		t.Errorf("Auth round trip mismatch: %+v", auth)
	}
}

func TestDrainEngineStreamSurfacesErrors(t *testing.T) {
	stream := strings.NewReader(`{"stream":"Step 1/2"}
{"error":"manifest unknown"}
`)
	err := drainEngineStream(stream)
	if err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Errorf("Expected embedded stream error, got: %v", err)
	}
}

func TestDrainEngineStreamCleanStream(t *testing.T) {
	stream := strings.NewReader(`{"stream":"Step 1/1"}
{"status":"Pushed"}
`)
	if err := drainEngineStream(stream); err != nil {
		t.Errorf("Clean stream must not error: %v", err)
	}
}

func TestClassifyRegistryErrorDefault(t *testing.T) {
	ref := Reference{Repository: "convey/app", Tag: "latest"}
	err := classifyRegistryError(ref, io.ErrUnexpectedEOF)
	if !errors.Is(err, fault.ErrRegistryUnavailable) {
		t.Errorf("Expected RegistryUnavailable for plain transport error, got: %v", err)
	}
}
