package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/driveindex/internal/config"
)

const reportContent = "quarterly report for the board"

// fakeBackends serves a one-collection Drive API and a Solr update handler.
type fakeBackends struct {
	mu      sync.Mutex
	updates []any
}

func (f *fakeBackends) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/solr/drive/update" {
		var body any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.updates = append(f.updates, body)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"responseHeader": map[string]any{"status": 0}})
		return
	}

	sum := md5.Sum([]byte(reportContent))
	report := map[string]any{
		"id": "f1", "name": "report.pdf", "mimeType": "application/pdf", "parents": []string{"pub"},
		"md5Checksum": hex.EncodeToString(sum[:]), "modifiedTime": "2024-03-02T11:30:00.000Z",
	}
	path := strings.TrimPrefix(r.URL.Path, "/drive/v3/")
	query := r.URL.Query()
	switch {
	case path == "drives":
		writeJSON(w, map[string]any{"drives": []map[string]any{{"id": "d1", "name": "Team Drive"}}})
	case path == "changes/startPageToken":
		writeJSON(w, map[string]any{"startPageToken": "100"})
	case path == "files" && strings.Contains(query.Get("q"), "name='published'"):
		writeJSON(w, map[string]any{"files": []any{map[string]any{
			"id": "pub", "name": "published", "mimeType": "application/vnd.google-apps.folder", "parents": []string{"d1"},
		}}})
	case path == "files" && strings.Contains(query.Get("q"), "'pub' in parents"):
		writeJSON(w, map[string]any{"files": []any{report}})
	case path == "files":
		writeJSON(w, map[string]any{"files": []any{}})
	case path == "files/f1" && query.Get("alt") == "media":
		_, _ = io.WriteString(w, reportContent)
	case path == "files/f1":
		writeJSON(w, report)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBackends) solrUpdates() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.updates...)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeTestConfig(t *testing.T, serverURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	mirrorRoot := filepath.Join(dir, "mirror")
	body := `
[drive]
endpoint = "` + serverURL + `/drive/v3/"

[state]
checkpoint_dsn = "` + filepath.Join(dir, "checkpoints.properties") + `"
identity_dsn = "` + filepath.Join(dir, "identities.properties") + `"

[dispatch]
queue_dsn = "` + filepath.Join(dir, "queue.json") + `"
retry_delay = "1ms"
max_retry_delay = "5ms"
drain_timeout = "5s"

[mirror]
root = "` + mirrorRoot + `"

[solr]
base_url = "` + serverURL + `/solr/drive"

[log]
format = "json"
`
	path := filepath.Join(dir, "driveindex.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path, mirrorRoot
}

func execute(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(appOptions{HTTPClient: server.Client()})
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	if err != nil {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func TestOnceMirrorsIndexesAndCheckpoints(t *testing.T) {
	backends := &fakeBackends{}
	server := httptest.NewServer(backends)
	defer server.Close()
	configPath, mirrorRoot := writeTestConfig(t, server.URL)

	if _, err := execute(t, server, "--config", configPath, "once"); err != nil {
		t.Fatalf("once failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(mirrorRoot, "Team Drive", "published", "report.pdf"))
	if err != nil {
		t.Fatalf("read mirrored file failed: %v", err)
	}
	if string(data) != reportContent {
		t.Fatalf("unexpected mirrored content %q", data)
	}

	var added map[string]any
	for _, update := range backends.solrUpdates() {
		docs, _ := update.([]any)
		for _, doc := range docs {
			if fields, ok := doc.(map[string]any); ok && fields["id"] == "f1" {
				added = fields
			}
		}
	}
	if added == nil || added["id"] != "f1" || added["teamDrive"] != "Team Drive" {
		t.Fatalf("expected solr add for f1, got %v", backends.solrUpdates())
	}

	out, err := execute(t, server, "--config", configPath, "checkpoints")
	if err != nil {
		t.Fatalf("checkpoints failed: %v", err)
	}
	if strings.TrimSpace(out) != "d1\t100" {
		t.Fatalf("unexpected checkpoints output %q", out)
	}

	out, err = execute(t, server, "--config", configPath, "identities", "/Team Drive/published")
	if err != nil {
		t.Fatalf("identities failed: %v", err)
	}
	if !strings.Contains(out, `"id": "f1"`) || !strings.Contains(out, "/Team Drive/published/report.pdf") {
		t.Fatalf("unexpected identities output %s", out)
	}
}

func TestValidateConfigRedactsSecrets(t *testing.T) {
	server := httptest.NewServer(&fakeBackends{})
	defer server.Close()
	configPath, _ := writeTestConfig(t, server.URL)
	t.Setenv("DRIVEINDEX_SOLR_PASSWORD", "hunter2")

	out, err := execute(t, server, "--config", configPath, "validate-config")
	if err != nil {
		t.Fatalf("validate-config failed: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked: %s", out)
	}
	if !strings.Contains(out, `"published_root": "published"`) {
		t.Fatalf("expected effective config, got %s", out)
	}
}

func TestValidateConfigRejectsInvalidFile(t *testing.T) {
	server := httptest.NewServer(&fakeBackends{})
	defer server.Close()
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[poll]\njitter = 3.0\n"), 0o644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := execute(t, server, "--config", path, "validate-config"); err == nil || !strings.Contains(err.Error(), "poll.jitter") {
		t.Fatalf("expected jitter validation error, got %v", err)
	}
}

func TestRedactedLeavesOriginalUntouched(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Token = "s3cret"
	cfg.Notify.WebhookHeaders = map[string]string{"Authorization": "Bearer abc"}

	masked := redacted(*cfg)
	if masked.HTTP.Token == "s3cret" || masked.Notify.WebhookHeaders["Authorization"] == "Bearer abc" {
		t.Fatalf("expected secrets masked, got %+v %+v", masked.HTTP, masked.Notify)
	}
	if cfg.HTTP.Token != "s3cret" || cfg.Notify.WebhookHeaders["Authorization"] != "Bearer abc" {
		t.Fatalf("redacted must not modify the original config")
	}
}
