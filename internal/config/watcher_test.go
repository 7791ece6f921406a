package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/config"
)

const watcherYAML = `
server:
  log_level: info
providers:
  stt:
    name: whisper
    base_url: http://localhost:8081
  llm:
    name: openai
  tts:
    name: coqui
    base_url: http://localhost:5002
agent:
  system_prompt: You take restaurant reservations.
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// reloads collects the reloads a watcher reports.
type reloads struct {
	mu   sync.Mutex
	seen []config.Reload
}

func (r *reloads) add(rl config.Reload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rl)
}

func (r *reloads) get() []config.Reload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]config.Reload(nil), r.seen...)
}

// manualWatcher watches a fresh config file with polling disabled.
func manualWatcher(t *testing.T) (string, *config.Watcher, *reloads) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeFile(t, path, watcherYAML)
	var r reloads
	w, err := config.NewWatcher(path, r.add, config.WithInterval(-1))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, &r
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantChanged bool
		wantErr     bool
		check       func(*testing.T, config.Reload)
	}{
		{
			name:        "agent prompt",
			content:     strings.Replace(watcherYAML, "reservations.", "reservations and menu questions.", 1),
			wantChanged: true,
			check: func(t *testing.T, rl config.Reload) {
				if !rl.Diff.AgentChanged || rl.Diff.RestartRequired() {
					t.Errorf("Diff = %+v, want agent change without restart", rl.Diff)
				}
				if !strings.Contains(rl.New.Agent.SystemPrompt, "menu") || strings.Contains(rl.Old.Agent.SystemPrompt, "menu") {
					t.Errorf("Old/New prompts = %q / %q", rl.Old.Agent.SystemPrompt, rl.New.Agent.SystemPrompt)
				}
			},
		},
		{
			name:        "log level and call limit",
			content:     strings.Replace(watcherYAML, "log_level: info", "log_level: debug", 1) + "limits:\n  max_calls: 3\n",
			wantChanged: true,
			check: func(t *testing.T, rl config.Reload) {
				if !rl.Diff.LogLevelChanged || rl.Diff.NewLogLevel != config.LogDebug {
					t.Errorf("Diff = %+v, want log level debug", rl.Diff)
				}
				if !rl.Diff.RestartRequired() {
					t.Error("limits change does not require a restart")
				}
			},
		},
		{
			name:    "comment only",
			content: "# reservations line\n" + watcherYAML,
		},
		{
			name:    "invalid",
			content: "server:\n  log_level: bananas\n",
			wantErr: true,
		},
		{
			name:    "unparsable",
			content: "providers: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, r := manualWatcher(t)
			before := w.Current()
			writeFile(t, path, tt.content)

			changed, err := w.Reload()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Reload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if changed != tt.wantChanged {
				t.Errorf("Reload() changed = %v, want %v", changed, tt.wantChanged)
			}
			got := r.get()
			if !tt.wantChanged {
				if len(got) != 0 {
					t.Errorf("callback ran %d times, want 0", len(got))
				}
				if tt.wantErr && w.Current() != before {
					t.Error("rejected file replaced the current config")
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("callback ran %d times, want 1", len(got))
			}
			if got[0].Old != before || got[0].New != w.Current() {
				t.Error("callback configs do not match the watcher's before/after state")
			}
			tt.check(t, got[0])
		})
	}
}

func TestWatcher_PollPicksUpChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeFile(t, path, watcherYAML)

	got := make(chan config.Reload, 1)
	w, err := config.NewWatcher(path, func(rl config.Reload) { got <- rl }, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, path, strings.Replace(watcherYAML, "log_level: info", "log_level: warn", 1))
	// Some filesystems keep the old mtime for writes in the same tick.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	select {
	case rl := <-got:
		if rl.Diff.NewLogLevel != config.LogWarn {
			t.Errorf("NewLogLevel = %q, want warn", rl.Diff.NewLogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not report the change")
	}
	if w.Current().Server.LogLevel != config.LogWarn {
		t.Errorf("Current() log level = %q, want warn", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchIsIgnored(t *testing.T) {
	t.Parallel()
	path, w, r := manualWatcher(t)
	before := w.Current()

	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if changed, err := w.Reload(); changed || err != nil {
		t.Fatalf("Reload() = %v, %v; want false, nil", changed, err)
	}
	if w.Current() != before || len(r.get()) != 0 {
		t.Error("touch without content change was treated as a reload")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/voxline.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file")
	}
	path := filepath.Join(t.TempDir(), "voxline.yaml")
	writeFile(t, path, "server:\n  log_level: bananas\n")
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, w, _ := manualWatcher(t)
	w.Stop()
	w.Stop()
	if w.Current() == nil {
		t.Error("Current() is nil after Stop")
	}
}
