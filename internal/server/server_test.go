package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/config"
	"github.com/audiolibrelab/tapedeck/internal/recorder"
	"github.com/audiolibrelab/tapedeck/internal/service"
	"github.com/audiolibrelab/tapedeck/internal/storage"
	"github.com/gorilla/websocket"
)

type stubRecorder struct {
	mu         sync.Mutex
	cb         recorder.Callback
	status     recorder.Status
	path       string
	monitorErr error
}

func (r *stubRecorder) SetCallback(cb recorder.Callback) { r.cb = cb }
func (r *stubRecorder) Prepare(int, int, int) error { return nil }

func (r *stubRecorder) StartRecording(path string) error {
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		r.cb.OnError(recorder.ErrInvalidOutputFile)
		return recorder.ErrInvalidOutputFile
	}
	r.mu.Lock()
	r.status, r.path = recorder.StatusRecording, path
	r.mu.Unlock()
	r.cb.OnStartRecord()
	return nil
}

func (r *stubRecorder) PauseRecording() error {
	r.mu.Lock()
	r.status = recorder.StatusPaused
	r.mu.Unlock()
	r.cb.OnPauseRecord()
	return nil
}

func (r *stubRecorder) ResumeRecording() error {
	r.mu.Lock()
	r.status = recorder.StatusRecording
	r.mu.Unlock()
	r.cb.OnStartRecord()
	return nil
}

func (r *stubRecorder) StopRecording() error {
	if !r.IsRecording() {
		return nil
	}
	r.mu.Lock()
	r.status = recorder.StatusCapturing
	path := r.path
	r.mu.Unlock()
	r.cb.OnStopRecord(path)
	return nil
}

func (r *stubRecorder) StartMonitoring() error {
	if r.monitorErr != nil {
		r.cb.OnError(r.monitorErr)
	}
	return r.monitorErr
}

func (r *stubRecorder) StopMonitoring() error { return nil }
func (r *stubRecorder) Release() error { return r.StopRecording() }

func (r *stubRecorder) IsRecording() bool {
	s := r.Status()
	return s == recorder.StatusRecording || s == recorder.StatusPaused
}

func (r *stubRecorder) IsPaused() bool { return r.Status() == recorder.StatusPaused }
func (r *stubRecorder) IsMonitoring() bool { return false }
func (r *stubRecorder) SupportsMonitoring() bool { return r.monitorErr == nil }

func (r *stubRecorder) Status() recorder.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == "" {
		return recorder.StatusIdle
	}
	return r.status
}

func newTestServer(t *testing.T) (*Server, *stubRecorder, *config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Output.Format = config.FormatWAV

	rec := &stubRecorder{}
	app := service.New(rec, storage.NewFileRepositoryFromConfig(cfg), nil)
	s := New(app, cfg, "0")
	t.Cleanup(s.Close)
	return s, rec, cfg
}

func do(t *testing.T, h http.Handler, method, target string, form url.Values) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	body := map[string]interface{}{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
		}
	}
	return w, body
}

func TestRecordLifecycle(t *testing.T) {
	s, rec, cfg := newTestServer(t)
	h := s.Handler()

	w, body := do(t, h, http.MethodPost, "/record/start", url.Values{})
	if w.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("start: %d %v", w.Code, body)
	}
	wantFile := filepath.Join(cfg.Output.Directory, "Record-1.wav")
	if body["file"] != wantFile {
		t.Errorf("file = %v, want %s", body["file"], wantFile)
	}

	_, status := do(t, h, http.MethodGet, "/status", nil)
	if status["status"] != "RECORDING" {
		t.Errorf("status = %v", status["status"])
	}
	if msg, _ := status["message"].(string); !strings.Contains(msg, "Record-1.wav") {
		t.Errorf("message = %q", msg)
	}

	for _, step := range []struct{ path, want string }{
		{"/record/pause", "PAUSED"},
		{"/record/resume", "RECORDING"},
	} {
		if w, body := do(t, h, http.MethodPost, step.path, nil); w.Code != http.StatusOK {
			t.Fatalf("%s: %d %v", step.path, w.Code, body)
		}
		if got := string(rec.Status()); got != step.want {
			t.Errorf("after %s status = %s, want %s", step.path, got, step.want)
		}
	}

	w, body = do(t, h, http.MethodPost, "/record/stop", nil)
	if w.Code != http.StatusOK || body["file"] != wantFile {
		t.Errorf("stop: %d %v", w.Code, body)
	}

	_, body = do(t, h, http.MethodPost, "/record/stop", nil)
	if body["message"] != "Not recording" {
		t.Errorf("second stop = %v", body)
	}
}

func TestStartRecordingRejectsPath(t *testing.T) {
	s, rec, _ := newTestServer(t)

	outside := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(outside, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, body := do(t, s.Handler(), http.MethodPost, "/record/start", url.Values{"path": {outside}})
	if w.Code != http.StatusBadRequest || body["success"] != false {
		t.Errorf("got %d %v, want 400", w.Code, body)
	}
	if data, err := os.ReadFile(outside); err != nil || string(data) != "keep me" {
		t.Errorf("file outside the recordings directory changed: %q, %v", data, err)
	}
	if rec.Status() != recorder.StatusIdle {
		t.Errorf("status = %s, want %s", rec.Status(), recorder.StatusIdle)
	}
}

func TestStartRecordingNamed(t *testing.T) {
	s, rec, cfg := newTestServer(t)
	h := s.Handler()

	w, body := do(t, h, http.MethodPost, "/record/start", url.Values{"name": {"take"}})
	want := filepath.Join(cfg.Output.Directory, "take.wav")
	if w.Code != http.StatusOK || body["file"] != want {
		t.Fatalf("got %d %v, want file %s", w.Code, body, want)
	}
	if rec.path != want {
		t.Errorf("recorder path = %s, want %s", rec.path, want)
	}
	do(t, h, http.MethodPost, "/record/stop", nil)

	tests := []struct {
		name string
		form string
	}{
		{"traversal", "../take.wav"},
		{"separator", "sub/take.wav"},
		{"wrong extension", "take.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(t, h, http.MethodPost, "/record/start", url.Values{"name": {tt.form}})
			if w.Code != http.StatusBadRequest || body["success"] != false {
				t.Errorf("got %d %v, want 400", w.Code, body)
			}
		})
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfg.Output.Directory), "take.wav")); !os.IsNotExist(err) {
		t.Errorf("file created outside the recordings directory: %v", err)
	}
}

func TestMonitorUnavailable(t *testing.T) {
	s, rec, _ := newTestServer(t)
	rec.monitorErr = recorder.ErrMonitorUnavailable

	w, body := do(t, s.Handler(), http.MethodPost, "/monitor/start", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("got %d %v, want 409", w.Code, body)
	}

	_, status := do(t, s.Handler(), http.MethodGet, "/status", nil)
	if status["supports_monitoring"] != false {
		t.Errorf("supports_monitoring = %v", status["supports_monitoring"])
	}
	if msg, _ := status["message"].(string); !strings.Contains(msg, "monitoring unavailable") {
		t.Errorf("status message = %q, want last error", msg)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/record/start"},
		{http.MethodGet, "/record/stop"},
		{http.MethodPost, "/status"},
		{http.MethodPost, "/api/files"},
	} {
		w, body := do(t, s.Handler(), tc.method, tc.path, nil)
		if w.Code != http.StatusMethodNotAllowed || body["success"] != false {
			t.Errorf("%s %s: got %d %v", tc.method, tc.path, w.Code, body)
		}
	}
}

func TestFilesListingAndRename(t *testing.T) {
	s, _, cfg := newTestServer(t)
	h := s.Handler()

	if err := os.WriteFile(filepath.Join(cfg.Output.Directory, "take.wav"), make([]byte, 2048), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Output.Directory, "notes.txt"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/files", nil))
	var files FilesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &files); err != nil {
		t.Fatal(err)
	}
	if files.TotalCount != 1 || files.Files[0].Name != "take.wav" || files.Files[0].SizeHuman != "2.0 KB" {
		t.Fatalf("files = %+v", files)
	}
	if files.Files[0].StreamURL != "/api/files/stream/take.wav" {
		t.Errorf("stream url = %s", files.Files[0].StreamURL)
	}

	w2, body := do(t, h, http.MethodPost, "/api/files/rename", url.Values{"name": {"take.wav"}, "new_name": {"Best take"}})
	if w2.Code != http.StatusOK || body["file"] != "Best take.wav" {
		t.Fatalf("rename: %d %v", w2.Code, body)
	}
	if _, err := os.Stat(filepath.Join(cfg.Output.Directory, "Best take.wav")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}

	w3, _ := do(t, h, http.MethodPost, "/api/files/rename", url.Values{"name": {"gone.wav"}, "new_name": {"x"}})
	if w3.Code != http.StatusNotFound {
		t.Errorf("rename of missing file: %d", w3.Code)
	}
}

func TestFileStream(t *testing.T) {
	s, _, cfg := newTestServer(t)
	h := s.Handler()

	if err := os.WriteFile(filepath.Join(cfg.Output.Directory, "take.wav"), []byte("RIFFdata"), 0644); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/files/stream/take.wav", nil))
	if w.Code != http.StatusOK || w.Body.String() != "RIFFdata" {
		t.Errorf("stream: %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/files/download/take.wav", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Header().Get("Content-Disposition"), "take.wav") {
		t.Errorf("download: %d %v", w.Code, w.Header())
	}

	for target, code := range map[string]int{
		"/api/files/stream/..%5Csecret.wav": http.StatusBadRequest,
		"/api/files/stream/notes.txt":       http.StatusForbidden,
		"/api/files/stream/missing.wav":     http.StatusNotFound,
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		if w.Code != code {
			t.Errorf("GET %s = %d, want %d", target, w.Code, code)
		}
	}
}

func TestProgressWebsocket(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/progress", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.clientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := s.app.StartNewRecording(); err != nil {
		t.Fatal(err)
	}
	s.app.OnProgress(40*time.Millisecond, 1234, true)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var started, progress ProgressMessage
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&progress); err != nil {
		t.Fatal(err)
	}

	if started.Type != "started" || started.Status != "RECORDING" {
		t.Errorf("first message = %+v", started)
	}
	if progress.Type != "progress" || progress.ElapsedMs != 40 || progress.Amplitude != 1234 || !progress.Active {
		t.Errorf("second message = %+v", progress)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:           "0 B",
		1023:        "1023 B",
		1024:        "1.0 KB",
		1536:        "1.5 KB",
		5 * 1 << 20: "5.0 MB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %s, want %s", in, got, want)
		}
	}
}
