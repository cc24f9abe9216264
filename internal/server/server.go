package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/tapedeck/internal/config"
	"github.com/audiolibrelab/tapedeck/internal/recorder"
	"github.com/audiolibrelab/tapedeck/internal/service"
	"github.com/audiolibrelab/tapedeck/internal/storage"
)

// Server represents the web server for controlling the recorder
type Server struct {
	app  *service.AppRecorder
	port string
	hub  *progressHub

	cfgMu sync.RWMutex
	cfg   *config.Config
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status             string                    `json:"status"`
	Message            string                    `json:"message,omitempty"`
	Monitoring         bool                      `json:"monitoring"`
	SupportsMonitoring bool                      `json:"supports_monitoring"`
	Session            *service.RecordingSession `json:"session,omitempty"`
	Config             *ResolvedConfigInfo       `json:"resolved_config"`
}

// ResolvedConfigInfo contains configuration information for clients
type ResolvedConfigInfo struct {
	Backend      string `json:"backend"`
	OutputDir    string `json:"output_dir"`
	Naming       string `json:"naming"`
	Format       string `json:"format"`
	SampleRate   int    `json:"sample_rate"`
	ChannelCount int    `json:"channel_count"`
}

// FileInfo contains information about an audio file
type FileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Extension    string    `json:"extension"`
	StreamURL    string    `json:"stream_url"`
	DownloadURL  string    `json:"download_url"`
}

// FilesResponse represents the JSON response for files endpoint
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

// New creates a new web server instance
func New(app *service.AppRecorder, cfg *config.Config, port string) *Server {
	s := &Server{
		app:  app,
		cfg:  cfg,
		port: port,
	}
	s.hub = newProgressHub(app.Status)
	app.AddListener(s.hub)
	return s
}

// SetConfig replaces the configuration used for file listings and status.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Server) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Handler returns the HTTP routes of the control API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/record/start", s.handleStartRecording)
	mux.HandleFunc("/record/pause", s.handlePauseRecording)
	mux.HandleFunc("/record/resume", s.handleResumeRecording)
	mux.HandleFunc("/record/stop", s.handleStopRecording)
	mux.HandleFunc("/monitor/start", s.handleStartMonitoring)
	mux.HandleFunc("/monitor/stop", s.handleStopMonitoring)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/files/rename", s.handleRenameFile)
	mux.HandleFunc("/api/files/stream/", s.handleFileStream)
	mux.HandleFunc("/api/files/download/", s.handleFileDownload)
	mux.HandleFunc("/ws/progress", s.hub.serveWS)
	return mux
}

// Start starts the web server
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting Tapedeck Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, s.Handler())
}

// Close disconnects all progress clients
func (s *Server) Close() {
	s.app.RemoveListener(s.hub)
	s.hub.closeAll()
}

// handleIndex lists the available endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	io.WriteString(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Tapedeck</title>
</head>
<body>
    <h1>Tapedeck</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>POST /record/start - Start recording (optional form value: name)</li>
        <li>POST /record/pause - Pause recording</li>
        <li>POST /record/resume - Resume recording</li>
        <li>POST /record/stop - Stop recording</li>
        <li>POST /monitor/start - Start monitoring</li>
        <li>POST /monitor/stop - Stop monitoring</li>
        <li>GET /status - Get status</li>
        <li>GET /api/files - List recordings</li>
        <li>GET /ws/progress - Progress feed (websocket)</li>
    </ul>
</body>
</html>`

// handleStartRecording starts a new recording, or restarts the current one.
// The optional name form value picks the file name inside the recordings
// directory; without it a name is generated.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid form data", "error", err)
		return
	}

	if r.Form.Has("path") {
		s.sendErrorResponse(w, http.StatusBadRequest, "Recording paths are not accepted, use name",
			"operation", "start_recording", "path", r.FormValue("path"))
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	var path string
	var err error
	if name == "" {
		path, err = s.app.StartNewRecording()
	} else {
		if !validFileName(name) {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid file name",
				"operation", "start_recording", "name", name)
			return
		}
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
		if want := s.config().FileExtension(); ext != "" && ext != want {
			s.sendErrorResponse(w, http.StatusBadRequest,
				fmt.Sprintf("Unsupported file extension %q, recordings are %s", ext, want),
				"operation", "start_recording", "name", name)
			return
		}
		path, err = s.app.StartNamedRecording(name)
	}
	if err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording", "name", name)
		return
	}

	s.sendSuccess(w, "Recording started", "file", path)
}

func (s *Server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.app.PauseRecording(); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to pause recording: %v", err),
			"operation", "pause_recording")
		return
	}
	s.sendSuccess(w, "Recording paused")
}

func (s *Server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.app.ResumeRecording(); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to resume recording: %v", err),
			"operation", "resume_recording")
		return
	}
	s.sendSuccess(w, "Recording resumed")
}

// handleStopRecording stops the current recording, leaving monitoring alone
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	var file string
	if session := s.app.Session(); session != nil && s.app.IsRecording() {
		file = session.OutputFile
	}

	if err := s.app.StopRecording(); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	if file == "" {
		s.sendSuccess(w, "Not recording")
		return
	}
	s.sendSuccess(w, "Recording stopped", "file", file)
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.app.StartMonitoring(); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to start monitoring: %v", err),
			"operation", "start_monitoring")
		return
	}
	s.sendSuccess(w, "Monitoring started")
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.app.StopMonitoring(); err != nil {
		s.sendErrorResponse(w, statusForError(err),
			fmt.Sprintf("Failed to stop monitoring: %v", err),
			"operation", "stop_monitoring")
		return
	}
	s.sendSuccess(w, "Monitoring stopped")
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	status := s.app.Status()
	response := StatusResponse{
		Status:             string(status),
		Message:            s.generateStatusMessage(status),
		Monitoring:         s.app.IsMonitoring(),
		SupportsMonitoring: s.app.SupportsMonitoring(),
		Session:            s.app.Session(),
		Config:             s.getResolvedConfigInfo(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleFiles lists the recordings directory, newest first
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}

	repo := storage.NewFileRepositoryFromConfig(s.config())
	recordings, err := repo.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read output directory: %v", err),
			"dir", repo.RecordingDir())
		return
	}

	files := make([]FileInfo, 0, len(recordings))
	for _, rec := range recordings {
		files = append(files, FileInfo{
			Name:         rec.Name,
			Path:         rec.Path,
			Size:         rec.Size,
			SizeHuman:    formatBytes(rec.Size),
			ModTime:      rec.ModTime,
			ModTimeHuman: rec.ModTime.Format("2006-01-02 15:04:05"),
			Extension:    strings.TrimPrefix(strings.ToLower(filepath.Ext(rec.Name)), "."),
			StreamURL:    fmt.Sprintf("/api/files/stream/%s", rec.Name),
			DownloadURL:  fmt.Sprintf("/api/files/download/%s", rec.Name),
		})
	}

	response := FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: repo.RecordingDir(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleRenameFile renames a finished recording, keeping its extension
func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid form data", "error", err)
		return
	}

	name := r.FormValue("name")
	newName := r.FormValue("new_name")
	if !validFileName(name) || newName == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Both name and new_name are required", "name", name)
		return
	}

	repo := storage.NewFileRepositoryFromConfig(s.config())
	path := filepath.Join(repo.RecordingDir(), name)

	if session := s.app.Session(); session != nil && s.app.IsRecording() && session.OutputFile == path {
		s.sendErrorResponse(w, http.StatusConflict, "Cannot rename the file being recorded", "name", name)
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.sendErrorResponse(w, http.StatusNotFound, "File not found", "name", name)
		return
	}

	renamed, err := repo.RenameFile(path, newName)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Failed to rename file: %v", err), "name", name)
		return
	}
	s.sendSuccess(w, "File renamed", "file", filepath.Base(renamed))
}

// handleFileStream streams an audio file
func (s *Server) handleFileStream(w http.ResponseWriter, r *http.Request) {
	file, info, ok := s.openRecording(w, r, "/api/files/stream/")
	if !ok {
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", audioContentType(info.Name(), "audio/wav"))
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}

// handleFileDownload serves a file for download
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	file, info, ok := s.openRecording(w, r, "/api/files/download/")
	if !ok {
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", audioContentType(info.Name(), "application/octet-stream"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", info.Name()))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))

	if _, err := io.Copy(w, file); err != nil {
		slog.Error("Error serving file download", "file", info.Name(), "error", err)
	}
}

// openRecording resolves the file name after prefix inside the recordings
// directory. On failure it writes the response and returns ok=false.
func (s *Server) openRecording(w http.ResponseWriter, r *http.Request, prefix string) (*os.File, os.FileInfo, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, nil, false
	}

	filename := strings.TrimPrefix(r.URL.Path, prefix)
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return nil, nil, false
	}

	// Validate filename (prevent path traversal)
	if !validFileName(filename) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return nil, nil, false
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext != config.FormatWAV && ext != config.FormatM4A {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return nil, nil, false
	}

	filePath := filepath.Join(s.config().Output.Directory, filename)
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return nil, nil, false
	}

	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		file.Close()
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return nil, nil, false
	}
	return file, info, true
}

func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	cfg := s.config()
	return &ResolvedConfigInfo{
		Backend:      cfg.Recorder.Backend,
		OutputDir:    cfg.Output.Directory,
		Naming:       cfg.Output.Naming,
		Format:       cfg.FileExtension(),
		SampleRate:   cfg.Recorder.SampleRate,
		ChannelCount: cfg.Recorder.ChannelCount,
	}
}

// generateStatusMessage creates appropriate status messages based on current state
func (s *Server) generateStatusMessage(status service.RecordingStatus) string {
	if lastError := s.app.LastError(); lastError != "" && !s.app.IsRecording() {
		return lastError
	}

	switch status {
	case service.StatusCapturing:
		if s.app.IsMonitoring() {
			return "Monitoring input"
		}
		return "Input open"
	case service.StatusRecording:
		if session := s.app.Session(); session != nil {
			return fmt.Sprintf("Recording in progress - %s", session.FileName)
		}
		return "Recording in progress"
	case service.StatusPaused:
		return "Recording paused"
	default:
		return ""
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

// sendSuccess writes a JSON success response. extra holds key/value pairs
// added to the body.
func (s *Server) sendSuccess(w http.ResponseWriter, message string, extra ...string) {
	response := map[string]interface{}{
		"success": true,
		"message": message,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		response[extra[i]] = extra[i+1]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	// Send JSON error response
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, recorder.ErrInvalidOutputFile):
		return http.StatusBadRequest
	case errors.Is(err, recorder.ErrMonitorUnavailable), errors.Is(err, recorder.ErrNotPrepared):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoRecorder), errors.Is(err, recorder.ErrRecorderInit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validFileName(name string) bool {
	return name != "" && !strings.Contains(name, "..") && !strings.ContainsAny(name, `/\`)
}

func audioContentType(name, fallback string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return fallback
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
