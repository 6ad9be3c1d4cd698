package server

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/echobooth/echobooth/internal/store"
)

type recordingEntry struct {
	Filename     string     `json:"filename"`
	SizeBytes    int64      `json:"size_bytes"`
	ModifiedAt   time.Time  `json:"modified_at"`
	Participant  string     `json:"participant,omitempty"`
	Email        string     `json:"email,omitempty"`
	SessionName  string     `json:"session_name,omitempty"`
	DurationSec  *float64   `json:"duration_sec,omitempty"`
	CompletedVia string     `json:"token,omitempty"`
	RecordedAt   *time.Time `json:"recorded_at,omitempty"`
}

// handleRecordingsList lists the WAV artifacts on disk, joined with the
// invite that produced each one where the store still knows about it.
// Files are the source of truth; orphaned artifacts still appear.
func (s *APIServer) handleRecordingsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries, err := os.ReadDir(s.uploadsDir)
	if err != nil {
		log.Printf("[APIServer] read uploads dir: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}

	byFile := make(map[string]store.Invite)
	if invites, err := s.store.ListInvites(r.Context()); err != nil {
		log.Printf("[APIServer] list invites for recordings join: %v", err)
	} else {
		for _, inv := range invites {
			if inv.RecordingFile != "" {
				byFile[inv.RecordingFile] = inv
			}
		}
	}

	recordings := make([]recordingEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".wav") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		rec := recordingEntry{
			Filename:   entry.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		}
		if inv, ok := byFile[entry.Name()]; ok {
			rec.Participant = inv.DisplayName
			rec.Email = inv.Email
			rec.SessionName = inv.SessionName
			rec.CompletedVia = inv.Token
			duration := inv.RecordingDurationSec
			rec.DurationSec = &duration
			created := inv.CreatedAt
			rec.RecordedAt = &created
		}
		recordings = append(recordings, rec)
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModifiedAt.After(recordings[j].ModifiedAt)
	})

	writeJSON(w, http.StatusOK, map[string]any{"recordings": recordings})
}

// handleRecordingDownload streams a single artifact. The filename is
// validated against traversal before touching the filesystem.
func (s *APIServer) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	filename, ok := strings.CutSuffix(rest, "/download")
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if filename == "" || filename != filepath.Base(filename) || !strings.HasSuffix(filename, ".wav") {
		writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}

	path := filepath.Join(s.uploadsDir, filename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		log.Printf("[APIServer] open recording %s: %v", filename, err)
		writeError(w, http.StatusInternalServerError, "failed to open recording")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Printf("[APIServer] stat recording %s: %v", filename, err)
		writeError(w, http.StatusInternalServerError, "failed to open recording")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// handleActiveSessions reports all capture sessions with open connections.
func (s *APIServer) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snapshots := s.registry.List()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Started.Before(snapshots[j].Started)
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(snapshots),
		"sessions": snapshots,
	})
}
