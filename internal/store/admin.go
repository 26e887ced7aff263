package store

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/camsync/internal/httputil"
	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts live SQL, a session listing and a backup
// download on the tsweb debug page of mux.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(s.path), s.DB, &tailsql.DBOptions{
		Label: "Detection log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("sessions", "Recorded sessions (JSON)", http.HandlerFunc(s.handleSessions))
	debug.Handle("backup", "Create and download a backup of the detection log now", http.HandlerFunc(s.handleBackup))
	return nil
}

type sessionJSON struct {
	ID          string  `json:"id"`
	Started     string  `json:"started"`
	Ended       *string `json:"ended,omitempty"`
	ArenaConfig string  `json:"arena_config"`
	Note        string  `json:"note,omitempty"`
}

func (s *Store) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.Sessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		j := sessionJSON{
			ID:          sess.ID.String(),
			Started:     sess.Started.UTC().Format(time.RFC3339Nano),
			ArenaConfig: sess.ArenaConfig.String(),
			Note:        sess.Note,
		}
		if sess.Ended != nil {
			ended := sess.Ended.UTC().Format(time.RFC3339Nano)
			j.Ended = &ended
		}
		out = append(out, j)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Store) handleBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("camsync-backup-%d.db", time.Now().UnixNano()))
	if _, err := s.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			diagf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	n, err := io.Copy(gz, backupFile)
	if err != nil {
		diagf("failed to stream backup: %v", err)
		return
	}
	opsf("served backup of %s (%d bytes)", s.path, n)
}
