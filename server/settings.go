package server

import (
	"errors"
	"net/http"

	"shelfsync/pkg/shelfsync"
)

// handleSettings saves a user's Goodreads profile id and opt-in flags,
// then runs one sync immediately so the page can show the outcome.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	setSecurityHeaders(w)

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	userID := r.PostFormValue("id")
	if userID == "" {
		http.Error(w, "Missing user id", http.StatusBadRequest)
		return
	}

	user, err := s.store.UpdateSettings(r.Context(),
		userID,
		r.PostFormValue("profile_id"),
		checkboxToBool(r.PostFormValue("update_picture")),
		checkboxToBool(r.PostFormValue("update_status")),
		checkboxToBool(r.PostFormValue("update_title")))
	if err != nil {
		s.logger.Error("Failed to update settings", "user_id", userID, "error", err)
		s.renderError(w, http.StatusInternalServerError, "Could not save your settings.")
		return
	}

	if !user.Linked() {
		s.render(w, "success.tmpl", map[string]string{
			"Message": "Settings saved. Add your Goodreads profile ID to start syncing.",
		})
		return
	}

	if err := s.syncer.Sync(r.Context(), user); err != nil {
		var syncErr *shelfsync.SyncError
		message := "Sync failed."
		if errors.As(err, &syncErr) {
			message = "Sync failed during " + string(syncErr.Stage) + ": " + syncErr.Err.Error()
		}
		s.logger.Warn("Inline sync failed", "user_id", userID, "stage", string(shelfsync.StageOf(err)), "error", err)
		s.render(w, "error.tmpl", map[string]string{"Message": message})
		return
	}

	s.render(w, "success.tmpl", map[string]string{
		"Message": "Settings saved and your Slack profile is up to date.",
	})
}
