// Package syncer runs the per-user profile synchronization pipeline and
// the all-users batch refresh.
package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"shelfsync/pkg/shelfsync"
)

const defaultConcurrency = 4

// Scraper interface for reading the currently-reading book.
type Scraper interface {
	CurrentBook(ctx context.Context, profileID string) (*shelfsync.BookInfo, error)
}

// Covers interface for the idempotent cover cache.
type Covers interface {
	Ensure(ctx context.Context, title, imageURL string) error
	Open(ctx context.Context, title string) (rc io.ReadCloser, filename string, err error)
}

// Profile interface for the external profile API.
type Profile interface {
	StatusEmoji(ctx context.Context, token string) (string, error)
	SetProfileFields(ctx context.Context, token string, fields map[string]string) error
	SetPhoto(ctx context.Context, token, filename string, image io.Reader) error
}

// Store interface for user persistence.
type Store interface {
	List(ctx context.Context) ([]*shelfsync.User, error)
	SetTitle(ctx context.Context, id, title string) error
}

// Syncer orchestrates per-user syncs.
type Syncer struct {
	scraper     Scraper
	covers      Covers
	profile     Profile
	store       Store
	logger      *slog.Logger
	concurrency int
}

// New creates a syncer. concurrency bounds how many users a batch refresh
// works on at once; pass 0 for the default.
func New(scraper Scraper, covers Covers, profile Profile, store Store, concurrency int, logger *slog.Logger) *Syncer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Syncer{
		scraper:     scraper,
		covers:      covers,
		profile:     profile,
		store:       store,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Sync brings one user's profile in line with their currently-reading
// book. The steps form a strictly sequential chain; the first failure
// aborts the remaining steps and is returned tagged with its stage. No
// step is retried here. Users without a linked profile are a no-op.
func (s *Syncer) Sync(ctx context.Context, user *shelfsync.User) error {
	if !user.Linked() {
		s.logger.Debug("User has no linked profile, skipping", "user_id", user.ID)
		return nil
	}

	book, err := s.scraper.CurrentBook(ctx, user.ProfileID)
	if err != nil {
		return shelfsync.FailedAt(shelfsync.StageScrape, err)
	}

	// The title is recorded even when every opt-in is off, so later
	// refreshes can diff against it.
	if err := s.store.SetTitle(ctx, user.ID, book.Title); err != nil {
		return shelfsync.FailedAt(shelfsync.StageSaveTitle, err)
	}
	user.Title = book.Title

	if err := s.covers.Ensure(ctx, book.Title, book.CoverURL); err != nil {
		return shelfsync.FailedAt(shelfsync.StageCache, err)
	}

	fields := make(map[string]string)

	if user.UpdateStatus {
		// The API resets the emoji when status text is written without
		// one, so the current emoji is read back first.
		emoji, err := s.profile.StatusEmoji(ctx, user.AccessToken)
		if err != nil {
			return shelfsync.FailedAt(shelfsync.StageStatus, err)
		}
		fields["status_text"] = book.Title
		fields["status_emoji"] = emoji
	}

	if user.UpdateTitle {
		fields["title"] = book.Title
	}

	if len(fields) > 0 {
		if err := s.profile.SetProfileFields(ctx, user.AccessToken, fields); err != nil {
			// A combined write is labelled status-update; the title
			// field rides along on the same call.
			stage := shelfsync.StageTitle
			if user.UpdateStatus {
				stage = shelfsync.StageStatus
			}
			return shelfsync.FailedAt(stage, err)
		}
	}

	if user.UpdatePicture {
		rc, filename, err := s.covers.Open(ctx, book.Title)
		if err != nil {
			return shelfsync.FailedAt(shelfsync.StagePhoto, err)
		}
		uploadErr := s.profile.SetPhoto(ctx, user.AccessToken, filename, rc)
		if closeErr := rc.Close(); closeErr != nil {
			s.logger.Warn("Failed to close cached cover", "error", closeErr)
		}
		if uploadErr != nil {
			return shelfsync.FailedAt(shelfsync.StagePhoto, uploadErr)
		}
	}

	s.logger.Info("Profile synced",
		"user_id", user.ID,
		"profile_id", user.ProfileID,
		"title", book.Title,
		"fields_written", len(fields),
		"photo", user.UpdatePicture)

	return nil
}

// Result is the outcome of one user's sync within a batch refresh.
type Result struct {
	Err       error
	UserID    string
	ProfileID string
}

// Failed reports whether this user's sync failed.
func (r Result) Failed() bool {
	return r.Err != nil
}

// RefreshAll syncs every stored user with bounded concurrency. A user's
// failure is recorded in their Result and never stops the rest of the
// batch; the returned error covers only the initial user listing.
func (s *Syncer) RefreshAll(ctx context.Context) ([]Result, error) {
	users, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	s.logger.Info("Refreshing all users", "count", len(users), "concurrency", s.concurrency)

	results := make([]Result, len(users))

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i, user := range users {
		g.Go(func() error {
			results[i] = Result{UserID: user.ID, ProfileID: user.ProfileID}
			if err := s.Sync(ctx, user); err != nil {
				s.logger.Warn("User sync failed",
					"user_id", user.ID,
					"profile_id", user.ProfileID,
					"stage", string(shelfsync.StageOf(err)),
					"error", err)
				results[i].Err = err
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures live in results

	var failed int
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	s.logger.Info("Refresh completed", "total", len(results), "failed", failed)

	return results, nil
}
