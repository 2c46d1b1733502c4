// Package shelfsync contains the core domain types for the Goodreads to
// Slack profile synchronization service.
package shelfsync

// User is a Slack user who authorized the app. ProfileID links the user to
// their public Goodreads profile; while it is empty the user is considered
// not yet linked and synchronization is a no-op.
type User struct {
	ID          string `json:"id"`
	Scope       string `json:"scope"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ProfileID   string `json:"profile_id"` // Goodreads profile identifier, empty until linked
	Title       string `json:"title"`      // Last-known currently-reading title

	UpdatePicture bool `json:"update_picture"`
	UpdateStatus  bool `json:"update_status"`
	UpdateTitle   bool `json:"update_title"`
}

// Linked reports whether the user has connected a Goodreads profile.
func (u *User) Linked() bool {
	return u.ProfileID != ""
}

// BookInfo is the book extracted from a profile page on one sync attempt.
// It is never persisted beyond User.Title; the title doubles as the cover
// cache key, so two different books are assumed not to share a title.
type BookInfo struct {
	Title    string
	CoverURL string
}
