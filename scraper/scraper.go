// Package scraper fetches a Goodreads profile page and extracts the first
// book on the "currently reading" shelf.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"shelfsync/pkg/shelfsync"
)

// DefaultBaseURL is the Goodreads site root.
const DefaultBaseURL = "https://www.goodreads.com"

// Extraction failures are distinct so a missing shelf can be told apart
// from a malformed entry without re-running the scrape in a debugger.
var (
	ErrNoCurrentBook = errors.New("no book marked as currently reading")
	ErrNoTitle       = errors.New("currently-reading entry has no title")
	ErrNoCover       = errors.New("currently-reading entry has no cover image")
)

// IsExtractionError reports whether err is caused by the expected page
// structure being absent rather than by transport.
func IsExtractionError(err error) bool {
	return errors.Is(err, ErrNoCurrentBook) || errors.Is(err, ErrNoTitle) || errors.Is(err, ErrNoCover)
}

// Scraper fetches and parses Goodreads profile pages.
type Scraper struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a new scraper. baseURL overrides the Goodreads site root and
// exists for tests; pass "" for the real site.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Scraper {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Scraper{
		client:  client,
		baseURL: baseURL,
		logger:  logger,
	}
}

// CurrentBook fetches the public profile page for profileID and returns the
// first entry of the currently-reading shelf. It is a pure read; transport
// failures are retried with backoff, extraction failures are not.
func (s *Scraper) CurrentBook(ctx context.Context, profileID string) (*shelfsync.BookInfo, error) {
	if profileID == "" {
		return nil, errors.New("profile id is empty")
	}

	pageURL := fmt.Sprintf("%s/user/show/%s", s.baseURL, url.PathEscape(profileID))

	var book *shelfsync.BookInfo

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_profile_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}

			// Browser-like headers to avoid getting blocked
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			s.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusNotFound {
				return retry.Unrecoverable(fmt.Errorf("profile %q not found (HTTP 404)", profileID))
			}

			if resp.StatusCode != http.StatusOK {
				s.logger.Warn("HTTP request returned non-OK status, will retry", "status_code", resp.StatusCode)
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			book, err = parseProfile(resp.Body)
			if err != nil {
				s.logger.Warn("Profile page missing expected structure", "url", pageURL, "error", err)
				return retry.Unrecoverable(err)
			}

			s.logger.Info("Profile page parsed successfully",
				"url", pageURL,
				"title", book.Title,
				"cover_url", book.CoverURL)

			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying profile fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	return book, nil
}

// parseProfile extracts the first currently-reading entry from a profile
// document. The page shape is fixed: a shelf container with a known id,
// title anchors of a known class, and a cover img inside the first entry.
func parseProfile(body io.Reader) (*shelfsync.BookInfo, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	shelf := doc.Find("#currentlyReadingReviews").First()
	if shelf.Length() == 0 {
		return nil, ErrNoCurrentBook
	}

	// Only the first book counts; the service tracks one book at a time.
	title := strings.TrimSpace(shelf.Find("a.bookTitle").First().Text())
	if title == "" {
		return nil, ErrNoTitle
	}

	coverURL, ok := shelf.Find("img").First().Attr("src")
	if !ok || strings.TrimSpace(coverURL) == "" {
		return nil, ErrNoCover
	}

	return &shelfsync.BookInfo{
		Title:    title,
		CoverURL: strings.TrimSpace(coverURL),
	}, nil
}
