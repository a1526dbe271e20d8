// Package news implements the get_news function's RSS ingestion (spec
// §4.6). No RSS parser appears anywhere in the retrieval pack, so
// mmcdole/gofeed is an out-of-pack, named-not-grounded ecosystem choice
// (see DESIGN.md).
package news

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
)

// Client fetches a small number of current headlines from a single
// configured RSS feed, optionally filtered by a caller-supplied category
// keyword matched against the item title (descriptions are not searched).
type Client struct {
	feedURL string
	parser  *gofeed.Parser
	logger  zerolog.Logger
}

// New constructs a news Client over a single RSS feed URL.
func New(feedURL string, logger zerolog.Logger) *Client {
	return &Client{
		feedURL: feedURL,
		parser:  gofeed.NewParser(),
		logger:  logger.With().Str("component", "news").Logger(),
	}
}

// Headlines implements the llm.NewsProvider interface consumed by the
// get_news function (spec §4.6). category, if non-empty, is matched as a
// case-insensitive substring against each item's title; an empty category
// returns the feed's most recent items unfiltered.
func (c *Client) Headlines(category string, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed, err := c.parser.ParseURLWithContext(c.feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("news: fetch feed: %w", err)
	}

	titles := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		titles = append(titles, item.Title)
	}

	return filterHeadlines(titles, category, limit), nil
}

// filterHeadlines keeps titles matching category as a case-insensitive
// substring, falling back to the unfiltered top titles if nothing matches
// rather than telling a confused caller there is no news at all. Split out
// from Headlines so the matching logic is testable without a live feed.
func filterHeadlines(titles []string, category string, limit int) []string {
	needle := strings.ToLower(strings.TrimSpace(category))

	var matched []string
	if needle != "" {
		for _, title := range titles {
			if strings.Contains(strings.ToLower(title), needle) {
				matched = append(matched, title)
				if limit > 0 && len(matched) >= limit {
					break
				}
			}
		}
	}

	if len(matched) > 0 {
		return matched
	}

	if limit > 0 && len(titles) > limit {
		return titles[:limit]
	}
	return titles
}
