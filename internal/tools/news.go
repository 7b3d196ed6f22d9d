package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/openspeaker/gateway/internal/config"
	"github.com/openspeaker/gateway/shared/httpclient"
)

const maxHeadlines = 5

// NewGetNews scrapes headlines from an RSS feed and feeds them back to
// the LLM for summarizing aloud.
func NewGetNews(cfg config.PluginsConfig) Tool {
	client := httpclient.New(httpclient.FetchTimeout)
	return &funcTool{
		name:        "get_news",
		description: "Get the latest news headlines.",
		execute: func(ctx context.Context, args map[string]any) (Result, error) {
			if cfg.NewsURL == "" {
				return Result{Action: ActionError, Content: "news lookup is not configured"}, nil
			}

			req, err := http.NewRequestWithContext(ctx, "GET", cfg.NewsURL, nil)
			if err != nil {
				return Result{}, fmt.Errorf("create request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return Result{}, fmt.Errorf("fetch news: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return Result{}, fmt.Errorf("news error (status %d)", resp.StatusCode)
			}

			doc, err := goquery.NewDocumentFromReader(resp.Body)
			if err != nil {
				return Result{}, fmt.Errorf("parse feed: %w", err)
			}

			var headlines []string
			doc.Find("item title").EachWithBreak(func(_ int, s *goquery.Selection) bool {
				title := strings.TrimSpace(s.Text())
				if title != "" {
					headlines = append(headlines, title)
				}
				return len(headlines) < maxHeadlines
			})
			if len(headlines) == 0 {
				// Not an RSS document; fall back to article headings.
				doc.Find("h1, h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
					title := strings.TrimSpace(s.Text())
					if title != "" {
						headlines = append(headlines, title)
					}
					return len(headlines) < maxHeadlines
				})
			}
			if len(headlines) == 0 {
				return Result{Action: ActionError, Content: "no headlines found"}, nil
			}

			var b strings.Builder
			b.WriteString("Latest headlines:\n")
			for i, h := range headlines {
				fmt.Fprintf(&b, "%d. %s\n", i+1, h)
			}
			return Result{Action: ActionReqLLM, Content: b.String()}, nil
		},
	}
}
