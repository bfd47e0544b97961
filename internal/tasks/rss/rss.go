// Package rss downloads a news feed and reports its entries.
package rss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"cadence/internal/domain"
	"cadence/internal/tasks"
)

type Args struct {
	RSSURL string `json:"rss_url"`
	Limit  int    `json:"limit"`
}

type Entry struct {
	Title     string     `json:"title"`
	Link      string     `json:"link"`
	Published *time.Time `json:"published,omitempty"`
}

type Feed struct {
	Title   string  `json:"title"`
	Count   int     `json:"count"`
	Entries []Entry `json:"entries"`
}

type RSS struct {
	client *http.Client
}

func New() *RSS {
	return &RSS{client: &http.Client{Timeout: time.Minute}}
}

func (r *RSS) Execute(ctx context.Context, p domain.RunParams) (domain.Result, error) {
	var a Args
	if err := json.Unmarshal(p.Args, &a); err != nil {
		return domain.Result{}, fmt.Errorf("rss args: %w", err)
	}
	if a.RSSURL == "" {
		return domain.Result{}, fmt.Errorf("rss: rss_url: %w", tasks.ErrMissingArg)
	}

	fp := gofeed.NewParser()
	fp.Client = r.client
	feed, err := fp.ParseURLWithContext(a.RSSURL, ctx)
	if err != nil {
		var herr gofeed.HTTPError
		if errors.As(err, &herr) {
			return domain.Result{}, fmt.Errorf("non-200 response: %d", herr.StatusCode)
		}
		return domain.Result{}, fmt.Errorf("fetch feed %s: %w", a.RSSURL, err)
	}

	out := Feed{Title: feed.Title, Count: len(feed.Items)}
	for i, item := range feed.Items {
		if a.Limit > 0 && i >= a.Limit {
			break
		}
		e := Entry{Title: item.Title, Link: item.Link}
		if item.PublishedParsed != nil {
			ts := item.PublishedParsed.UTC()
			e.Published = &ts
		}
		out.Entries = append(out.Entries, e)
	}
	fmt.Fprintf(tasks.Output(ctx), "Got %d news articles from %s\n", out.Count, a.RSSURL)

	data, err := json.Marshal(out)
	if err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Message: fmt.Sprintf("got %d news articles", out.Count), Data: data}, nil
}
