package ics

import (
	"context"
	"fmt"

	"syllacal/internal/model"
)

// Existing fetches, parses and expands every feed inside cfg's window. A
// feed that cannot be fetched or parsed contributes nothing and is reported
// in the error slice.
func (f *Fetcher) Existing(ctx context.Context, feeds []Feed, cfg ExpandConfig) ([]model.ExistingEvent, []error) {
	results, errs := f.FetchAll(ctx, feeds)

	var parsed []FeedEvent
	for _, res := range results {
		evs, err := ParseFeed(res.Feed, res.Body, cfg.Location)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: parse: %w", res.Feed.ID, err))
			continue
		}
		parsed = append(parsed, evs...)
	}

	out, err := Expand(parsed, cfg)
	if err != nil {
		return nil, append(errs, err)
	}
	return out, errs
}
