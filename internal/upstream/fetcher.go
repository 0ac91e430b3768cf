// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/cardpulse/internal/logging"
	"github.com/tomtom215/cardpulse/internal/metrics"
	"github.com/tomtom215/cardpulse/internal/models"
)

// DefaultMaxPages caps a single pagination loop.
const DefaultMaxPages = 10000

// Fetcher walks the paging cursor of one resource.
type Fetcher struct {
	maxPages int
}

// NewFetcher returns a fetcher that stops after maxPages pages.
func NewFetcher(maxPages int) *Fetcher {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Fetcher{maxPages: maxPages}
}

// FetchAll pages through resource on one instance and adds every row to sink.
//
// The first request carries only the date filter. When a response carries a
// paging header the next page is requested until page*page_length reaches
// total_results; a response without one ends the loop. A page error stops
// the loop but leaves rows from earlier pages in the sink. It returns the
// number of new (deduplicated) rows this call added.
func (f *Fetcher) FetchAll(ctx context.Context, api PageGetter, h *Handle, instance, resource string, r models.DateRange, sink *Sink) (int, error) {
	log := logging.Ctx(ctx).With().Str("instance", instance).Str("resource", resource).Str("range", r.String()).Logger()

	added := 0
	var paging *Paging
	for pageNum := 1; ; pageNum++ {
		if pageNum > f.maxPages {
			log.Warn().Int("max_pages", f.maxPages).Msg("Page cap reached; stopping pagination")
			return added, nil
		}

		start := time.Now()
		page, err := api.GetPage(ctx, h, resource, r, paging)
		if err != nil {
			err = fmt.Errorf("%s %s page %d: %w", instance, resource, pageNum, err)
			metrics.RecordUpstreamError(instance, err)
			log.Error().Err(err).Int("rows_kept", added).Msg("Page fetch failed; stopping this instance")
			return added, err
		}
		if !page.Result.OK() {
			err = fmt.Errorf("%s %s page %d: %w", instance, resource, pageNum, page.Result.Err)
			metrics.RecordUpstreamError(instance, err)
			log.Error().Err(err).Int("rows_kept", added).Msg("Unreadable page; stopping this instance")
			return added, err
		}

		n := sink.Add(instance, page.Result.Rows)
		added += n
		metrics.RecordUpstreamPage(instance, resource, len(page.Result.Rows), time.Since(start))
		if dup := len(page.Result.Rows) - n; dup > 0 {
			metrics.UpstreamRowsDeduplicated.WithLabelValues(resource).Add(float64(dup))
		}
		log.Debug().Int("page", pageNum).Int("rows", len(page.Result.Rows)).Int("new", n).Msg("Fetched page")

		if page.Paging == nil || page.Paging.Done() {
			break
		}
		paging = page.Paging.Next()

		if err := ctx.Err(); err != nil {
			return added, err
		}
	}

	log.Info().Int("rows", added).Msg("Finished fetching instance")
	return added, nil
}

// PageGetter is the part of API the fetcher uses.
type PageGetter interface {
	GetPage(ctx context.Context, h *Handle, resource string, r models.DateRange, paging *Paging) (*Page, error)
}
