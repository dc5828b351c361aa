// Package quotes fetches the covered-call offers published by the venue.
// The venue payload is semi-structured; the tolerant field mapping lives
// here so pricing only ever sees clean numbers.
package quotes

import (
	"context"
	"errors"

	"yieldflow/internal/model"
)

// ErrNoData is returned when the venue responded but published no offers
// for the asset. Callers treat this differently from a transport failure.
var ErrNoData = errors.New("no quote data available")

// Source lists the venue's current covered-call offers for an asset.
type Source interface {
	Fetch(ctx context.Context, asset model.Asset) ([]model.StrikeQuote, error)
}
