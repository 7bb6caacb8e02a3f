package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/storage"
	"go.uber.org/zap"
)

// naive drops the zone so that timestamps with and without one compare by
// their wall clock, the way the catalog reports them.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// CalculateTimePeriod returns the first and last available timestamps newer
// than every existing one.
func CalculateTimePeriod(existing, available []time.Time) (time.Time, time.Time, error) {
	var newest time.Time
	hasExisting := false
	for _, ts := range existing {
		if n := naive(ts); !hasExisting || n.After(newest) {
			newest = n
			hasExisting = true
		}
	}

	var start, end time.Time
	found := false
	for _, ts := range available {
		if hasExisting && !naive(ts).After(newest) {
			continue
		}
		if !found || naive(ts).Before(naive(start)) {
			start = ts
		}
		if !found || naive(ts).After(naive(end)) {
			end = ts
		}
		found = true
	}
	if !found {
		return time.Time{}, time.Time{}, ErrNoNewTimestamps
	}
	return start, end, nil
}

// FilterNewTimePeriods keeps the requests whose catalog patch lists
// acquisitions newer than the already downloaded patch, and narrows their
// time interval to those acquisitions.
func FilterNewTimePeriods(reqs []*PatchRequest, catalog, existing *storage.Store) ([]*PatchRequest, error) {
	var out []*PatchRequest
	for _, req := range reqs {
		available, err := catalog.Load(req.Name)
		if err != nil {
			return nil, fmt.Errorf("catalog patch %s: %w", req.Name, err)
		}

		var existingTimestamps []time.Time
		if existing.Exists(req.Name) {
			p, err := existing.Load(req.Name)
			if err != nil {
				return nil, err
			}
			existingTimestamps = p.Timestamps
		}

		start, end, err := CalculateTimePeriod(existingTimestamps, available.Timestamps)
		if errors.Is(err, ErrNoNewTimestamps) {
			log.Info("FilterNewTimePeriods: nothing new", zap.String("patch", req.Name))
			continue
		}
		if err != nil {
			return nil, err
		}
		narrowed := *req
		narrowed.TimeInterval = TimeInterval{Start: start, End: end}
		out = append(out, &narrowed)
	}
	return out, nil
}
