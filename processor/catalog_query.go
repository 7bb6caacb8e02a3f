package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
)

const RawResultsKey = "RAW_RESULTS"

// CatalogClient searches a data collection for acquisitions over a bbox.
// Every result carries at least properties.datetime.
type CatalogClient interface {
	Search(ctx context.Context, collection string, bbox *utils.BBox, start, end time.Time, filter string, fields []string) ([]map[string]interface{}, error)
}

type CatalogQuery struct {
	Collection string
	Filter     string
	Fields     []string
	StartTime  time.Time
	// Now ends every search interval; time.Now when nil.
	Now func() time.Time
}

// ResultTime reads properties.datetime of a catalog result.
func ResultTime(result map[string]interface{}) (time.Time, error) {
	props, ok := result["properties"].(map[string]interface{})
	if !ok {
		return time.Time{}, fmt.Errorf("catalog result %v has no properties", result["id"])
	}
	raw, ok := props["datetime"].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("catalog result %v has no datetime", result["id"])
	}
	return utils.ParseTime(raw)
}

// QueryCatalog appends the acquisitions found since the last timestamp of p
// (or q.StartTime for an empty patch) to its timestamps, and the raw
// results to its RAW_RESULTS meta info.
func QueryCatalog(ctx context.Context, p *utils.Patch, client CatalogClient, q CatalogQuery) error {
	if p.BBox == nil {
		return ErrMissingBBox
	}
	start := q.StartTime
	var last time.Time
	if n := len(p.Timestamps); n > 0 {
		last = p.Timestamps[n-1]
		start = last
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}

	results, err := client.Search(ctx, q.Collection, p.BBox, start, now(), q.Filter, q.Fields)
	if err != nil {
		return err
	}

	var raw []interface{}
	if existing, ok := p.MetaInfo[RawResultsKey].([]interface{}); ok {
		raw = existing
	}
	for _, r := range results {
		ts, err := ResultTime(r)
		if err != nil {
			return err
		}
		// the search interval is inclusive, the last acquisition is already known
		if !last.IsZero() && !naive(ts).After(naive(last)) {
			continue
		}
		p.Timestamps = append(p.Timestamps, ts)
		raw = append(raw, r)
	}
	p.MetaInfo[RawResultsKey] = raw
	return nil
}

// LoadOrCreatePatch loads the saved patch called name, or starts an empty
// one over bbox if there is none yet.
func LoadOrCreatePatch(store *storage.Store, name string, bbox *utils.BBox) (*utils.Patch, error) {
	p, err := store.Load(name)
	if errors.Is(err, storage.ErrPatchNotFound) {
		return utils.NewPatch(bbox.Clone()), nil
	}
	return p, err
}
