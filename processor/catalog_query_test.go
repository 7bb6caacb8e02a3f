package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nci/gridjoin/metrics"
	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog answers searches from a fixed list of acquisition times and
// records the intervals it was asked for.
type fakeCatalog struct {
	times    []time.Time
	err      error
	searches [][2]time.Time
}

func (c *fakeCatalog) Search(ctx context.Context, collection string, bbox *utils.BBox, start, end time.Time, filter string, fields []string) ([]map[string]interface{}, error) {
	c.searches = append(c.searches, [2]time.Time{start, end})
	if c.err != nil {
		return nil, c.err
	}
	var out []map[string]interface{}
	for _, ts := range c.times {
		if ts.Before(start) || ts.After(end) {
			continue
		}
		out = append(out, map[string]interface{}{
			"id":         collection + "_" + ts.Format("20060102"),
			"properties": map[string]interface{}{"datetime": ts.Format(time.RFC3339)},
		})
	}
	return out, nil
}

func day(d int) time.Time {
	return time.Date(2020, 6, d, 10, 30, 0, 0, time.UTC)
}

func TestCalculateTimePeriod(t *testing.T) {
	start, end, err := CalculateTimePeriod([]time.Time{day(1), day(3)}, []time.Time{day(1), day(3), day(8), day(5)})
	require.NoError(t, err)
	assert.Equal(t, day(5), start)
	assert.Equal(t, day(8), end)

	// nothing downloaded yet
	start, end, err = CalculateTimePeriod(nil, []time.Time{day(2), day(1)})
	require.NoError(t, err)
	assert.Equal(t, day(1), start)
	assert.Equal(t, day(2), end)

	_, _, err = CalculateTimePeriod([]time.Time{day(3)}, []time.Time{day(1), day(3)})
	assert.ErrorIs(t, err, ErrNoNewTimestamps)

	_, _, err = CalculateTimePeriod(nil, nil)
	assert.ErrorIs(t, err, ErrNoNewTimestamps)
}

func TestCalculateTimePeriodIgnoresZone(t *testing.T) {
	// same wall clock, different zone: not newer
	zoned := time.Date(2020, 6, 3, 10, 30, 0, 0, time.FixedZone("AEST", 10*3600))
	_, _, err := CalculateTimePeriod([]time.Time{day(3)}, []time.Time{zoned})
	assert.ErrorIs(t, err, ErrNoNewTimestamps)
}

func TestQueryCatalog(t *testing.T) {
	client := &fakeCatalog{times: []time.Time{day(1), day(6), day(11)}}
	now := day(30)
	q := CatalogQuery{Collection: "s2", StartTime: day(1).Add(-time.Hour), Now: func() time.Time { return now }}

	p := utils.NewPatch(testRequest(t, "eopatch-0", 1, 1).BBox)
	require.NoError(t, QueryCatalog(context.Background(), p, client, q))
	assert.Equal(t, []time.Time{day(1), day(6), day(11)}, p.Timestamps)
	assert.Len(t, p.MetaInfo[RawResultsKey], 3)

	// the next query starts at the last acquisition and skips it
	client.times = append(client.times, day(16))
	require.NoError(t, QueryCatalog(context.Background(), p, client, q))
	assert.Equal(t, day(11), client.searches[1][0])
	assert.Equal(t, now, client.searches[1][1])
	assert.Equal(t, []time.Time{day(1), day(6), day(11), day(16)}, p.Timestamps)
	assert.Len(t, p.MetaInfo[RawResultsKey], 4)
}

func TestQueryCatalogErrors(t *testing.T) {
	q := CatalogQuery{Collection: "s2"}
	assert.ErrorIs(t, QueryCatalog(context.Background(), utils.NewPatch(nil), &fakeCatalog{}, q), ErrMissingBBox)

	boom := errors.New("catalog unavailable")
	p := utils.NewPatch(testRequest(t, "eopatch-0", 1, 1).BBox)
	assert.ErrorIs(t, QueryCatalog(context.Background(), p, &fakeCatalog{err: boom}, q), boom)

	_, err := ResultTime(map[string]interface{}{"id": "x"})
	assert.Error(t, err)
	_, err = ResultTime(map[string]interface{}{"id": "x", "properties": map[string]interface{}{}})
	assert.Error(t, err)
	ts, err := ResultTime(map[string]interface{}{"properties": map[string]interface{}{"datetime": "2020-06-01"}})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC), ts)
}

func TestCatalogPipeline(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	client := &fakeCatalog{times: []time.Time{day(1), day(6)}}
	logger := &memMetrics{}

	cp, err := NewCatalogPipeline(client, store, &utils.CatalogConfig{Collection: "s2", StartTime: "2020-01-01"}, 2, logger)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), cp.Query.StartTime)

	reqs := []*PatchRequest{testRequest(t, "eopatch-0", 1, 1), testRequest(t, "eopatch-1", 1, 1)}
	finished, failed := cp.Run(context.Background(), reqs)
	assert.Equal(t, []string{"eopatch-0", "eopatch-1"}, finished)
	assert.Empty(t, failed)

	client.times = append(client.times, day(11))
	finished, _ = cp.Run(context.Background(), reqs[:1])
	assert.Equal(t, []string{"eopatch-0"}, finished)

	p, err := store.Load("eopatch-0")
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(1), day(6), day(11)}, p.Timestamps)
	assert.Equal(t, reqs[0].BBox, p.BBox)
	assert.Len(t, p.MetaInfo[RawResultsKey], 3)

	p, err = store.Load("eopatch-1")
	require.NoError(t, err)
	assert.Len(t, p.Timestamps, 2)

	records := logger.byPatch()
	assert.Equal(t, metrics.StatusFinished, records["eopatch-0"].Status)

	_, err = NewCatalogPipeline(client, store, &utils.CatalogConfig{StartTime: "June"}, 1, nil)
	assert.Error(t, err)
}

func TestFilterNewTimePeriods(t *testing.T) {
	catalog, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	existing, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	reqs := []*PatchRequest{testRequest(t, "eopatch-0", 1, 1), testRequest(t, "eopatch-1", 1, 1), testRequest(t, "eopatch-2", 1, 1)}
	for _, req := range reqs {
		p := utils.NewPatch(req.BBox)
		p.Timestamps = []time.Time{day(1), day(6), day(11)}
		require.NoError(t, catalog.Save(req.Name, p, storage.AddOnly))
	}
	// eopatch-0 is up to date, eopatch-1 lacks the last acquisition
	for name, ts := range map[string][]time.Time{"eopatch-0": {day(1), day(6), day(11)}, "eopatch-1": {day(1), day(6)}} {
		p := utils.NewPatch(reqs[0].BBox)
		p.Timestamps = ts
		require.NoError(t, existing.Save(name, p, storage.AddOnly))
	}

	out, err := FilterNewTimePeriods(reqs, catalog, existing)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "eopatch-1", out[0].Name)
	assert.Equal(t, TimeInterval{Start: day(11), End: day(11)}, out[0].TimeInterval)
	assert.Equal(t, "eopatch-2", out[1].Name)
	assert.Equal(t, TimeInterval{Start: day(1), End: day(11)}, out[1].TimeInterval)
	// requests are not modified in place
	assert.Equal(t, time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), reqs[1].TimeInterval.Start)

	_, err = FilterNewTimePeriods([]*PatchRequest{testRequest(t, "eopatch-9", 1, 1)}, catalog, existing)
	assert.ErrorIs(t, err, storage.ErrPatchNotFound)
}
