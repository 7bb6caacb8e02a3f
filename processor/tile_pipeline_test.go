package processor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/nci/gridjoin/metrics"
	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memMetrics struct {
	sync.Mutex
	records []*metrics.MetricsInfo
}

func (l *memMetrics) Log(info *metrics.MetricsInfo) {
	l.Lock()
	defer l.Unlock()
	l.records = append(l.records, info)
}

func (l *memMetrics) byPatch() map[string]*metrics.MetricsInfo {
	l.Lock()
	defer l.Unlock()
	out := map[string]*metrics.MetricsInfo{}
	for _, r := range l.records {
		out[r.Patch] = r
	}
	return out
}

// mapSource serves tiles from memory after a random delay.
type mapSource struct {
	tiles map[string]*utils.Patch
}

func (s *mapSource) Fetch(ctx context.Context, req *TileRequest) (*utils.Patch, error) {
	time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	p, ok := s.tiles[path.Join(req.Patch, req.TileName())]
	if !ok {
		return nil, storage.ErrPatchNotFound
	}
	return p, nil
}

func testRequest(t *testing.T, name string, rows, columns int) *PatchRequest {
	t.Helper()
	bbox, err := utils.NewBBox(500000, 4000000, 500000+float64(columns)*1280, 4000000+float64(rows)*1280, "EPSG:32633")
	require.NoError(t, err)
	return &PatchRequest{
		Name: name,
		BBox: bbox,
		TimeInterval: TimeInterval{
			Start: time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestSplitPatchRequest(t *testing.T) {
	req := testRequest(t, "eopatch-0", 2, 3)
	tiles, err := SplitPatchRequest(req, 2, 3)
	require.NoError(t, err)
	require.Len(t, tiles, 6)

	var names []string
	for i, tile := range tiles {
		names = append(names, tile.TileName())
		assert.Equal(t, "eopatch-0", tile.Patch)
		assert.Equal(t, req.TimeInterval, tile.TimeInterval)
		assert.Equal(t, i/2, tile.Column)
		assert.Equal(t, i%2, tile.Row)
		assert.InDelta(t, 1280, tile.BBox.Width(), 1e-9)
		assert.InDelta(t, 1280, tile.BBox.Height(), 1e-9)
	}
	assert.Equal(t, []string{"0_0", "0_1", "1_0", "1_1", "2_0", "2_1"}, names)
	// rows count from the south
	assert.Equal(t, req.BBox.MinY, tiles[0].BBox.MinY)
	assert.Equal(t, req.BBox.MaxY, tiles[1].BBox.MaxY)

	_, err = SplitPatchRequest(&PatchRequest{Name: "no-bbox"}, 2, 2)
	assert.ErrorIs(t, err, ErrMissingBBox)

	_, err = SplitPatchRequest(req, 0, 2)
	assert.ErrorIs(t, err, utils.ErrInvalidGrid)
}

func TestTileSplitterStage(t *testing.T) {
	errChan := make(chan error, 1)
	s := NewTileSplitter(context.Background(), 2, 2, errChan)
	go s.Run()

	s.In <- testRequest(t, "a", 2, 2)
	s.In <- testRequest(t, "b", 2, 2)
	close(s.In)

	var groups []*TileGroup
	for g := range s.Out {
		groups = append(groups, g)
	}
	require.Len(t, groups, 2)
	assert.Equal(t, "a", groups[0].Request.Name)
	assert.Len(t, groups[1].Tiles, 4)
	assert.Empty(t, errChan)
}

func TestTileSplitterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errChan := make(chan error, 1)
	s := NewTileSplitter(ctx, 2, 2, errChan)
	s.In <- testRequest(t, "a", 2, 2)
	close(s.In)
	s.Run()

	assert.Error(t, <-errChan)
	_, open := <-s.Out
	assert.False(t, open)
}

func TestTileFetcherKeepsOrder(t *testing.T) {
	req := testRequest(t, "eopatch-0", 3, 3)
	tiles, err := SplitPatchRequest(req, 3, 3)
	require.NoError(t, err)

	src := &mapSource{tiles: map[string]*utils.Patch{}}
	for _, tile := range tiles {
		src.tiles[path.Join(tile.Patch, tile.TileName())] = utils.NewPatch(tile.BBox)
	}

	f := NewTileFetcher(context.Background(), src, 4, make(chan error, 1))
	group := &TileGroup{Request: req, Tiles: tiles}
	require.NoError(t, f.FetchGroup(group))
	require.Len(t, group.Patches, len(tiles))
	for i, p := range group.Patches {
		assert.Equal(t, tiles[i].BBox, p.BBox)
	}

	delete(src.tiles, "eopatch-0/1_2")
	group = &TileGroup{Request: req, Tiles: tiles}
	err = f.FetchGroup(group)
	assert.ErrorIs(t, err, storage.ErrPatchNotFound)
	assert.Contains(t, err.Error(), "1_2")
	assert.Nil(t, group.Patches)
}

func TestFolderSource(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	req := testRequest(t, "eopatch-0", 1, 2)
	tiles, err := SplitPatchRequest(req, 1, 2)
	require.NoError(t, err)

	p := utils.NewPatch(tiles[1].BBox)
	a, err := utils.FromSlice([]int{1, 2, 2, 1}, []uint16{1, 2, 3, 4})
	setArray(t, p, bandsKey, a, err)
	dem, err := utils.FromSlice([]int{2, 2, 1}, []float32{5, 6, 7, 8})
	setArray(t, p, demKey, dem, err)
	require.NoError(t, store.Save("eopatch-0/1_0", p, storage.AddOnly))

	src := NewFolderSource(store, bandsKey)
	fetched, err := src.Fetch(context.Background(), tiles[1])
	require.NoError(t, err)
	assert.Equal(t, tiles[1].BBox, fetched.BBox)
	assert.True(t, a.Equal(fetched.Arrays[bandsKey]))
	assert.NotContains(t, fetched.Arrays, demKey)

	_, err = src.Fetch(context.Background(), tiles[0])
	assert.ErrorIs(t, err, storage.ErrPatchNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Fetch(ctx, tiles[1])
	assert.ErrorIs(t, err, context.Canceled)
}

// prefetch stores the tiles of a rows x columns patch the way FolderSource
// expects them and returns the full raster they were cut from.
func prefetch(t *testing.T, store *storage.Store, name string, rows, columns int, timestamps []time.Time) *utils.Array {
	t.Helper()
	shape := []int{len(timestamps), 2 * rows, 2 * columns, 1}
	full := make([]uint16, shape[0]*shape[1]*shape[2]*shape[3])
	for i := range full {
		full[i] = uint16(1000 + i)
	}
	for i, p := range splitRaster(t, full, shape, rows, columns) {
		p.Timestamps = timestamps
		tile := &TileRequest{Patch: name, Column: i / rows, Row: i % rows}
		require.NoError(t, store.Save(path.Join(name, tile.TileName()), p, storage.AddOnly))
	}
	a, err := utils.FromSlice(shape, full)
	require.NoError(t, err)
	return a
}

func TestDownloadPipeline(t *testing.T) {
	tileStore, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	output, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	timestamps := []time.Time{
		time.Date(2019, 6, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2019, 6, 6, 10, 0, 0, 0, time.UTC),
	}
	full := prefetch(t, tileStore, "eopatch-0", 2, 2, timestamps)
	prefetch(t, tileStore, "eopatch-1", 2, 2, timestamps)
	require.NoError(t, tileStore.Delete("eopatch-1/1_1"))

	cfg := &utils.DownloadConfig{
		Grid:             utils.GridConfig{Rows: 2, Columns: 2},
		DataFeature:      "BANDS",
		RescaleFactor:    0.0001,
		ThreadsPerWorker: 2,
		Overwrite:        "overwrite_patch",
	}
	logger := &memMetrics{}
	dp, err := NewDownloadPipeline(NewFolderSource(tileStore), output, cfg, 2, logger)
	require.NoError(t, err)

	reqs := []*PatchRequest{testRequest(t, "eopatch-0", 2, 2), testRequest(t, "eopatch-1", 2, 2)}
	finished, failed := dp.Run(context.Background(), reqs)
	assert.Equal(t, []string{"eopatch-0"}, finished)
	assert.Equal(t, []string{"eopatch-1"}, failed)
	assert.False(t, output.Exists("eopatch-1"))

	saved, err := output.Load("eopatch-0")
	require.NoError(t, err)
	assert.Equal(t, reqs[0].BBox, saved.BBox)
	assert.Equal(t, timestamps, saved.Timestamps)

	bands := saved.Arrays[bandsKey]
	require.NotNil(t, bands)
	assert.Equal(t, utils.Float32, bands.DType)
	assert.Equal(t, full.Shape, bands.Shape)
	expected := full.Float64s()
	for i, v := range bands.Float64s() {
		require.InDelta(t, expected[i]*0.0001, v, 1e-6)
	}

	records := logger.byPatch()
	require.Len(t, records, 2)
	assert.Equal(t, metrics.StatusFinished, records["eopatch-0"].Status)
	assert.Equal(t, 4, records["eopatch-0"].NumTiles)
	assert.Equal(t, int64(len(full.Data)), records["eopatch-0"].BytesJoined)
	var stages []string
	for _, s := range records["eopatch-0"].Stages {
		stages = append(stages, s.Name)
	}
	assert.Equal(t, []string{"join", "rescale", "save"}, stages)
	assert.Equal(t, metrics.StatusFailed, records["eopatch-1"].Status)
	assert.Contains(t, records["eopatch-1"].Error, "1_1")
}

func TestDownloadPipelineConfig(t *testing.T) {
	output, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewDownloadPipeline(&mapSource{}, output, &utils.DownloadConfig{Grid: utils.GridConfig{Rows: 0, Columns: 2}}, 1, nil)
	assert.ErrorIs(t, err, utils.ErrInvalidGrid)

	_, err = NewDownloadPipeline(&mapSource{}, output, &utils.DownloadConfig{Grid: utils.GridConfig{Rows: 1, Columns: 2}, Overwrite: "sometimes"}, 1, nil)
	assert.Error(t, err)

	dp, err := NewDownloadPipeline(&mapSource{}, output, &utils.DownloadConfig{Grid: utils.GridConfig{Rows: 1, Columns: 2}, DataFeature: "BANDS", Overwrite: "add_only"}, 1, nil)
	require.NoError(t, err)
	assert.Nil(t, dp.Rescale)
	assert.Equal(t, storage.AddOnly, dp.Overwrite)
}

func TestForEachPatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	finished, failed := forEachPatch(ctx, "Test", 1, []string{"b", "a"}, func(ctx context.Context, i int) error {
		return nil
	})
	assert.Empty(t, finished)
	assert.Equal(t, []string{"a", "b"}, failed)
}

func TestForEachPatchFailures(t *testing.T) {
	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("eopatch-%02d", i)
	}
	finished, failed := forEachPatch(context.Background(), "Test", 4, names, func(ctx context.Context, i int) error {
		if i%5 == 0 {
			return errors.New("boom")
		}
		return nil
	})
	assert.Len(t, finished, 16)
	assert.Equal(t, []string{"eopatch-00", "eopatch-05", "eopatch-10", "eopatch-15"}, failed)
}
