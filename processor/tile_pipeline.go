package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/metrics"
	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
	"go.uber.org/zap"
)

// forEachPatch runs fn for every name with at most workers running at once.
// Failures are logged and reported, they never stop the other patches.
func forEachPatch(ctx context.Context, component string, workers int, names []string, fn func(ctx context.Context, i int) error) (finished, failed []string) {
	limiter := NewConcLimiter(workers)
	var mu sync.Mutex
	for i, name := range names {
		if err := limiter.IncreaseContext(ctx); err != nil {
			mu.Lock()
			failed = append(failed, names[i:]...)
			mu.Unlock()
			log.Error(component+": context has been cancel", zap.Error(err))
			break
		}
		go func(i int, name string) {
			defer limiter.Decrease()
			err := fn(ctx, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error(component+": patch failed", zap.String("patch", name), zap.Error(err))
				failed = append(failed, name)
				return
			}
			finished = append(finished, name)
		}(i, name)
	}
	limiter.Wait()

	sort.Strings(finished)
	sort.Strings(failed)
	return finished, failed
}

// DownloadPipeline fetches every patch as a grid of tiles, joins them, and
// saves the result.
type DownloadPipeline struct {
	Source         PatchSource
	Output         *storage.Store
	Joiner         *GridJoiner
	DataFeature    utils.FeatureKey
	Rescale        *utils.LinearFunction
	Overwrite      storage.OverwritePermission
	Workers        int
	FetchConcLimit int
	Metrics        metrics.Logger
	RunID          string
}

func NewDownloadPipeline(source PatchSource, output *storage.Store, cfg *utils.DownloadConfig, workers int, logger metrics.Logger) (*DownloadPipeline, error) {
	joiner, err := NewGridJoiner(cfg.Grid.Rows, cfg.Grid.Columns)
	if err != nil {
		return nil, err
	}
	perm, err := storage.ParseOverwritePermission(cfg.Overwrite)
	if err != nil {
		return nil, err
	}
	dp := &DownloadPipeline{
		Source:         source,
		Output:         output,
		Joiner:         joiner,
		DataFeature:    utils.NewFeatureKey(utils.FeatureData, cfg.DataFeature),
		Overwrite:      perm,
		Workers:        workers,
		FetchConcLimit: cfg.ThreadsPerWorker,
		Metrics:        logger,
		RunID:          metrics.NewRunID(),
	}
	if cfg.RescaleFactor != 0 {
		dp.Rescale = &utils.LinearFunction{Slope: cfg.RescaleFactor, DType: cfg.RescaleDType}
	}
	return dp, nil
}

// Process runs the splitter, fetcher and stitcher stages for one patch.
func (dp *DownloadPipeline) Process(ctx context.Context, req *PatchRequest) (*utils.Patch, error) {
	errChan := make(chan error, 3)

	s := NewTileSplitter(ctx, dp.Joiner.Rows, dp.Joiner.Columns, errChan)
	f := NewTileFetcher(ctx, dp.Source, dp.FetchConcLimit, errChan)
	j := NewPatchStitcher(dp.Joiner, errChan)
	f.In = s.Out

	go func() {
		s.In <- req
		close(s.In)
	}()
	go func() {
		defer close(j.In)
		for group := range f.Out {
			j.In <- group.Patches
		}
	}()

	go s.Run()
	go f.Run()
	go j.Run()

	var joined *utils.Patch
	for p := range j.Out {
		joined = p
	}
	select {
	case err := <-errChan:
		return nil, err
	default:
	}
	if joined == nil {
		return nil, fmt.Errorf("patch %s: no tiles joined", req.Name)
	}
	return joined, nil
}

func (dp *DownloadPipeline) processAndSave(ctx context.Context, req *PatchRequest) (err error) {
	m := metrics.NewMetricsCollector(dp.Metrics, dp.RunID, utils.PipelineDownload, req.Name)
	m.Info.NumTiles = dp.Joiner.Rows * dp.Joiner.Columns
	defer func() { m.Finish(err) }()

	joined, err := dp.Process(ctx, req)
	if err != nil {
		return err
	}
	m.StageDone("join")
	if a, ok := joined.Arrays[dp.DataFeature]; ok {
		m.Info.BytesJoined = int64(len(a.Data))
	}

	if dp.Rescale != nil {
		if err := dp.Rescale.Rescale(joined, dp.DataFeature); err != nil {
			return err
		}
		m.StageDone("rescale")
	}

	if err := dp.Output.Save(req.Name, joined, dp.Overwrite); err != nil {
		return err
	}
	m.StageDone("save")
	return nil
}

// Run processes every request and returns the names of the patches that
// were saved and of those that failed.
func (dp *DownloadPipeline) Run(ctx context.Context, reqs []*PatchRequest) (finished, failed []string) {
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Name
	}
	log.Info("DownloadPipeline: starting", zap.String("run", dp.RunID), zap.Int("patches", len(reqs)),
		zap.Int("rows", dp.Joiner.Rows), zap.Int("columns", dp.Joiner.Columns))

	finished, failed = forEachPatch(ctx, "DownloadPipeline", dp.Workers, names, func(ctx context.Context, i int) error {
		return dp.processAndSave(ctx, reqs[i])
	})

	log.Info("DownloadPipeline: done", zap.Int("finished", len(finished)), zap.Int("failed", len(failed)))
	return finished, failed
}
