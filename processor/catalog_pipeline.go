package processor

import (
	"context"

	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/metrics"
	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
	"go.uber.org/zap"
)

// CatalogPipeline keeps, for every patch, the list of acquisitions the
// catalog knows about. Each run only asks for what is newer than the last
// recorded acquisition.
type CatalogPipeline struct {
	Client  CatalogClient
	Store   *storage.Store
	Query   CatalogQuery
	Workers int
	Metrics metrics.Logger
	RunID   string
}

func NewCatalogPipeline(client CatalogClient, store *storage.Store, cfg *utils.CatalogConfig, workers int, logger metrics.Logger) (*CatalogPipeline, error) {
	q := CatalogQuery{
		Collection: cfg.Collection,
		Filter:     cfg.Filter,
		Fields:     cfg.Fields,
	}
	if cfg.StartTime != "" {
		start, err := utils.ParseTime(cfg.StartTime)
		if err != nil {
			return nil, err
		}
		q.StartTime = start
	}
	return &CatalogPipeline{
		Client:  client,
		Store:   store,
		Query:   q,
		Workers: workers,
		Metrics: logger,
		RunID:   metrics.NewRunID(),
	}, nil
}

func (cp *CatalogPipeline) update(ctx context.Context, req *PatchRequest) (err error) {
	m := metrics.NewMetricsCollector(cp.Metrics, cp.RunID, utils.PipelineCatalog, req.Name)
	defer func() { m.Finish(err) }()

	p, err := LoadOrCreatePatch(cp.Store, req.Name, req.BBox)
	if err != nil {
		return err
	}
	before := len(p.Timestamps)
	if err := QueryCatalog(ctx, p, cp.Client, cp.Query); err != nil {
		return err
	}
	m.StageDone("query")

	log.Debug("CatalogPipeline: new acquisitions", zap.String("patch", req.Name), zap.Int("count", len(p.Timestamps)-before))
	if err := cp.Store.Save(req.Name, p, storage.OverwritePatch); err != nil {
		return err
	}
	m.StageDone("save")
	return nil
}

func (cp *CatalogPipeline) Run(ctx context.Context, reqs []*PatchRequest) (finished, failed []string) {
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Name
	}
	finished, failed = forEachPatch(ctx, "CatalogPipeline", cp.Workers, names, func(ctx context.Context, i int) error {
		return cp.update(ctx, reqs[i])
	})
	log.Info("CatalogPipeline: done", zap.Int("finished", len(finished)), zap.Int("failed", len(failed)))
	return finished, failed
}
