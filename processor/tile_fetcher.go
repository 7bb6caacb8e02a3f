package processor

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/nci/gridjoin/log"
	"github.com/nci/gridjoin/storage"
	"github.com/nci/gridjoin/utils"
	"go.uber.org/zap"
)

// PatchSource provides the data of a single tile. Implementations wrap the
// download service; FolderSource reads chunks fetched ahead of time.
type PatchSource interface {
	Fetch(ctx context.Context, req *TileRequest) (*utils.Patch, error)
}

// FolderSource serves tiles saved as <root>/<patch>/<column>_<row>.
type FolderSource struct {
	Store    *storage.Store
	Features []utils.FeatureKey
}

func NewFolderSource(store *storage.Store, features ...utils.FeatureKey) *FolderSource {
	return &FolderSource{Store: store, Features: features}
}

func (fs *FolderSource) Fetch(ctx context.Context, req *TileRequest) (*utils.Patch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := path.Join(req.Patch, req.TileName())
	p, err := fs.Store.Load(name, fs.Features...)
	if err != nil {
		return nil, err
	}
	if p.BBox == nil {
		p.BBox = req.BBox.Clone()
	}
	return p, nil
}

// TileFetcher downloads the tiles of every group it receives, at most
// ConcLimit at a time, and forwards the group with Patches filled in the
// order of its tile requests.
type TileFetcher struct {
	Context   context.Context
	In        chan *TileGroup
	Out       chan *TileGroup
	Error     chan error
	Source    PatchSource
	ConcLimit int
}

func NewTileFetcher(ctx context.Context, source PatchSource, concLimit int, errChan chan error) *TileFetcher {
	return &TileFetcher{
		Context:   ctx,
		In:        make(chan *TileGroup, 100),
		Out:       make(chan *TileGroup, 100),
		Error:     errChan,
		Source:    source,
		ConcLimit: concLimit,
	}
}

func (f *TileFetcher) Run() {
	defer close(f.Out)
	for group := range f.In {
		if err := f.FetchGroup(group); err != nil {
			f.Error <- err
			return
		}
		f.Out <- group
	}
}

func (f *TileFetcher) FetchGroup(group *TileGroup) error {
	start := time.Now()
	limiter := NewConcLimiter(f.ConcLimit)
	patches := make([]*utils.Patch, len(group.Tiles))

	var mu sync.Mutex
	var firstErr error
	setErr := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for i, tile := range group.Tiles {
		if err := limiter.IncreaseContext(f.Context); err != nil {
			setErr(fmt.Errorf("Tile fetcher context has been cancel: %v", err))
			break
		}
		go func(i int, tile *TileRequest) {
			defer limiter.Decrease()
			p, err := f.Source.Fetch(f.Context, tile)
			if err != nil {
				setErr(fmt.Errorf("tile %s of %s: %w", tile.TileName(), tile.Patch, err))
				return
			}
			patches[i] = p
		}(i, tile)
	}
	limiter.Wait()

	if firstErr != nil {
		return firstErr
	}
	group.Patches = patches
	log.Debug("TileFetcher: fetched tiles",
		zap.String("patch", group.Request.Name),
		zap.Int("tiles", len(patches)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
