package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/nci/gridjoin/log"
	"go.uber.org/zap"
)

type TileSplitter struct {
	Context context.Context
	In      chan *PatchRequest
	Out     chan *TileGroup
	Error   chan error
	Rows    int
	Columns int
}

func NewTileSplitter(ctx context.Context, rows, columns int, errChan chan error) *TileSplitter {
	return &TileSplitter{
		Context: ctx,
		In:      make(chan *PatchRequest, 100),
		Out:     make(chan *TileGroup, 100),
		Error:   errChan,
		Rows:    rows,
		Columns: columns,
	}
}

func (s *TileSplitter) Run() {
	defer close(s.Out)
	start := time.Now()
	for req := range s.In {
		select {
		case <-s.Context.Done():
			s.Error <- fmt.Errorf("Tile splitter context has been cancel: %v", s.Context.Err())
			return
		default:
			tiles, err := SplitPatchRequest(req, s.Rows, s.Columns)
			if err != nil {
				s.Error <- err
				return
			}
			s.Out <- &TileGroup{Request: req, Tiles: tiles}
		}
	}
	log.Debug("TileSplitter: done", zap.Duration("elapsed", time.Since(start)))
}

// SplitPatchRequest partitions the request bbox into rows x columns tiles.
// Tiles are ordered column by column, each column south to north, which is
// the order the joiner expects.
func SplitPatchRequest(req *PatchRequest, rows, columns int) ([]*TileRequest, error) {
	if req.BBox == nil {
		return nil, fmt.Errorf("%w: request %s", ErrMissingBBox, req.Name)
	}
	parts, err := req.BBox.Partition(columns, rows)
	if err != nil {
		return nil, err
	}

	out := make([]*TileRequest, 0, rows*columns)
	for column, sub := range parts {
		for row, bbox := range sub {
			out = append(out, &TileRequest{
				Patch:        req.Name,
				Column:       column,
				Row:          row,
				BBox:         bbox,
				TimeInterval: req.TimeInterval,
			})
		}
	}
	return out, nil
}
