package processor

import (
	"fmt"

	"github.com/nci/gridjoin/utils"
)

// GridJoiner joins patches whose bounding boxes form a regular grid of the
// configured shape into a single patch.
//
// Overlapping tiles and grids with missing members are rejected, not merged.
type GridJoiner struct {
	Rows    int
	Columns int
}

func NewGridJoiner(rows, columns int) (*GridJoiner, error) {
	if rows <= 0 || columns <= 0 {
		return nil, fmt.Errorf("%w: %d rows x %d columns", utils.ErrInvalidGrid, rows, columns)
	}
	return &GridJoiner{Rows: rows, Columns: columns}, nil
}

func (j *GridJoiner) Join(patches ...*utils.Patch) (*utils.Patch, error) {
	if len(patches) != j.Rows*j.Columns {
		return nil, fmt.Errorf("%w: expected exactly %d * %d patches but %d received", ErrPatchCount, j.Rows, j.Columns, len(patches))
	}
	if len(patches) == 1 {
		return patches[0].Clone()
	}

	grid, err := InferGrid(patches, j.Rows, j.Columns)
	if err != nil {
		return nil, err
	}
	return StitchPatches(patches, grid)
}
