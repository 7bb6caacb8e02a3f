package processor

import (
	"fmt"
	"sort"

	"github.com/nci/gridjoin/utils"
)

// GridIndex locates a patch in a regular grid. Both indices count from the
// lower left corner: columns grow eastward, rows northward.
type GridIndex struct {
	Column int
	Row    int
}

// Grid is the layout inferred from a set of patch bounding boxes.
type Grid struct {
	Rows    int
	Columns int
	// Indices is aligned with the patches the grid was inferred from.
	Indices []GridIndex
	// BBox covers the union of all patches.
	BBox *utils.BBox
}

// boundaryIndex maps every distinct boundary value to its rank.
func boundaryIndex(values map[float64]struct{}) (map[float64]int, []float64) {
	sorted := make([]float64, 0, len(values))
	for v := range values {
		sorted = append(sorted, v)
	}
	sort.Float64s(sorted)

	index := make(map[float64]int, len(sorted))
	for i, v := range sorted {
		index[v] = i
	}
	return index, sorted
}

// InferGrid checks that the patch bounding boxes tile a gapless
// rows x columns grid and places every patch in it.
func InferGrid(patches []*utils.Patch, rows, columns int) (*Grid, error) {
	if len(patches) == 0 {
		return nil, ErrNoPatches
	}
	if rows <= 0 || columns <= 0 {
		return nil, fmt.Errorf("%w: %d rows x %d columns", utils.ErrInvalidGrid, rows, columns)
	}
	if len(patches) != rows*columns {
		return nil, fmt.Errorf("%w: expected exactly %d * %d patches but %d received", ErrPatchCount, rows, columns, len(patches))
	}

	coordsX := map[float64]struct{}{}
	coordsY := map[float64]struct{}{}
	for i, p := range patches {
		if p.BBox == nil {
			return nil, fmt.Errorf("%w: patch %d", ErrMissingBBox, i)
		}
		if err := p.BBox.Validate(); err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		coordsX[p.BBox.MinX] = struct{}{}
		coordsX[p.BBox.MaxX] = struct{}{}
		coordsY[p.BBox.MinY] = struct{}{}
		coordsY[p.BBox.MaxY] = struct{}{}
	}

	xIndex, xs := boundaryIndex(coordsX)
	if len(xIndex) != columns+1 {
		return nil, fmt.Errorf("%w: %d distinct boundaries for %d columns", ErrIrregularGridX, len(xIndex), columns)
	}
	yIndex, ys := boundaryIndex(coordsY)
	if len(yIndex) != rows+1 {
		return nil, fmt.Errorf("%w: %d distinct boundaries for %d rows", ErrIrregularGridY, len(yIndex), rows)
	}

	indices := make([]GridIndex, len(patches))
	taken := make(map[GridIndex]int, len(patches))
	for i, p := range patches {
		ix := xIndex[p.BBox.MinX]
		if xIndex[p.BBox.MaxX] != ix+1 {
			return nil, fmt.Errorf("%w: patch %d spans %v", ErrIrregularCoordsX, i, p.BBox)
		}
		iy := yIndex[p.BBox.MinY]
		if yIndex[p.BBox.MaxY] != iy+1 {
			return nil, fmt.Errorf("%w: patch %d spans %v", ErrIrregularCoordsY, i, p.BBox)
		}
		idx := GridIndex{Column: ix, Row: iy}
		if prev, ok := taken[idx]; ok {
			return nil, fmt.Errorf("%w: patches %d and %d both cover cell %v", ErrOverlappingTiles, prev, i, idx)
		}
		taken[idx] = i
		indices[i] = idx
	}

	crs := patches[0].BBox.CRS
	for i, p := range patches[1:] {
		if p.BBox.CRS != crs {
			return nil, fmt.Errorf("%w: patch %d has %s, expected %s", ErrInconsistentCRS, i+1, p.BBox.CRS, crs)
		}
	}

	return &Grid{
		Rows:    rows,
		Columns: columns,
		Indices: indices,
		BBox: &utils.BBox{
			MinX: xs[0],
			MinY: ys[0],
			MaxX: xs[len(xs)-1],
			MaxY: ys[len(ys)-1],
			CRS:  crs,
		},
	}, nil
}
