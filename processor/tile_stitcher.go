package processor

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/google/go-cmp/cmp"
	"github.com/nci/gridjoin/utils"
)

// Meta-info values may be arbitrary structs decoded by collaborators.
var deepEqualOpts = []cmp.Option{
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// StitchPatches merges the patches of an inferred grid into a single patch.
// Raster features are placed at their grid position, every other feature must
// agree across all patches. Validation of every feature happens before any
// output is allocated.
func StitchPatches(patches []*utils.Patch, grid *Grid) (*utils.Patch, error) {
	if len(patches) != grid.Rows*grid.Columns || len(grid.Indices) != len(patches) {
		return nil, fmt.Errorf("%w: expected exactly %d * %d patches but %d received", ErrPatchCount, grid.Rows, grid.Columns, len(patches))
	}
	if len(patches) == 1 {
		return patches[0].Clone()
	}

	features := patches[0].Features()
	for i, p := range patches[1:] {
		if !slices.Equal(features, p.Features()) {
			return nil, fmt.Errorf("%w: patch %d has %v, expected %v", ErrFeatureSetMismatch, i+1, p.Features(), features)
		}
	}

	for _, key := range features {
		if err := checkFeature(patches, key); err != nil {
			return nil, err
		}
	}

	joined := utils.NewPatch(grid.BBox.Clone())
	for _, key := range features {
		first := patches[0]
		switch {
		case key.Type == utils.FeatureBBox:
		case key.Type == utils.FeatureTimestamp:
			joined.Timestamps = append(joined.Timestamps, first.Timestamps...)
		case key.Type == utils.FeatureMetaInfo:
			v, err := utils.CloneValue(first.MetaInfo[key.Name])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			joined.MetaInfo[key.Name] = v
		case key.Type.IsRaster():
			arrays := make([]*utils.Array, len(patches))
			for i, p := range patches {
				arrays[i] = p.Arrays[key]
			}
			joined.Arrays[key] = joinSpatialArrays(arrays, grid)
		default:
			joined.Arrays[key] = first.Arrays[key].Clone()
		}
	}
	return joined, nil
}

func checkFeature(patches []*utils.Patch, key utils.FeatureKey) error {
	switch {
	case key.Type == utils.FeatureBBox:
		return nil
	case key.Type.IsVector():
		return fmt.Errorf("%w: %s", ErrVectorJoinNotImplemented, key)
	case key.Type.IsRaster():
		for i, p := range patches {
			if err := p.Arrays[key].Validate(); err != nil {
				return fmt.Errorf("%s of patch %d: %w", key, i, err)
			}
		}
		first := patches[0].Arrays[key]
		if first.NDim() < 3 {
			return fmt.Errorf("%w: %s has shape %v", utils.ErrFeatureRank, key, first.Shape)
		}
		for i, p := range patches[1:] {
			a := p.Arrays[key]
			if !a.SameShape(first) {
				return fmt.Errorf("%w: %s of patch %d has shape %v, expected %v", ErrShapeMismatch, key, i+1, a.Shape, first.Shape)
			}
			if a.DType != first.DType {
				return fmt.Errorf("%w: %s of patch %d has dtype %s, expected %s", ErrDTypeMismatch, key, i+1, a.DType, first.DType)
			}
		}
		return nil
	}

	if key.Type.IsArray() {
		for i, p := range patches {
			if err := p.Arrays[key].Validate(); err != nil {
				return fmt.Errorf("%s of patch %d: %w", key, i, err)
			}
		}
	}

	expected := nonSpatialValue(patches[0], key)
	for i, p := range patches[1:] {
		if !cmp.Equal(expected, nonSpatialValue(p, key), deepEqualOpts...) {
			return fmt.Errorf("%w %s: patch %d differs", ErrNonSpatialMismatch, key, i+1)
		}
	}
	return nil
}

func nonSpatialValue(p *utils.Patch, key utils.FeatureKey) interface{} {
	switch key.Type {
	case utils.FeatureTimestamp:
		return p.Timestamps
	case utils.FeatureMetaInfo:
		return p.MetaInfo[key.Name]
	}
	return p.Arrays[key]
}

// joinSpatialArrays copies every tile into its block of a new array. Arrays
// are (height, width, channels) or (time, height, width, channels); row 0
// of the output is the northmost row, so grid rows are flipped.
func joinSpatialArrays(arrays []*utils.Array, grid *Grid) *utils.Array {
	shape := arrays[0].Shape
	n := len(shape)
	height, width, channels := shape[n-3], shape[n-2], shape[n-1]
	lead := 1
	for _, s := range shape[:n-3] {
		lead *= s
	}

	joinedShape := append([]int(nil), shape...)
	joinedShape[n-3] = grid.Rows * height
	joinedShape[n-2] = grid.Columns * width
	joined := &utils.Array{
		DType: arrays[0].DType,
		Shape: joinedShape,
		Data:  make([]byte, len(arrays[0].Data)*len(arrays)),
	}

	elemSize := arrays[0].DType.Size()
	rowBytes := width * channels * elemSize
	joinedWidth := grid.Columns * width
	joinedHeight := grid.Rows * height

	for i, a := range arrays {
		idx := grid.Indices[i]
		row := grid.Rows - 1 - idx.Row
		for t := 0; t < lead; t++ {
			for y := 0; y < height; y++ {
				src := (t*height + y) * rowBytes
				dstRow := t*joinedHeight + row*height + y
				dst := (dstRow*joinedWidth + idx.Column*width) * channels * elemSize
				copy(joined.Data[dst:dst+rowBytes], a.Data[src:src+rowBytes])
			}
		}
	}
	return joined
}

// PatchStitcher is the pipeline stage wrapping GridJoiner: every group of
// patches read from In is joined and written to Out. After the first error
// the remaining groups are drained and dropped.
type PatchStitcher struct {
	In     chan []*utils.Patch
	Out    chan *utils.Patch
	Error  chan error
	Joiner *GridJoiner
}

func NewPatchStitcher(joiner *GridJoiner, errChan chan error) *PatchStitcher {
	return &PatchStitcher{
		In:     make(chan []*utils.Patch, 100),
		Out:    make(chan *utils.Patch, 100),
		Error:  errChan,
		Joiner: joiner,
	}
}

func (stch *PatchStitcher) Run() {
	defer close(stch.Out)
	for group := range stch.In {
		joined, err := stch.Joiner.Join(group...)
		if err != nil {
			stch.Error <- err
			for range stch.In {
			}
			return
		}
		stch.Out <- joined
	}
}
