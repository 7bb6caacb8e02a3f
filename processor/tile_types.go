package processor

import (
	"fmt"
	"time"

	"github.com/nci/gridjoin/utils"
)

type TimeInterval struct {
	Start time.Time
	End   time.Time
}

func (ti TimeInterval) IsZero() bool {
	return ti.Start.IsZero() && ti.End.IsZero()
}

func (ti TimeInterval) String() string {
	return fmt.Sprintf("%s/%s", ti.Start.Format(time.RFC3339), ti.End.Format(time.RFC3339))
}

// PatchRequest asks for the data of one named patch of the area grid.
type PatchRequest struct {
	Name         string
	BBox         *utils.BBox
	TimeInterval TimeInterval
}

// TileRequest is one chunk of a PatchRequest, small enough to be fetched in
// a single call to a PatchSource.
type TileRequest struct {
	Patch        string
	Column, Row  int
	BBox         *utils.BBox
	TimeInterval TimeInterval
}

// TileName is the folder name of a pre-fetched chunk.
func (r *TileRequest) TileName() string {
	return fmt.Sprintf("%d_%d", r.Column, r.Row)
}

// TileGroup carries every tile of a patch, in request order once fetched.
type TileGroup struct {
	Request *PatchRequest
	Tiles   []*TileRequest
	Patches []*utils.Patch
}
