package processor

import "errors"

var (
	ErrNoPatches                = errors.New("no patches to join")
	ErrPatchCount               = errors.New("unexpected number of patches")
	ErrMissingBBox              = errors.New("patch has no bounding box")
	ErrIrregularGridX           = errors.New("bounding boxes don't form a regular grid in x dimension")
	ErrIrregularGridY           = errors.New("bounding boxes don't form a regular grid in y dimension")
	ErrIrregularCoordsX         = errors.New("grid has irregular coordinates in x dimension")
	ErrIrregularCoordsY         = errors.New("grid has irregular coordinates in y dimension")
	ErrOverlappingTiles         = errors.New("patches cover the same grid cell")
	ErrInconsistentCRS          = errors.New("bounding boxes should have the same coordinate reference system")
	ErrFeatureSetMismatch       = errors.New("patches should have the same features")
	ErrShapeMismatch            = errors.New("arrays of a spatial feature should have the same shape")
	ErrDTypeMismatch            = errors.New("arrays of a spatial feature should have the same dtype")
	ErrNonSpatialMismatch       = errors.New("patches should have the same features and values of non-spatial type")
	ErrVectorJoinNotImplemented = errors.New("joining spatial vector features is not implemented")

	ErrNoNewTimestamps = errors.New("no new timestamps")
	ErrNoTimestamps    = errors.New("patch has no timestamps")
	ErrExpression      = errors.New("invalid band expression")
)
