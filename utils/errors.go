package utils

import "errors"

var (
	ErrInvalidCRS       = errors.New("invalid coordinate reference system")
	ErrInvalidBBox      = errors.New("invalid bounding box")
	ErrInvalidGrid      = errors.New("invalid grid shape")
	ErrUnknownDType     = errors.New("unknown dtype")
	ErrUnknownFeature   = errors.New("unknown feature type")
	ErrFeatureNotFound  = errors.New("feature not found")
	ErrFeatureRank      = errors.New("array rank does not match feature type")
	ErrArraySize        = errors.New("array data does not match shape")
	ErrNotArrayFeature  = errors.New("feature type is not array valued")
	ErrNotVectorFeature = errors.New("feature type is not vector valued")
)
