package mosaic

import (
	"errors"
	"fmt"
)

// ErrNoData is returned by a RasterReader when an asset has no pixels for the
// requested window or point. It is not a failure.
var ErrNoData = errors.New("no data")

// NotFoundError indicates that a catalog location holds no document.
type NotFoundError struct {
	Location string
	Err      error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog not found at %s: %v", e.Location, e.Err)
	}
	return fmt.Sprintf("catalog not found at %s", e.Location)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// UnsupportedOperationError is returned when a write is attempted against a
// read-only store. Callers should treat it as a client error.
type UnsupportedOperationError struct {
	Store     string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s operations", e.Store, e.Operation)
}

// EmptyInputError is returned when a build would produce a catalog without assets.
type EmptyInputError struct {
	Skipped []*ExtractError
}

func (e *EmptyInputError) Error() string {
	if len(e.Skipped) > 0 {
		return fmt.Sprintf("no assets to index: all %d assets failed footprint extraction", len(e.Skipped))
	}
	return "no assets to index"
}

// TileNotFoundError indicates that no asset produced a valid pixel for a tile.
type TileNotFoundError struct {
	Z, X, Y uint32
}

func (e *TileNotFoundError) Error() string {
	return fmt.Sprintf("tile %d/%d/%d was not found", e.Z, e.X, e.Y)
}

// ReadError wraps a failure to read one asset. It never aborts a whole request.
type ReadError struct {
	Asset string
	Err   error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read %s, %v", e.Asset, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ExtractError wraps a failure to compute the footprint of one asset.
type ExtractError struct {
	Asset string
	Err   error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("failed to extract footprint of %s, %v", e.Asset, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// VersionError is returned when a catalog declares a format version this
// package cannot read.
type VersionError struct {
	Version string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported mosaicjson version %q", e.Version)
}

// IsClientError reports whether err was caused by the caller rather than by
// a fault in the service.
func IsClientError(err error) bool {
	var unsupported *UnsupportedOperationError
	var empty *EmptyInputError
	var version *VersionError
	return errors.As(err, &unsupported) || errors.As(err, &empty) || errors.As(err, &version)
}
