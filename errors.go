package snapdiff

import "errors"

var (
	ErrSnapshotNotFound  = errors.New("snapdiff: snapshot not found")
	ErrInvalidRange      = errors.New("snapdiff: start snapshot is not older than end snapshot")
	ErrObjectMapInvalid  = errors.New("snapdiff: object map invalid")
	ErrObjectQueryFailed = errors.New("snapdiff: object overlap query failed")
	ErrCallbackAborted   = errors.New("snapdiff: diff callback aborted")
)
