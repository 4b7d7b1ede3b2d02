package consts

import "errors"

var (
	ErrScanningDisabled = errors.New("anti-virus scanning is disabled")
	ErrFileTooLarge     = errors.New("content exceeds maximum scannable size")
	ErrLockTimeout      = errors.New("timeout waiting for scan lock")
	ErrNoDataSource     = errors.New("no data source provided")
	ErrInternalError    = errors.New("internal error")

	ErrOptionsUnavailable = errors.New("icap server options unavailable")
	ErrProtocolViolation  = errors.New("icap protocol violation")

	ErrObjectNotFound = errors.New("object not found")
)
