package service

import "errors"

var (
	// ErrInvalidInput indicates a malformed request, out-of-range score or unresolvable document.
	ErrInvalidInput = errors.New("invalid input")
	// ErrSubmissionNotFound indicates a submission could not be found.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrReportNotFound indicates the submission has no stored report yet.
	ErrReportNotFound = errors.New("report not found")
	// ErrAlreadyInProgress indicates another worker already claimed the submission.
	ErrAlreadyInProgress = errors.New("analysis already in progress")
	// ErrConflict indicates a concurrent or repeated write lost to an earlier one.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState indicates the operation is not legal for the current lifecycle stage.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrRetryLimitReached indicates the submission exhausted its analysis attempts.
	ErrRetryLimitReached = errors.New("retry limit reached")
)
