package loans

import "errors"

var (
	// ErrInvalidReference is returned when the student, book or settings
	// record an operation refers to does not exist
	ErrInvalidReference = errors.New("invalid student, book, or settings reference")

	// ErrInvalidDateRange is returned when the due date is not strictly after the issue date
	ErrInvalidDateRange = errors.New("due date must be after issue date")

	// ErrStudentNotEligible is returned when the student is inactive or unverified
	ErrStudentNotEligible = errors.New("student account not active or verified")

	// ErrLoanLimitExceeded is returned when the student is at the concurrent loan limit
	ErrLoanLimitExceeded = errors.New("book limit exceeded")

	// ErrOutOfStock is returned when no copy of the book is available
	ErrOutOfStock = errors.New("book out of stock")

	// ErrLoanNotFound is returned when no loan exists for the given issue ID
	ErrLoanNotFound = errors.New("loan not found")

	// ErrLoanAlreadyReturned is returned on a second return of the same loan.
	// Returned is terminal; the first return fixed the penalty forever.
	ErrLoanAlreadyReturned = errors.New("loan already returned")

	// ErrSettingsUnavailable is returned when the policy record is absent at return time
	ErrSettingsUnavailable = errors.New("library settings unavailable")

	// ErrConcurrentModification is returned when a transaction conflict
	// persists past the internal retries. Safe for the caller to retry.
	ErrConcurrentModification = errors.New("concurrent modification, retry")
)
