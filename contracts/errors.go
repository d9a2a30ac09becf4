package contracts

import (
	"errors"
)

var (
	ErrInvalidEnvelope      = errors.New("contracts: invalid envelope")
	ErrMissingCorrelationID = errors.New("contracts: reply missing correlation ID")
	ErrInvalidCorrelationID = errors.New("contracts: reply has unparseable correlation ID")

	// Request validation
	ErrMissingUserID     = errors.New("contracts: user ID is required")
	ErrSelfReference     = errors.New("contracts: a user cannot target themself")
	ErrConflictingAnswer = errors.New("contracts: a friend request cannot be both accepted and rejected")
)
