package service

import "errors"

// Lifecycle errors. HTTP and CLI boundaries map these with errors.Is.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidAllowList = errors.New("invalid ip allow-list")
	ErrOwnerInactive    = errors.New("owner missing or inactive")
	ErrKeyLimitExceeded = errors.New("owner key limit exceeded")
	ErrKeyNotFound      = errors.New("api key not found for owner")
	ErrAlreadyRevoked   = errors.New("api key already revoked")
	ErrOwnerExists      = errors.New("owner already exists")
)
