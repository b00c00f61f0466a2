package domain

import "errors"

var (
	ErrSecretNotFound = errors.New("secret not found")

	ErrInvalidCredential     = errors.New("invalid credential")
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrIdentityInactive      = errors.New("identity is inactive")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionAlreadyStarted = errors.New("session already started")
	ErrSessionTerminated     = errors.New("session already terminated")
	ErrNoTaskSelected        = errors.New("no task selected")
	ErrQuestNotFound         = errors.New("quest not found")
	ErrQuestCompleted        = errors.New("quest already completed")
	ErrCapacityReached       = errors.New("global capacity reached")
	ErrNoWorkerAvailable     = errors.New("no worker available")
	ErrUnauthorized          = errors.New("credential rejected")
	ErrRateLimited           = errors.New("rate limited")
)
