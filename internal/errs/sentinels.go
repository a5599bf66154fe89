// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the caller is temporarily blocked.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., a second active identity).
	ErrAlreadyExists = errors.New("already exists")

	// ErrLeaseLost indicates the job is no longer claimed by the calling worker.
	ErrLeaseLost = errors.New("job lease lost")
)

// Sync engine taxonomy.
var (
	// ErrCandidateFetch aborts a scheduler run: nothing can be scheduled without candidates.
	ErrCandidateFetch = errors.New("candidate fetch failed")

	// ErrPerCaseUpdate marks a single case due-date write failure; the batch continues.
	ErrPerCaseUpdate = errors.New("per-case update failed")

	// ErrCaptchaUnreadable means OCR produced no submittable answer.
	ErrCaptchaUnreadable = errors.New("captcha unreadable")

	// ErrCaptchaRejected means the portal refused the submitted answer.
	ErrCaptchaRejected = errors.New("captcha rejected by portal")

	// ErrTokenInvalid means the portal no longer accepts the case token.
	ErrTokenInvalid = errors.New("case token invalid")

	// ErrIdentityExpired means the browser identity must be re-acquired.
	ErrIdentityExpired = errors.New("browser identity expired")

	// ErrNoResults means the portal found no case for the submitted fields.
	ErrNoResults = errors.New("no results")

	// ErrPortal is a generic business-level rejection from the portal.
	ErrPortal = errors.New("portal error")

	// ErrCircuitOpen means portal calls are suspended by the circuit breaker.
	ErrCircuitOpen = errors.New("portal circuit open")
)
