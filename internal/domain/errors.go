// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed domain validation.
var ErrValidation = errors.New("validation failed")

// ErrIllegalState indicates a run state transition that the lifecycle
// state machine does not permit from the observed current status.
var ErrIllegalState = errors.New("illegal state transition")

// ErrQuotaExceeded indicates a tenant exceeded its concurrent or monthly run quota.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrDepthExceeded indicates a child run would exceed the maximum nesting depth.
var ErrDepthExceeded = errors.New("run depth exceeded")

// ErrBotNotCompiled indicates the requested bot version has no compiled plan.
var ErrBotNotCompiled = errors.New("bot version is not compiled")

// ErrNotRetriable indicates the run is not in a state that allows a retry.
var ErrNotRetriable = errors.New("run is not retriable")

// ErrAlreadyResolved indicates the HITL request was already resolved.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// ErrActionNotAllowed indicates the HITL action is not in the request's allowed set.
var ErrActionNotAllowed = errors.New("action not allowed for this request")

// ErrForbidden indicates the acting user may not resolve this HITL request.
var ErrForbidden = errors.New("forbidden")

// ErrTransient indicates an infrastructure failure that the caller may retry.
var ErrTransient = errors.New("transient infrastructure error")
