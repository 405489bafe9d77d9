// Package swarmerr defines the typed error taxonomy shared by every component.
// Callers discriminate by Code via errors.Is, never by message parsing.
package swarmerr

import (
	"errors"
	"fmt"
	"time"
)

// Component names the layer an error originated in.
type Component string

const (
	CompStore    Component = "store"
	CompGit      Component = "git"
	CompTerm     Component = "term"
	CompAgent    Component = "agent"
	CompHosting  Component = "hosting"
	CompFile     Component = "file"
	CompWorkflow Component = "workflow"
)

// Code identifies a single error kind within the flat taxonomy.
type Code string

const (
	// Store errors.
	StoreConnection Code = "store-connection"
	StoreConflict   Code = "store-conflict"
	StoreNotFound   Code = "store-not-found"

	// Git and worktree errors.
	GitRepoInvalid       Code = "git-repo-invalid"
	GitBranchExists      Code = "git-branch-exists"
	GitWorkingTreeDirty  Code = "git-working-tree-dirty"
	GitCommandFailed     Code = "git-command-failed"
	GitInvalidRemote     Code = "git-invalid-remote"
	GitInvalidBranchName Code = "git-invalid-branch-name"

	// Terminal multiplexer errors.
	TermNotAvailable     Code = "term-not-available"
	TermInvalidName      Code = "term-invalid-name"
	TermInvalidDirectory Code = "term-invalid-directory"
	TermSessionExists    Code = "term-session-exists"
	TermSessionNotFound  Code = "term-session-not-found"
	TermNoTTY            Code = "term-no-tty"

	// Language-model subprocess errors.
	LMNotFound        Code = "lm-not-found"
	LMLaunchFailed    Code = "lm-launch-failed"
	LMSessionNotFound Code = "lm-session-not-found"
	LMTimeout         Code = "lm-timeout"

	// Hosting provider errors.
	HostingAuth          Code = "hosting-auth"
	HostingRequestFailed Code = "hosting-request-failed"
	HostingTimeout       Code = "hosting-timeout"

	// Filesystem errors.
	FileNotFound    Code = "file-not-found"
	FileWriteFailed Code = "file-write-failed"

	// Workflow errors.
	WorkflowParentNotFound     Code = "workflow-parent-not-found"
	WorkflowParentInvalidState Code = "workflow-parent-invalid-state"
	WorkflowInstanceNotFound   Code = "workflow-instance-not-found"
	WorkflowCleanupFailed      Code = "workflow-cleanup-failed"
	WorkflowPRCreationFailed   Code = "workflow-pr-creation-failed"
	WorkflowLaunchFailed       Code = "workflow-launch-failed"
	WorkflowCapacity           Code = "workflow-capacity"
	WorkflowUnknownCaller      Code = "workflow-unknown-tool-caller"
	WorkflowToolForbidden      Code = "workflow-tool-forbidden"
	WorkflowInvalidArguments   Code = "workflow-invalid-arguments"
	WorkflowRelationshipExists Code = "workflow-relationship-exists"
	WorkflowTerminalState      Code = "workflow-terminal-state"
)

// SwarmError is the structured error carried across component boundaries.
type SwarmError struct {
	Code       Code
	Message    string
	Component  Component
	Details    map[string]any
	Timestamp  time.Time
	Suggestion string
	Cause      error
}

// New creates a SwarmError with the timestamp set to now.
func New(component Component, code Code, message string) *SwarmError {
	return &SwarmError{
		Code:      code,
		Message:   message,
		Component: component,
		Timestamp: time.Now().UTC(),
	}
}

// Error implements the error interface.
func (e *SwarmError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Component, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SwarmError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so callers can compare against bare sentinels.
func (e *SwarmError) Is(target error) bool {
	t, ok := target.(*SwarmError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause attaches an underlying error.
func (e *SwarmError) WithCause(cause error) *SwarmError {
	e.Cause = cause
	return e
}

// WithDetail adds a key/value pair to the debugging bag.
func (e *SwarmError) WithDetail(key string, value any) *SwarmError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion sets operator-facing remediation text.
func (e *SwarmError) WithSuggestion(s string) *SwarmError {
	e.Suggestion = s
	return e
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var se *SwarmError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// CodeOf extracts the code from err, or "" when err is not a SwarmError.
func CodeOf(err error) Code {
	var se *SwarmError
	if !errors.As(err, &se) {
		return ""
	}
	return se.Code
}

// SuggestionOf extracts the suggestion from err, or "" when absent.
func SuggestionOf(err error) string {
	var se *SwarmError
	if !errors.As(err, &se) {
		return ""
	}
	return se.Suggestion
}
