package swarmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := StoreNotFoundErr("worker", "coding-abc123")
	assert.Equal(t, `[store] store-not-found: worker "coding-abc123" not found`, err.Error())

	wrapped := GitCommandFailedErr([]string{"worktree", "add"}, "fatal: boom").
		WithCause(errors.New("exit status 128"))
	assert.Contains(t, wrapped.Error(), "git-command-failed")
	assert.Contains(t, wrapped.Error(), "exit status 128")
}

func TestIsMatchesOnCode(t *testing.T) {
	err := TermSessionExistsErr("swarm-coding-1")

	assert.True(t, errors.Is(err, &SwarmError{Code: TermSessionExists}))
	assert.False(t, errors.Is(err, &SwarmError{Code: TermSessionNotFound}))
}

func TestIsSurvivesWrapping(t *testing.T) {
	inner := WorkflowCapacityErr(10)
	outer := fmt.Errorf("launch: %w", inner)

	assert.True(t, IsCode(outer, WorkflowCapacity))
	assert.Equal(t, WorkflowCapacity, CodeOf(outer))
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("dial error")
	err := StoreConnectionErr("cannot open database").WithCause(cause)

	assert.Same(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestWithDetailAccumulates(t *testing.T) {
	err := New(CompWorkflow, WorkflowLaunchFailed, "launch failed").
		WithDetail("worker_id", "coding-1").
		WithDetail("phase", "worktree")

	require.NotNil(t, err.Details)
	assert.Equal(t, "coding-1", err.Details["worker_id"])
	assert.Equal(t, "worktree", err.Details["phase"])
}

func TestCodeOfNonSwarmError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, IsCode(errors.New("plain"), StoreConflict))
}

func TestSuggestionOf(t *testing.T) {
	assert.Equal(t, "", SuggestionOf(errors.New("plain")))
	assert.NotEmpty(t, SuggestionOf(WorkflowCapacityErr(5)))
	assert.NotEmpty(t, SuggestionOf(fmt.Errorf("wrap: %w", StoreConflictErr("busy"))))
}

func TestConstructorsCarryComponent(t *testing.T) {
	cases := []struct {
		err  *SwarmError
		comp Component
		code Code
	}{
		{StoreConflictErr("busy"), CompStore, StoreConflict},
		{GitBranchExistsErr("swarm/x"), CompGit, GitBranchExists},
		{TermInvalidNameErr("a;b", "unsafe characters"), CompTerm, TermInvalidName},
		{LMNotFoundErr("claude"), CompAgent, LMNotFound},
		{HostingAuthErr("bad token"), CompHosting, HostingAuth},
		{WorkflowToolForbiddenErr("w", "planning", "request_review"), CompWorkflow, WorkflowToolForbidden},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.comp, tc.err.Component, tc.err.Code)
		assert.Equal(t, tc.code, tc.err.Code)
		assert.False(t, tc.err.Timestamp.IsZero())
	}
}
