/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 *
 * Unit tests for the state machines and the job fan-out. Everything here is
 * pure; the database-backed paths are covered by the integration tests.
 */

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ipfire/pbs/internal/database"
)

func TestTransitionAllowed(t *testing.T) {
	tests := []struct {
		from    database.JobState
		to      database.JobState
		allowed bool
	}{
		{database.JobStateNew, database.JobStatePending, true},
		{database.JobStateNew, database.JobStateDependencyError, true},
		{database.JobStateNew, database.JobStateRunning, false},
		{database.JobStatePending, database.JobStateDispatching, true},
		{database.JobStatePending, database.JobStateFinished, false},
		{database.JobStateDispatching, database.JobStateRunning, true},
		{database.JobStateDispatching, database.JobStateUploading, true},
		{database.JobStateDispatching, database.JobStateFailed, true},
		{database.JobStateDispatching, database.JobStatePending, false},
		{database.JobStateRunning, database.JobStateFinished, true},
		{database.JobStateRunning, database.JobStateUploading, true},
		{database.JobStateRunning, database.JobStateDependencyError, true},
		{database.JobStateUploading, database.JobStateFinished, true},
		{database.JobStateUploading, database.JobStateRunning, false},
		{database.JobStateFailed, database.JobStatePending, true},
		{database.JobStateFailed, database.JobStateRunning, false},
		{database.JobStateDependencyError, database.JobStatePending, true},
		// Self-transition while parked: another failed resolution.
		{database.JobStateDependencyError, database.JobStateDependencyError, true},
		{database.JobStateFinished, database.JobStatePending, false},
		{database.JobStateAborted, database.JobStatePending, false},
		// Requeueing into new works from every state but finished.
		{database.JobStateFailed, database.JobStateNew, true},
		{database.JobStateAborted, database.JobStateNew, true},
		{database.JobStateFinished, database.JobStateNew, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, transitionAllowed(tt.from, tt.to),
			"transition %s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, database.JobStateFinished.Terminal())
	assert.True(t, database.JobStateFailed.Terminal())
	assert.True(t, database.JobStateAborted.Terminal())
	assert.True(t, database.JobStateDependencyError.Terminal())
	assert.False(t, database.JobStateRunning.Terminal())
	assert.False(t, database.JobStateDispatching.Terminal())

	assert.True(t, buildTerminal(database.BuildStateObsolete))
	assert.True(t, buildTerminal(database.BuildStateBroken))
	assert.False(t, buildTerminal(database.BuildStateBuilding))
	assert.False(t, buildTerminal(database.BuildStateTesting))
	assert.False(t, buildTerminal(database.BuildStateStable))
}

func TestTransitionError(t *testing.T) {
	err := &TransitionError{From: database.JobStateFinished, To: database.JobStateRunning}
	assert.Equal(t, "invalid job transition finished -> running", err.Error())
}

func TestFanOutJobs(t *testing.T) {
	distro := &database.Distribution{ID: 1, Arches: []string{"x86_64", "aarch64", "riscv64"}}
	build := &database.Build{ID: 7, Type: database.BuildTypeRelease}

	archesOf := func(jobs []database.Job) []string {
		var arches []string
		for _, j := range jobs {
			arches = append(arches, j.Arch)
		}
		return arches
	}

	t.Run("shouldFanOutToAllDistroArches", func(t *testing.T) {
		jobs := fanOutJobs(build, distro, CreateBuildRequest{})
		assert.Equal(t, []string{"x86_64", "aarch64", "riscv64"}, archesOf(jobs))
		for _, j := range jobs {
			assert.Equal(t, database.JobTypeBuild, j.Type)
			assert.Equal(t, int64(7), j.BuildID)
		}
	})

	t.Run("shouldHonorPackageArches", func(t *testing.T) {
		jobs := fanOutJobs(build, distro, CreateBuildRequest{Arches: []string{"x86_64"}})
		assert.Equal(t, []string{"x86_64"}, archesOf(jobs))
	})

	t.Run("shouldCollapseNoarchToOneJob", func(t *testing.T) {
		jobs := fanOutJobs(build, distro, CreateBuildRequest{
			Arches: []string{"x86_64", "aarch64", database.ArchNoarch},
		})
		assert.Equal(t, []string{database.ArchNoarch}, archesOf(jobs))
	})

	t.Run("shouldSkipSourceArch", func(t *testing.T) {
		jobs := fanOutJobs(build, distro, CreateBuildRequest{
			Arches: []string{database.ArchSource, "x86_64"},
		})
		assert.Equal(t, []string{"x86_64"}, archesOf(jobs))
	})

	t.Run("shouldStartPendingWithoutRequires", func(t *testing.T) {
		jobs := fanOutJobs(build, distro, CreateBuildRequest{})
		for _, j := range jobs {
			assert.Equal(t, database.JobStatePending, j.State)
			assert.Equal(t, 1, j.Tries)
		}
	})

	t.Run("shouldStartNewWithRequires", func(t *testing.T) {
		jobs := fanOutJobs(build, distro, CreateBuildRequest{Requires: []string{"gcc"}})
		for _, j := range jobs {
			assert.Equal(t, database.JobStateNew, j.State)
			assert.Equal(t, 0, j.Tries)
		}
	})

	t.Run("shouldCreateTestJobsForTestBuilds", func(t *testing.T) {
		testBuild := &database.Build{ID: 8, Type: database.BuildTypeTest}
		jobs := fanOutJobs(testBuild, distro, CreateBuildRequest{})
		for _, j := range jobs {
			assert.Equal(t, database.JobTypeTest, j.Type)
		}
	})
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()
	assert.Equal(t, 9, policy.MaxTries)
	assert.NotZero(t, policy.DispatchTimeout)
	assert.NotZero(t, policy.MaxRuntime)
	assert.NotZero(t, policy.DependencyRecheck)
	assert.NotZero(t, policy.FailedCooldown)
	assert.NotZero(t, policy.OnlineThreshold)
	assert.NotZero(t, policy.InfoRefreshAfter)
}
