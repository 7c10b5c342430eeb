/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/notify"
)

// CreateBuildRequest is the metadata of an accepted source package, as
// produced by the upload pipeline's package extractor.
type CreateBuildRequest struct {
	// UUID is the identity the upload pipeline assigned to this upload.
	// A redelivered event carries the same UUID, so the build insert
	// conflicts instead of creating a duplicate. Zero means the service
	// picks one.
	UUID uuid.UUID `json:"uuid,omitempty"`

	Type       database.BuildType `json:"type"`
	PkgName    string             `json:"pkg_name"`
	PkgEVR     string             `json:"pkg_evr"`
	Distro     string             `json:"distro"`
	Owner      *string            `json:"owner,omitempty"`
	Priority   int                `json:"priority"`
	Public     bool               `json:"public"`
	SourceURL  string             `json:"source_url"`
	SourceHash string             `json:"source_hash"`

	// Arches the package supports. Empty means all architectures of the
	// distribution. A package containing only noarch binaries lists just
	// "noarch".
	Arches []string `json:"arches,omitempty"`

	// Requires are the build-time dependencies. A package with none skips
	// dependency resolution and its jobs start out pending.
	Requires []string `json:"requires,omitempty"`

	// DependsOn optionally chains this build after another one.
	DependsOn *uuid.UUID `json:"depends_on,omitempty"`
}

// CreateBuild creates a build and fans out one job per target architecture.
// Creating a release build obsoletes every other live release build of the
// same package name, all in the same transaction.
func (e *Engine) CreateBuild(ctx context.Context, req CreateBuildRequest) (*database.Build, []database.Job, error) {
	if req.Type == database.BuildTypeScratch && req.Owner == nil {
		return nil, nil, &InvariantError{Reason: "a scratch build must have an owner"}
	}
	if req.Priority < -2 || req.Priority > 2 {
		return nil, nil, &InvariantError{Reason: fmt.Sprintf("priority %d out of range", req.Priority)}
	}

	distro, err := e.db.GetDistributionBySlug(ctx, req.Distro)
	if err != nil {
		return nil, nil, fmt.Errorf("unknown distribution %q: %w", req.Distro, err)
	}

	id := req.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}

	build := &database.Build{
		UUID:       id,
		Type:       req.Type,
		PkgName:    req.PkgName,
		PkgEVR:     req.PkgEVR,
		DistroID:   distro.ID,
		State:      database.BuildStateBuilding,
		Priority:   req.Priority,
		Public:     req.Public,
		Owner:      req.Owner,
		SourceURL:  req.SourceURL,
		SourceHash: req.SourceHash,
	}

	var jobs []database.Job
	var notes []notify.Notification
	err = e.db.WithTx(ctx, func(tx *database.Database) error {
		if req.DependsOn != nil {
			dep, err := tx.GetBuildByUUID(ctx, *req.DependsOn)
			if err != nil {
				return fmt.Errorf("unknown build dependency %s: %w", req.DependsOn, err)
			}
			build.DependsOn = &dep.ID
		}

		if err := tx.CreateBuild(ctx, build); err != nil {
			return err
		}

		if build.Type == database.BuildTypeRelease {
			if err := e.obsoleteOthers(ctx, tx, build, &notes); err != nil {
				return err
			}
		}

		jobs = fanOutJobs(build, distro, req)
		for i := range jobs {
			if err := tx.CreateJob(ctx, &jobs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	e.send(ctx, notes)
	return build, jobs, nil
}

// fanOutJobs computes the job set of a new build: one per supported
// architecture, with src excluded from the binary fan-out and noarch
// collapsing to a single job.
func fanOutJobs(build *database.Build, distro *database.Distribution, req CreateBuildRequest) []database.Job {
	arches := req.Arches
	if len(arches) == 0 {
		arches = distro.Arches
	}
	if slices.Contains(arches, database.ArchNoarch) {
		arches = []string{database.ArchNoarch}
	}

	state := database.JobStatePending
	tries := 1
	if len(req.Requires) > 0 {
		// Jobs with unresolved build dependencies wait for the resolver.
		state = database.JobStateNew
		tries = 0
	}

	jobType := database.JobTypeBuild
	if build.Type == database.BuildTypeTest {
		jobType = database.JobTypeTest
	}

	var jobs []database.Job
	for _, arch := range arches {
		if arch == database.ArchSource {
			continue
		}
		jobs = append(jobs, database.Job{
			UUID:    uuid.New(),
			Type:    jobType,
			BuildID: build.ID,
			Arch:    arch,
			State:   state,
			Tries:   tries,
		})
	}
	return jobs
}
