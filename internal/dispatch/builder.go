/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/engine"
)

// jobResponse is what a builder receives when it claims a job.
type jobResponse struct {
	Job    *database.Job   `json:"job"`
	Build  *database.Build `json:"build"`
	Distro string          `json:"distro"`
}

// nextJob hands the best queued job to the calling builder. The request
// long-polls: when nothing is dispatchable it waits for a job-change
// notification and tries again until the window closes, then answers 204.
func (s *Server) nextJob(w http.ResponseWriter, r *http.Request) {
	builder := builderFromContext(r.Context())
	if builder.Status != database.BuilderEnabled {
		http.Error(w, "builder is disabled", http.StatusForbidden)
		return
	}

	jobTypes, buildTypes := builderCapabilities(builder)
	if len(buildTypes) == 0 {
		http.Error(w, "builder has no build permissions", http.StatusForbidden)
		return
	}

	active, err := s.builders.ActiveJobCount(r.Context(), builder.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to check builder capacity: %v", err), http.StatusInternalServerError)
		return
	}
	if builder.MaxJobs > 0 && active >= builder.MaxJobs {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	maxTries := s.engine.Policy().MaxTries
	arches := builder.Arches()

	// Subscribe before the first claim attempt so a job created in between
	// is not missed.
	changes, err := s.jobs.SubscribeToJobChange(r.Context())
	if err != nil {
		logger.ErrorContext(r.Context(), "cannot subscribe to job changes, claiming once", "error", err)
		changes = nil
	}

	deadline := time.NewTimer(s.longPollWindow)
	defer deadline.Stop()

	for {
		job, err := s.jobs.ClaimNextJob(r.Context(), builder.ID, arches, jobTypes, buildTypes, maxTries)
		if err == nil {
			s.respondWithJob(w, r, job)
			return
		}
		if !errors.Is(err, database.ErrNotExist) {
			http.Error(w, fmt.Sprintf("failed to claim job: %v", err), http.StatusInternalServerError)
			return
		}
		if changes == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		select {
		case <-changes:
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// builderCapabilities maps the builder's permission flags onto the job and
// build types it may claim.
func builderCapabilities(builder *database.Builder) ([]database.JobType, []database.BuildType) {
	jobTypes := []database.JobType{database.JobTypeBuild}
	var buildTypes []database.BuildType
	if builder.BuildRelease {
		buildTypes = append(buildTypes, database.BuildTypeRelease)
	}
	if builder.BuildScratch {
		buildTypes = append(buildTypes, database.BuildTypeScratch)
	}
	if builder.BuildTest {
		buildTypes = append(buildTypes, database.BuildTypeTest)
		jobTypes = append(jobTypes, database.JobTypeTest)
	}
	return jobTypes, buildTypes
}

// respondWithJob completes a successful claim. A failure after the claim
// returns the job to the queue; the builder never saw it, so the attempt
// must not count.
func (s *Server) respondWithJob(w http.ResponseWriter, r *http.Request, job *database.Job) {
	build, err := s.builds.GetBuild(r.Context(), job.BuildID)
	if err != nil {
		s.releaseClaim(r, job)
		http.Error(w, fmt.Sprintf("failed to load build: %v", err), http.StatusInternalServerError)
		return
	}
	distro, err := s.builds.GetDistribution(r.Context(), build.DistroID)
	if err != nil {
		s.releaseClaim(r, job)
		http.Error(w, fmt.Sprintf("failed to load distribution: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, jobResponse{Job: job, Build: build, Distro: distro.Slug})
}

// releaseClaim rolls a just-claimed job back to pending. Runs detached
// from the request context so a dropped connection cannot strand the job
// in dispatching.
func (s *Server) releaseClaim(r *http.Request, job *database.Job) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.jobs.ReleaseClaim(ctx, job.ID); err != nil {
		logger.ErrorContext(ctx, "failed to release claimed job", "job", job.UUID, "error", err)
	}
}

// jobStateRequest is a builder's state report for one of its jobs.
type jobStateRequest struct {
	State   database.JobState `json:"state"`
	Message string            `json:"message"`
}

// builderReportableStates are the transitions a builder may request. All
// other states are owned by the service.
var builderReportableStates = map[database.JobState]bool{
	database.JobStateRunning:         true,
	database.JobStateUploading:       true,
	database.JobStateFinished:        true,
	database.JobStateFailed:          true,
	database.JobStateDependencyError: true,
}

// reportJobState applies a builder's state report. Only the builder a job is
// bound to may report on it.
func (s *Server) reportJobState(w http.ResponseWriter, r *http.Request) {
	builder := builderFromContext(r.Context())
	job, ok := s.jobForBuilder(w, r, builder)
	if !ok {
		return
	}

	var req jobStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !builderReportableStates[req.State] {
		http.Error(w, fmt.Sprintf("builders cannot report state %q", req.State), http.StatusBadRequest)
		return
	}

	err := s.engine.SetJobState(r.Context(), job, req.State, req.Message)
	if err == nil {
		respondWithJSON(w, http.StatusOK, job)
		return
	}

	var transitionErr *engine.TransitionError
	if errors.As(err, &transitionErr) {
		http.Error(w, transitionErr.Error(), http.StatusConflict)
		return
	}
	http.Error(w, fmt.Sprintf("failed to update job state: %v", err), http.StatusInternalServerError)
}

// jobFileRequest registers an artifact a builder uploaded for a job.
type jobFileRequest struct {
	Type database.JobFileType `json:"type"`
	Path string               `json:"path"`
}

// attachJobFile records an uploaded artifact on a running or uploading job.
func (s *Server) attachJobFile(w http.ResponseWriter, r *http.Request) {
	builder := builderFromContext(r.Context())
	job, ok := s.jobForBuilder(w, r, builder)
	if !ok {
		return
	}

	var req jobFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.Type != database.JobFilePackage && req.Type != database.JobFileLog {
		http.Error(w, fmt.Sprintf("unknown file type %q", req.Type), http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "missing file path", http.StatusBadRequest)
		return
	}
	if job.State != database.JobStateRunning && job.State != database.JobStateUploading {
		http.Error(w, fmt.Sprintf("job is %s, not accepting files", job.State), http.StatusConflict)
		return
	}

	file := &database.JobFile{JobID: job.ID, Type: req.Type, Path: req.Path}
	if err := s.jobs.AddJobFile(r.Context(), file); err != nil {
		http.Error(w, fmt.Sprintf("failed to attach file: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusCreated, file)
}

// jobForBuilder loads the job in the request path and enforces that it is
// bound to the calling builder. Writes the error response on failure.
func (s *Server) jobForBuilder(w http.ResponseWriter, r *http.Request, builder *database.Builder) (*database.Job, bool) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		http.Error(w, "invalid job uuid", http.StatusBadRequest)
		return nil, false
	}
	job, err := s.jobs.GetJobByUUID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			http.Error(w, "job not found", http.StatusNotFound)
			return nil, false
		}
		http.Error(w, fmt.Sprintf("failed to load job: %v", err), http.StatusInternalServerError)
		return nil, false
	}
	if job.BuilderID == nil || *job.BuilderID != builder.ID {
		http.Error(w, "job is not assigned to this builder", http.StatusForbidden)
		return nil, false
	}
	return job, true
}

// keepaliveRequest carries a builder's periodic host statistics.
type keepaliveRequest struct {
	LoadAvg1  float64 `json:"loadavg1"`
	LoadAvg5  float64 `json:"loadavg5"`
	LoadAvg15 float64 `json:"loadavg15"`
	MemTotal  int64   `json:"mem_total"`
	MemFree   int64   `json:"mem_free"`
	DiskFree  int64   `json:"disk_free"`
}

type keepaliveResponse struct {
	// SendInfo asks the builder to push a full info update because the
	// stored one is missing or stale.
	SendInfo bool `json:"send_info"`
}

// keepalive refreshes the builder's liveness timestamp and host statistics.
func (s *Server) keepalive(w http.ResponseWriter, r *http.Request) {
	builder := builderFromContext(r.Context())

	var req keepaliveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	err := s.builders.UpdateBuilderStats(r.Context(), builder.ID,
		req.LoadAvg1, req.LoadAvg5, req.LoadAvg15, req.MemTotal, req.MemFree, req.DiskFree)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to record keepalive: %v", err), http.StatusInternalServerError)
		return
	}

	refreshAfter := s.engine.Policy().InfoRefreshAfter
	sendInfo := builder.LastInfoAt == nil || time.Since(*builder.LastInfoAt) >= refreshAfter
	respondWithJSON(w, http.StatusOK, keepaliveResponse{SendInfo: sendInfo})
}

// builderInfoRequest is a builder's full self-description.
type builderInfoRequest struct {
	Arch         string   `json:"arch"`
	CompatArches []string `json:"compat_arches"`
	MaxJobs      int      `json:"max_jobs"`
}

// builderInfo stores the builder's pushed self-description.
func (s *Server) builderInfo(w http.ResponseWriter, r *http.Request) {
	builder := builderFromContext(r.Context())

	var req builderInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if req.Arch == "" {
		http.Error(w, "missing arch", http.StatusBadRequest)
		return
	}
	if req.MaxJobs < 0 {
		http.Error(w, "max_jobs must not be negative", http.StatusBadRequest)
		return
	}

	err := s.builders.UpdateBuilderInfo(r.Context(), builder.ID, req.Arch, req.CompatArches, req.MaxJobs)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to update builder info: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
