/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/engine"
)

// builderRequest is the payload for registering a builder.
type builderRequest struct {
	BuildRelease bool `json:"build_release"`
	BuildScratch bool `json:"build_scratch"`
	BuildTest    bool `json:"build_test"`
	MaxJobs      int  `json:"max_jobs"`
}

// builderResponse returns the generated passphrase exactly once, at
// registration. Only the digest is stored.
type builderResponse struct {
	Name       string `json:"name"`
	Passphrase string `json:"passphrase"`
}

// createBuilder registers a new builder and returns its passphrase.
func (s *Server) createBuilder(w http.ResponseWriter, r *http.Request) {
	var req builderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	name := r.PathValue("name")
	builder := &database.Builder{
		Name:         name,
		Status:       database.BuilderDisabled,
		BuildRelease: req.BuildRelease,
		BuildScratch: req.BuildScratch,
		BuildTest:    req.BuildTest,
		MaxJobs:      req.MaxJobs,
	}

	passphrase, err := s.builders.CreateBuilder(r.Context(), builder)
	if err == nil {
		respondWithJSON(w, http.StatusCreated, builderResponse{Name: name, Passphrase: passphrase})
		return
	}
	if errors.Is(err, database.ErrExist) {
		http.Error(w, "builder already exists", http.StatusConflict)
		return
	}
	http.Error(w, fmt.Sprintf("failed to create builder: %v", err), http.StatusInternalServerError)
}

type builderStatusRequest struct {
	Status database.BuilderStatus `json:"status"`
}

// setBuilderStatus enables, disables or soft-deletes a builder.
func (s *Server) setBuilderStatus(w http.ResponseWriter, r *http.Request) {
	var req builderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	switch req.Status {
	case database.BuilderEnabled, database.BuilderDisabled, database.BuilderDeleted:
	default:
		http.Error(w, fmt.Sprintf("unknown builder status %q", req.Status), http.StatusBadRequest)
		return
	}

	err := s.builders.SetBuilderStatus(r.Context(), r.PathValue("name"), req.Status)
	if err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if errors.Is(err, database.ErrNotExist) {
		http.Error(w, "builder not found", http.StatusNotFound)
		return
	}
	http.Error(w, fmt.Sprintf("failed to update builder: %v", err), http.StatusInternalServerError)
}

// listBuilders returns all registered builders with their derived online flag.
func (s *Server) listBuilders(w http.ResponseWriter, r *http.Request) {
	builders, err := s.builders.ListBuilders(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list builders: %v", err), http.StatusInternalServerError)
		return
	}

	threshold := s.engine.Policy().OnlineThreshold
	type builderView struct {
		database.Builder
		Online bool `json:"online"`
	}
	views := make([]builderView, 0, len(builders))
	for i := range builders {
		views = append(views, builderView{Builder: builders[i], Online: builders[i].Online(threshold)})
	}
	respondWithJSON(w, http.StatusOK, views)
}

// buildView is a build with its jobs and review comments.
type buildView struct {
	Build    *database.Build    `json:"build"`
	Jobs     []database.Job     `json:"jobs"`
	Comments []database.Comment `json:"comments"`
}

// getBuild returns a build with its jobs and comments.
func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := s.buildFromPath(w, r)
	if !ok {
		return
	}
	jobs, err := s.jobs.ListJobs(r.Context(), database.JobFilter{BuildID: build.ID})
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list jobs: %v", err), http.StatusInternalServerError)
		return
	}
	comments, err := s.builds.ListComments(r.Context(), build.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list comments: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, buildView{Build: build, Jobs: jobs, Comments: comments})
}

type buildStateRequest struct {
	State database.BuildState `json:"state"`
	User  string              `json:"user"`
}

// setBuildState marks a build broken or obsolete.
func (s *Server) setBuildState(w http.ResponseWriter, r *http.Request) {
	build, ok := s.buildFromPath(w, r)
	if !ok {
		return
	}

	var req buildStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.User == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	var err error
	switch req.State {
	case database.BuildStateBroken:
		err = s.engine.BreakBuild(r.Context(), build, req.User)
	case database.BuildStateObsolete:
		err = s.engine.ObsoleteBuild(r.Context(), build, req.User)
	default:
		http.Error(w, fmt.Sprintf("state %q cannot be set directly", req.State), http.StatusBadRequest)
		return
	}
	if err != nil {
		var invariantErr *engine.InvariantError
		if errors.As(err, &invariantErr) {
			http.Error(w, invariantErr.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("failed to update build: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, build)
}

type pushRequest struct {
	Repo string `json:"repo"`
	User string `json:"user"`
}

// pushBuild places a build into a named repository of its distribution.
func (s *Server) pushBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := s.buildFromPath(w, r)
	if !ok {
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.Repo == "" || req.User == "" {
		http.Error(w, "missing repo or user", http.StatusBadRequest)
		return
	}

	repo, err := s.builds.GetRepositoryByName(r.Context(), build.DistroID, req.Repo)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			http.Error(w, "repository not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("failed to load repository: %v", err), http.StatusInternalServerError)
		return
	}

	if err := s.engine.PushBuild(r.Context(), build, repo, req.User); err != nil {
		http.Error(w, fmt.Sprintf("failed to push build: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unpushRequest struct {
	User string `json:"user"`
}

// unpushBuild removes a build from its repository.
func (s *Server) unpushBuild(w http.ResponseWriter, r *http.Request) {
	build, ok := s.buildFromPath(w, r)
	if !ok {
		return
	}

	var req unpushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.User == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	if err := s.engine.UnpushBuild(r.Context(), build, req.User); err != nil {
		http.Error(w, fmt.Sprintf("failed to unpush build: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commentRequest struct {
	User string `json:"user"`
	Text string `json:"text"`
	Vote int    `json:"vote"`
}

// addComment records a review comment; its vote moves the build score.
func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	build, ok := s.buildFromPath(w, r)
	if !ok {
		return
	}

	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.User == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	if req.Vote < -1 || req.Vote > 1 {
		http.Error(w, "vote must be -1, 0 or 1", http.StatusBadRequest)
		return
	}

	comment := &database.Comment{BuildID: build.ID, User: req.User, Text: req.Text, Vote: req.Vote}
	if err := s.builds.AddComment(r.Context(), comment); err != nil {
		http.Error(w, fmt.Sprintf("failed to add comment: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusCreated, comment)
}

// jobView is a job with its state history and artifacts.
type jobView struct {
	Job     *database.Job              `json:"job"`
	History []database.JobHistoryEntry `json:"history"`
	Files   []database.JobFile         `json:"files"`
}

// getJob returns a job with its history and files.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	history, err := s.jobs.JobHistory(r.Context(), job.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load job history: %v", err), http.StatusInternalServerError)
		return
	}
	files, err := s.jobs.ListJobFiles(r.Context(), job.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load job files: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, jobView{Job: job, History: history, Files: files})
}

// abortJob aborts a job by admin request.
func (s *Server) abortJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	err := s.engine.AbortJob(r.Context(), job, "aborted by administrator")
	if err != nil {
		var transitionErr *engine.TransitionError
		if errors.As(err, &transitionErr) {
			http.Error(w, transitionErr.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("failed to abort job: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

type scheduleRequest struct {
	StartNotBefore *time.Time `json:"start_not_before,omitempty"`
}

// retryJob schedules a rebuild of a job.
func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if err := s.engine.ScheduleRebuild(r.Context(), job, req.StartNotBefore); err != nil {
		http.Error(w, fmt.Sprintf("failed to schedule rebuild: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

// scheduleTest creates a test job following a finished job.
func (s *Server) scheduleTest(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	test, err := s.engine.ScheduleTest(r.Context(), job, req.StartNotBefore)
	if err != nil {
		var transitionErr *engine.TransitionError
		var invariantErr *engine.InvariantError
		if errors.As(err, &transitionErr) || errors.As(err, &invariantErr) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, fmt.Sprintf("failed to schedule test: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusCreated, test)
}

// listQueue returns the dispatch queue in dispatch order.
func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	var arches []string
	if arch := r.URL.Query().Get("arch"); arch != "" {
		arches = []string{arch}
	}
	jobs, err := s.jobs.PeekQueue(r.Context(), arches, s.engine.Policy().MaxTries, 0)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read queue: %v", err), http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, http.StatusOK, jobs)
}

func (s *Server) buildFromPath(w http.ResponseWriter, r *http.Request) (*database.Build, bool) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		http.Error(w, "invalid build uuid", http.StatusBadRequest)
		return nil, false
	}
	build, err := s.builds.GetBuildByUUID(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotExist) {
			http.Error(w, "build not found", http.StatusNotFound)
			return nil, false
		}
		http.Error(w, fmt.Sprintf("failed to load build: %v", err), http.StatusInternalServerError)
		return nil, false
	}
	return build, true
}

func (s *Server) jobFromPath(w http.ResponseWriter, r *http.Request) (*database.Job, bool) {
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
	return job, true
}
