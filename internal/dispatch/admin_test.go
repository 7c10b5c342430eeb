/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 *
 * Unit tests for the admin handlers.
 */

package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/engine"
)

func adminRequest(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name           string
		authorization  string
		expectedStatus int
	}{{
		name:           "shouldFailWithoutHeader",
		expectedStatus: http.StatusBadRequest,
	}, {
		name:           "shouldFailWithMalformedHeader",
		authorization:  "token abc",
		expectedStatus: http.StatusBadRequest,
	}, {
		name:           "shouldFailWithWrongToken",
		authorization:  "Bearer wrong-token",
		expectedStatus: http.StatusUnauthorized,
	}, {
		name:           "shouldSucceedWithValidToken",
		authorization:  "Bearer " + testAdminToken,
		expectedStatus: http.StatusOK,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _, _, _ := newTestServer(t)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/builders", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			w := httptest.NewRecorder()
			server.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestCreateBuilder(t *testing.T) {
	t.Run("shouldCreateBuilderAndReturnPassphrase", func(t *testing.T) {
		server, builders, _, _, _ := newTestServer(t)

		body := `{"build_release":true,"build_test":true,"max_jobs":4}`
		req := adminRequest(http.MethodPost, "/api/v1/builders/builder1", body)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp builderResponse
		assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "builder1", resp.Name)
		assert.NotEmpty(t, resp.Passphrase)

		created := builders.builders["builder1"]
		assert.NotNil(t, created)
		assert.Equal(t, database.BuilderDisabled, created.Status)
		assert.True(t, created.BuildRelease)
		assert.False(t, created.BuildScratch)
		assert.Equal(t, 4, created.MaxJobs)
	})

	t.Run("shouldConflictOnDuplicateName", func(t *testing.T) {
		server, builders, _, _, _ := newTestServer(t)
		addBuilder(t, builders, "builder1")

		req := adminRequest(http.MethodPost, "/api/v1/builders/builder1", `{}`)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestSetBuilderStatus(t *testing.T) {
	tests := []struct {
		name           string
		builderName    string
		body           string
		expectedStatus int
		expectedResult database.BuilderStatus
	}{{
		name:           "shouldEnableBuilder",
		builderName:    "builder1",
		body:           `{"status":"enabled"}`,
		expectedStatus: http.StatusNoContent,
		expectedResult: database.BuilderEnabled,
	}, {
		name:           "shouldDeleteBuilder",
		builderName:    "builder1",
		body:           `{"status":"deleted"}`,
		expectedStatus: http.StatusNoContent,
		expectedResult: database.BuilderDeleted,
	}, {
		name:           "shouldRejectUnknownStatus",
		builderName:    "builder1",
		body:           `{"status":"sleeping"}`,
		expectedStatus: http.StatusBadRequest,
	}, {
		name:           "shouldFailForUnknownBuilder",
		builderName:    "nobody",
		body:           `{"status":"enabled"}`,
		expectedStatus: http.StatusNotFound,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, builders, _, _, _ := newTestServer(t)
			addBuilder(t, builders, "builder1")

			req := adminRequest(http.MethodPost, "/api/v1/builders/"+tt.builderName+"/status", tt.body)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedResult != "" {
				assert.Equal(t, tt.expectedResult, builders.lastStatus)
			}
		})
	}
}

func TestListBuilders(t *testing.T) {
	server, builders, _, _, _ := newTestServer(t)
	online := addBuilder(t, builders, "online1")
	now := time.Now()
	online.LastKeepalive = &now
	addBuilder(t, builders, "silent1")

	req := adminRequest(http.MethodGet, "/api/v1/builders", "")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp []struct {
		Name   string `json:"name"`
		Online bool   `json:"online"`
	}
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp, 2)
	byName := map[string]bool{}
	for _, b := range resp {
		byName[b.Name] = b.Online
	}
	assert.True(t, byName["online1"])
	assert.False(t, byName["silent1"])
}

func TestGetBuild(t *testing.T) {
	server, _, jobs, builds, _ := newTestServer(t)
	build := &database.Build{ID: 1, UUID: uuid.New(), PkgName: "bash", State: database.BuildStateBuilding}
	builds.builds[build.UUID] = build
	jobs.listed = []database.Job{{ID: 1, BuildID: 1, Arch: "x86_64"}}
	builds.comments = []database.Comment{{BuildID: 1, User: "ms", Vote: 1}}

	req := adminRequest(http.MethodGet, "/api/v1/builds/"+build.UUID.String(), "")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp buildView
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "bash", resp.Build.PkgName)
	assert.Len(t, resp.Jobs, 1)
	assert.Len(t, resp.Comments, 1)

	t.Run("shouldFailForUnknownBuild", func(t *testing.T) {
		req := adminRequest(http.MethodGet, "/api/v1/builds/"+uuid.NewString(), "")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("shouldFailForInvalidUUID", func(t *testing.T) {
		req := adminRequest(http.MethodGet, "/api/v1/builds/not-a-uuid", "")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSetBuildState(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectBroken   bool
		expectObsolete bool
	}{{
		name:           "shouldBreakBuild",
		body:           `{"state":"broken","user":"ms"}`,
		expectedStatus: http.StatusOK,
		expectBroken:   true,
	}, {
		name:           "shouldObsoleteBuild",
		body:           `{"state":"obsolete","user":"ms"}`,
		expectedStatus: http.StatusOK,
		expectObsolete: true,
	}, {
		name:           "shouldRejectDirectStateChange",
		body:           `{"state":"finished","user":"ms"}`,
		expectedStatus: http.StatusBadRequest,
	}, {
		name:           "shouldRejectMissingUser",
		body:           `{"state":"broken"}`,
		expectedStatus: http.StatusBadRequest,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _, builds, eng := newTestServer(t)
			build := &database.Build{ID: 1, UUID: uuid.New(), State: database.BuildStateBuilding}
			builds.builds[build.UUID] = build

			req := adminRequest(http.MethodPost, "/api/v1/builds/"+build.UUID.String()+"/state", tt.body)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectBroken, eng.broke != "")
			assert.Equal(t, tt.expectObsolete, eng.obsoleted != "")
		})
	}
}

func TestPushBuild(t *testing.T) {
	t.Run("shouldPushIntoRepository", func(t *testing.T) {
		server, _, _, builds, eng := newTestServer(t)
		build := &database.Build{ID: 1, UUID: uuid.New(), DistroID: 1}
		builds.builds[build.UUID] = build
		builds.repos["unstable"] = &database.Repository{ID: 3, DistroID: 1, Name: "unstable"}

		req := adminRequest(http.MethodPost, "/api/v1/builds/"+build.UUID.String()+"/push", `{"repo":"unstable","user":"ms"}`)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.NotNil(t, eng.pushedRepo)
		assert.Equal(t, "unstable", eng.pushedRepo.Name)
	})

	t.Run("shouldFailForUnknownRepository", func(t *testing.T) {
		server, _, _, builds, _ := newTestServer(t)
		build := &database.Build{ID: 1, UUID: uuid.New(), DistroID: 1}
		builds.builds[build.UUID] = build

		req := adminRequest(http.MethodPost, "/api/v1/builds/"+build.UUID.String()+"/push", `{"repo":"nonsense","user":"ms"}`)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("shouldRejectMissingUser", func(t *testing.T) {
		server, _, _, builds, _ := newTestServer(t)
		build := &database.Build{ID: 1, UUID: uuid.New(), DistroID: 1}
		builds.builds[build.UUID] = build

		req := adminRequest(http.MethodPost, "/api/v1/builds/"+build.UUID.String()+"/push", `{"repo":"unstable"}`)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUnpushBuild(t *testing.T) {
	server, _, _, builds, eng := newTestServer(t)
	build := &database.Build{ID: 1, UUID: uuid.New()}
	builds.builds[build.UUID] = build

	req := adminRequest(http.MethodPost, "/api/v1/builds/"+build.UUID.String()+"/unpush", `{"user":"ms"}`)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, eng.unpushed)
}

func TestAddComment(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedCount  int
	}{{
		name:           "shouldAddComment",
		body:           `{"user":"ms","text":"looks good","vote":1}`,
		expectedStatus: http.StatusCreated,
		expectedCount:  1,
	}, {
		name:           "shouldRejectOutOfRangeVote",
		body:           `{"user":"ms","vote":5}`,
		expectedStatus: http.StatusBadRequest,
	}, {
		name:           "shouldRejectMissingUser",
		body:           `{"text":"drive-by","vote":0}`,
		expectedStatus: http.StatusBadRequest,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _, builds, _ := newTestServer(t)
			build := &database.Build{ID: 1, UUID: uuid.New()}
			builds.builds[build.UUID] = build

			req := adminRequest(http.MethodPost, "/api/v1/builds/"+build.UUID.String()+"/comments", tt.body)
			w := httptest.NewRecorder()
			server.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Len(t, builds.comments, tt.expectedCount)
		})
	}
}

func TestGetJob(t *testing.T) {
	server, _, jobs, _, _ := newTestServer(t)
	job := &database.Job{ID: 5, UUID: uuid.New(), State: database.JobStateFinished}
	jobs.jobs[job.UUID] = job
	jobs.history = []database.JobHistoryEntry{{JobID: 5, State: database.JobStateRunning}}
	jobs.files = []database.JobFile{{JobID: 5, Type: database.JobFileLog, Path: "build.log"}}

	req := adminRequest(http.MethodGet, "/api/v1/jobs/"+job.UUID.String(), "")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp jobView
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, int64(5), resp.Job.ID)
	assert.Len(t, resp.History, 1)
	assert.Len(t, resp.Files, 1)
}

func TestAbortJob(t *testing.T) {
	server, _, jobs, _, eng := newTestServer(t)
	job := &database.Job{ID: 5, UUID: uuid.New(), State: database.JobStateRunning}
	jobs.jobs[job.UUID] = job

	req := adminRequest(http.MethodPost, "/api/v1/jobs/"+job.UUID.String()+"/abort", "")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, eng.aborted)
}

func TestRetryJob(t *testing.T) {
	t.Run("shouldScheduleRebuildWithEmptyBody", func(t *testing.T) {
		server, _, jobs, _, eng := newTestServer(t)
		job := &database.Job{ID: 5, UUID: uuid.New(), State: database.JobStateFailed}
		jobs.jobs[job.UUID] = job

		req := adminRequest(http.MethodPost, "/api/v1/jobs/"+job.UUID.String()+"/retry", "")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, eng.rescheduled)
	})

	t.Run("shouldAcceptStartNotBefore", func(t *testing.T) {
		server, _, jobs, _, eng := newTestServer(t)
		job := &database.Job{ID: 5, UUID: uuid.New(), State: database.JobStateFailed}
		jobs.jobs[job.UUID] = job

		body := `{"start_not_before":"2026-09-01T00:00:00Z"}`
		req := adminRequest(http.MethodPost, "/api/v1/jobs/"+job.UUID.String()+"/retry", body)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, eng.rescheduled)
	})
}

func TestScheduleTest(t *testing.T) {
	t.Run("shouldCreateTestJob", func(t *testing.T) {
		server, _, jobs, _, _ := newTestServer(t)
		job := &database.Job{ID: 5, UUID: uuid.New(), State: database.JobStateFinished}
		jobs.jobs[job.UUID] = job

		req := adminRequest(http.MethodPost, "/api/v1/jobs/"+job.UUID.String()+"/test", "")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp database.Job
		assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, database.JobTypeTest, resp.Type)
	})

	t.Run("shouldConflictWhenJobNotFinished", func(t *testing.T) {
		server, _, jobs, _, eng := newTestServer(t)
		job := &database.Job{ID: 6, UUID: uuid.New(), State: database.JobStateRunning}
		jobs.jobs[job.UUID] = job
		eng.testErr = &engine.InvariantError{Reason: "only a finished job can spawn a test"}

		req := adminRequest(http.MethodPost, "/api/v1/jobs/"+job.UUID.String()+"/test", "")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestListQueue(t *testing.T) {
	server, _, jobs, _, _ := newTestServer(t)
	jobs.queued = []database.Job{
		{ID: 1, Arch: "x86_64", State: database.JobStatePending},
		{ID: 2, Arch: "aarch64", State: database.JobStatePending},
	}

	req := adminRequest(http.MethodGet, "/api/v1/queue", "")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp []database.Job
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp, 2)
}
