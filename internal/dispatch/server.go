/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 *
 * Package dispatch provides the HTTP API of the build service: the builder
 * protocol (job claim, state reports, artifacts, keepalive) and the admin
 * surface.
 */

package dispatch

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ipfire/pbs/internal/database"
	"github.com/ipfire/pbs/internal/engine"
	"github.com/ipfire/pbs/internal/telemetry"
)

const (
	nextJobPattern        = "/api/v1/jobs/next"
	jobStatePattern       = "/api/v1/jobs/{uuid}/state"
	jobFilesPattern       = "/api/v1/jobs/{uuid}/files"
	jobAbortPattern       = "/api/v1/jobs/{uuid}/abort"
	jobRetryPattern       = "/api/v1/jobs/{uuid}/retry"
	jobTestPattern        = "/api/v1/jobs/{uuid}/test"
	jobGetPattern         = "/api/v1/jobs/{uuid}"
	keepalivePattern      = "/api/v1/builders/keepalive"
	builderInfoPattern    = "/api/v1/builders/info"
	createBuilderPattern  = "/api/v1/builders/{name}"
	builderStatusPattern  = "/api/v1/builders/{name}/status"
	listBuildersPattern   = "/api/v1/builders"
	getBuildPattern       = "/api/v1/builds/{uuid}"
	buildStatePattern     = "/api/v1/builds/{uuid}/state"
	buildPushPattern      = "/api/v1/builds/{uuid}/push"
	buildUnpushPattern    = "/api/v1/builds/{uuid}/unpush"
	buildCommentsPattern  = "/api/v1/builds/{uuid}/comments"
	queuePattern          = "/api/v1/queue"
	healthPattern         = "/health"
	defaultLongPollWindow = 30 * time.Second
)

var pkg = "github.com/ipfire/pbs/internal/dispatch"
var logger = telemetry.NewLogger(pkg)

// BuilderStore matches the builder methods on internal/database.Database.
type BuilderStore interface {
	CreateBuilder(ctx context.Context, builder *database.Builder) (string, error)
	GetBuilderByName(ctx context.Context, name string) (*database.Builder, error)
	ListBuilders(ctx context.Context) ([]database.Builder, error)
	SetBuilderStatus(ctx context.Context, name string, status database.BuilderStatus) error
	UpdateBuilderStats(ctx context.Context, id int64, loadavg1, loadavg5, loadavg15 float64, memTotal, memFree, diskFree int64) error
	UpdateBuilderInfo(ctx context.Context, id int64, arch string, compatArches []string, maxJobs int) error
	ActiveJobCount(ctx context.Context, builderID int64) (int, error)
}

// JobStore matches the job and queue methods on internal/database.Database.
type JobStore interface {
	GetJobByUUID(ctx context.Context, id uuid.UUID) (*database.Job, error)
	ListJobs(ctx context.Context, filter database.JobFilter) ([]database.Job, error)
	JobHistory(ctx context.Context, jobID int64) ([]database.JobHistoryEntry, error)
	AddJobFile(ctx context.Context, file *database.JobFile) error
	ListJobFiles(ctx context.Context, jobID int64) ([]database.JobFile, error)
	ClaimNextJob(ctx context.Context, builderID int64, arches []string, types []database.JobType, buildTypes []database.BuildType, maxTries int) (*database.Job, error)
	ReleaseClaim(ctx context.Context, jobID int64) error
	PeekQueue(ctx context.Context, arches []string, maxTries, limit int) ([]database.Job, error)
	SubscribeToJobChange(ctx context.Context) (<-chan struct{}, error)
}

// BuildStore matches the build methods on internal/database.Database.
type BuildStore interface {
	GetBuild(ctx context.Context, id int64) (*database.Build, error)
	GetBuildByUUID(ctx context.Context, id uuid.UUID) (*database.Build, error)
	GetDistribution(ctx context.Context, id int64) (*database.Distribution, error)
	GetRepositoryByName(ctx context.Context, distroID int64, name string) (*database.Repository, error)
	AddComment(ctx context.Context, comment *database.Comment) error
	ListComments(ctx context.Context, buildID int64) ([]database.Comment, error)
}

// Engine is the subset of the build engine the HTTP layer drives.
type Engine interface {
	SetJobState(ctx context.Context, job *database.Job, state database.JobState, message string) error
	AbortJob(ctx context.Context, job *database.Job, message string) error
	ScheduleRebuild(ctx context.Context, job *database.Job, startNotBefore *time.Time) error
	ScheduleTest(ctx context.Context, job *database.Job, startNotBefore *time.Time) (*database.Job, error)
	BreakBuild(ctx context.Context, build *database.Build, user string) error
	ObsoleteBuild(ctx context.Context, build *database.Build, user string) error
	PushBuild(ctx context.Context, build *database.Build, repo *database.Repository, user string) error
	UnpushBuild(ctx context.Context, build *database.Build, user string) error
	Policy() engine.RetryPolicy
}

// Server holds dependencies for the dispatch HTTP handlers.
type Server struct {
	mux      *http.ServeMux
	builders BuilderStore
	jobs     JobStore
	builds   BuildStore
	engine   Engine
	metrics  *Metrics

	// adminToken is the bootstrap token used for the admin routes. It is
	// not stored in the database.
	adminToken string

	// longPollWindow bounds how long a next-job request waits for work.
	longPollWindow time.Duration
}

// NewServer creates a new Server with the given dependencies.
func NewServer(builders BuilderStore, jobs JobStore, builds BuildStore, eng Engine, metrics *Metrics, adminToken string) *Server {
	s := &Server{
		mux:            http.NewServeMux(),
		builders:       builders,
		jobs:           jobs,
		builds:         builds,
		engine:         eng,
		metrics:        metrics,
		adminToken:     adminToken,
		longPollWindow: defaultLongPollWindow,
	}

	// Builder protocol
	s.mux.Handle("POST "+nextJobPattern, otelhttp.WithRouteTag(nextJobPattern, s.builderProtected(http.HandlerFunc(s.nextJob))))
	s.mux.Handle("POST "+jobStatePattern, otelhttp.WithRouteTag(jobStatePattern, s.builderProtected(http.HandlerFunc(s.reportJobState))))
	s.mux.Handle("POST "+jobFilesPattern, otelhttp.WithRouteTag(jobFilesPattern, s.builderProtected(http.HandlerFunc(s.attachJobFile))))
	s.mux.Handle("POST "+keepalivePattern, otelhttp.WithRouteTag(keepalivePattern, s.builderProtected(http.HandlerFunc(s.keepalive))))
	s.mux.Handle("POST "+builderInfoPattern, otelhttp.WithRouteTag(builderInfoPattern, s.builderProtected(http.HandlerFunc(s.builderInfo))))

	// Admin surface
	s.mux.Handle("POST "+createBuilderPattern, otelhttp.WithRouteTag(createBuilderPattern, s.adminProtected(http.HandlerFunc(s.createBuilder))))
	s.mux.Handle("POST "+builderStatusPattern, otelhttp.WithRouteTag(builderStatusPattern, s.adminProtected(http.HandlerFunc(s.setBuilderStatus))))
	s.mux.Handle("GET "+listBuildersPattern, otelhttp.WithRouteTag(listBuildersPattern, s.adminProtected(http.HandlerFunc(s.listBuilders))))
	s.mux.Handle("GET "+getBuildPattern, otelhttp.WithRouteTag(getBuildPattern, s.adminProtected(http.HandlerFunc(s.getBuild))))
	s.mux.Handle("POST "+buildStatePattern, otelhttp.WithRouteTag(buildStatePattern, s.adminProtected(http.HandlerFunc(s.setBuildState))))
	s.mux.Handle("POST "+buildPushPattern, otelhttp.WithRouteTag(buildPushPattern, s.adminProtected(http.HandlerFunc(s.pushBuild))))
	s.mux.Handle("POST "+buildUnpushPattern, otelhttp.WithRouteTag(buildUnpushPattern, s.adminProtected(http.HandlerFunc(s.unpushBuild))))
	s.mux.Handle("POST "+buildCommentsPattern, otelhttp.WithRouteTag(buildCommentsPattern, s.adminProtected(http.HandlerFunc(s.addComment))))
	s.mux.Handle("GET "+jobGetPattern, otelhttp.WithRouteTag(jobGetPattern, s.adminProtected(http.HandlerFunc(s.getJob))))
	s.mux.Handle("POST "+jobAbortPattern, otelhttp.WithRouteTag(jobAbortPattern, s.adminProtected(http.HandlerFunc(s.abortJob))))
	s.mux.Handle("POST "+jobRetryPattern, otelhttp.WithRouteTag(jobRetryPattern, s.adminProtected(http.HandlerFunc(s.retryJob))))
	s.mux.Handle("POST "+jobTestPattern, otelhttp.WithRouteTag(jobTestPattern, s.adminProtected(http.HandlerFunc(s.scheduleTest))))
	s.mux.Handle("GET "+queuePattern, otelhttp.WithRouteTag(queuePattern, s.adminProtected(http.HandlerFunc(s.listQueue))))

	s.mux.Handle("GET "+healthPattern, otelhttp.WithRouteTag(healthPattern, http.HandlerFunc(s.health)))

	return s
}

// ServeHTTP routes incoming HTTP requests to the appropriate handler methods.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// health handles health check requests.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type builderContextKey struct{}

// builderFromContext returns the authenticated builder set by builderProtected.
func builderFromContext(ctx context.Context) *database.Builder {
	b, _ := ctx.Value(builderContextKey{}).(*database.Builder)
	return b
}

// builderProtected enforces HTTP basic authentication against the builder
// registry. The passphrase comparison runs over the SHA-256 digests in
// constant time. Deleted builders cannot authenticate.
func (s *Server) builderProtected(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, passphrase, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="pakfire build service"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		builder, err := s.builders.GetBuilderByName(r.Context(), name)
		if err != nil {
			// Burn a comparison anyway so a missing name is not
			// distinguishable by timing.
			digestEqual(database.HashPassphrase(passphrase), "")
			w.Header().Set("WWW-Authenticate", `Basic realm="pakfire build service"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if !digestEqual(database.HashPassphrase(passphrase), builder.Passphrase) || builder.Status == database.BuilderDeleted {
			w.Header().Set("WWW-Authenticate", `Basic realm="pakfire build service"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), builderContextKey{}, builder)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func digestEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// adminProtected enforces admin token authentication for sensitive routes.
func (s *Server) adminProtected(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			http.Error(w, "invalid authorization header", http.StatusBadRequest)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.adminToken)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondWithJSON sends a JSON response with the given status code and payload.
func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
