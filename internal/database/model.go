/*
 * Copyright 2026 The Pakfire Build Service Authors
 * See LICENSE file for licensing details.
 */

package database

import (
	"time"

	"github.com/google/uuid"
)

// BuildType classifies what a build is for.
type BuildType string

const (
	BuildTypeRelease BuildType = "release"
	BuildTypeScratch BuildType = "scratch"
	BuildTypeTest    BuildType = "test"
)

// BuildState is the lifecycle state of a build.
type BuildState string

const (
	BuildStateBuilding BuildState = "building"
	BuildStateTesting  BuildState = "testing"
	BuildStateStable   BuildState = "stable"
	BuildStateObsolete BuildState = "obsolete"
	BuildStateBroken   BuildState = "broken"
)

// JobType distinguishes compile jobs from test runs.
type JobType string

const (
	JobTypeBuild JobType = "build"
	JobTypeTest  JobType = "test"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobStateNew             JobState = "new"
	JobStatePending         JobState = "pending"
	JobStateDispatching     JobState = "dispatching"
	JobStateRunning         JobState = "running"
	JobStateUploading       JobState = "uploading"
	JobStateFinished        JobState = "finished"
	JobStateFailed          JobState = "failed"
	JobStateAborted         JobState = "aborted"
	JobStateDependencyError JobState = "dependency_error"
)

// Terminal reports whether no builder is working on a job in this state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateFinished, JobStateFailed, JobStateAborted, JobStateDependencyError:
		return true
	}
	return false
}

// BuilderStatus gates a builder's dispatch eligibility.
type BuilderStatus string

const (
	BuilderEnabled  BuilderStatus = "enabled"
	BuilderDisabled BuilderStatus = "disabled"
	BuilderDeleted  BuilderStatus = "deleted"
)

// RepoType is the promotion stage class of a repository.
type RepoType string

const (
	RepoTypeUnstable RepoType = "unstable"
	RepoTypeTesting  RepoType = "testing"
	RepoTypeStable   RepoType = "stable"
)

// Pseudo-architectures every capable builder can serve.
const (
	ArchNoarch = "noarch"
	ArchSource = "src"
)

type Distribution struct {
	ID     int64    `db:"id"     json:"id"`
	Name   string   `db:"name"   json:"name"`
	Slug   string   `db:"slug"   json:"slug"`
	Arches []string `db:"arches" json:"arches"`
}

type Build struct {
	ID         int64      `db:"id"          json:"id"`
	UUID       uuid.UUID  `db:"uuid"        json:"uuid"`
	Type       BuildType  `db:"type"        json:"type"`
	PkgName    string     `db:"pkg_name"    json:"pkg_name"`
	PkgEVR     string     `db:"pkg_evr"     json:"pkg_evr"`
	DistroID   int64      `db:"distro_id"   json:"distro_id"`
	State      BuildState `db:"state"       json:"state"`
	Priority   int        `db:"priority"    json:"priority"`
	Public     bool       `db:"public"      json:"public"`
	Score      int        `db:"score"       json:"score"`
	Owner      *string    `db:"owner"       json:"owner,omitempty"`
	DependsOn  *int64     `db:"depends_on"  json:"depends_on,omitempty"`
	SourceURL  string     `db:"source_url"  json:"source_url"`
	SourceHash string     `db:"source_hash" json:"source_hash"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
}

type Job struct {
	ID             int64      `db:"id"               json:"id"`
	UUID           uuid.UUID  `db:"uuid"             json:"uuid"`
	Type           JobType    `db:"type"             json:"type"`
	BuildID        int64      `db:"build_id"         json:"build_id"`
	Arch           string     `db:"arch"             json:"arch"`
	State          JobState   `db:"state"            json:"state"`
	BuilderID      *int64     `db:"builder_id"       json:"builder_id,omitempty"`
	Tries          int        `db:"tries"            json:"tries"`
	Message        string     `db:"message"          json:"message,omitempty"`
	StartNotBefore *time.Time `db:"start_not_before" json:"start_not_before,omitempty"`
	SupersededBy   *int64     `db:"superseded_by"    json:"superseded_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	StartedAt      *time.Time `db:"started_at"       json:"started_at,omitempty"`
	FinishedAt     *time.Time `db:"finished_at"      json:"finished_at,omitempty"`
}

type Builder struct {
	ID            int64         `db:"id"             json:"id"`
	Name          string        `db:"name"           json:"name"`
	Passphrase    string        `db:"passphrase"     json:"-"`
	Status        BuilderStatus `db:"status"         json:"status"`
	BuildRelease  bool          `db:"build_release"  json:"build_release"`
	BuildScratch  bool          `db:"build_scratch"  json:"build_scratch"`
	BuildTest     bool          `db:"build_test"     json:"build_test"`
	Arch          string        `db:"arch"           json:"arch"`
	CompatArches  []string      `db:"compat_arches"  json:"compat_arches"`
	MaxJobs       int           `db:"max_jobs"       json:"max_jobs"`
	LoadAvg1      float64       `db:"loadavg1"       json:"loadavg1"`
	LoadAvg5      float64       `db:"loadavg5"       json:"loadavg5"`
	LoadAvg15     float64       `db:"loadavg15"      json:"loadavg15"`
	MemTotal      int64         `db:"mem_total"      json:"mem_total"`
	MemFree       int64         `db:"mem_free"       json:"mem_free"`
	DiskFree      int64         `db:"disk_free"      json:"disk_free"`
	LastKeepalive *time.Time    `db:"last_keepalive" json:"last_keepalive,omitempty"`
	LastInfoAt    *time.Time    `db:"last_info_at"   json:"last_info_at,omitempty"`
}

// Arches returns all architectures this builder can serve, including the
// noarch and src pseudo-architectures.
func (b *Builder) Arches() []string {
	arches := []string{b.Arch}
	for _, a := range b.CompatArches {
		if a != b.Arch {
			arches = append(arches, a)
		}
	}
	return append(arches, ArchNoarch, ArchSource)
}

// Online reports whether the builder has sent a keepalive within threshold.
// It is derived state, never stored.
func (b *Builder) Online(threshold time.Duration) bool {
	return b.LastKeepalive != nil && time.Since(*b.LastKeepalive) < threshold
}

type Repository struct {
	ID               int64    `db:"id"                 json:"id"`
	DistroID         int64    `db:"distro_id"          json:"distro_id"`
	Name             string   `db:"name"               json:"name"`
	Type             RepoType `db:"type"               json:"type"`
	ParentID         *int64   `db:"parent_id"          json:"parent_id,omitempty"`
	ScoreNeeded      int      `db:"score_needed"       json:"score_needed"`
	TimeMin          int64    `db:"time_min"           json:"time_min"` // seconds
	TimeMax          int64    `db:"time_max"           json:"time_max"` // seconds
	EnabledForBuilds bool     `db:"enabled_for_builds" json:"enabled_for_builds"`
}

// RepositoryEntry is a build's membership in a repository. A build is a
// member of at most one repository at a time.
type RepositoryEntry struct {
	RepoID  int64     `db:"repo_id"  json:"repo_id"`
	BuildID int64     `db:"build_id" json:"build_id"`
	AddedAt time.Time `db:"added_at" json:"added_at"`
}

// RepoAction is the kind of repository history event.
type RepoAction string

const (
	RepoActionAdded   RepoAction = "added"
	RepoActionRemoved RepoAction = "removed"
	RepoActionMoved   RepoAction = "moved"
)

type RepositoryHistoryEntry struct {
	ID        int64      `db:"id"         json:"id"`
	BuildID   int64      `db:"build_id"   json:"build_id"`
	Action    RepoAction `db:"action"     json:"action"`
	FromRepo  *int64     `db:"from_repo"  json:"from_repo,omitempty"`
	ToRepo    *int64     `db:"to_repo"    json:"to_repo,omitempty"`
	User      *string    `db:"user_name"  json:"user,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

type JobHistoryEntry struct {
	ID        int64     `db:"id"         json:"id"`
	JobID     int64     `db:"job_id"     json:"job_id"`
	State     JobState  `db:"state"      json:"state"`
	BuilderID *int64    `db:"builder_id" json:"builder_id,omitempty"`
	Message   string    `db:"message"    json:"message,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// JobFileType classifies artifacts attached to a job.
type JobFileType string

const (
	JobFilePackage JobFileType = "package"
	JobFileLog     JobFileType = "log"
)

type JobFile struct {
	ID        int64       `db:"id"         json:"id"`
	JobID     int64       `db:"job_id"     json:"job_id"`
	Type      JobFileType `db:"type"       json:"type"`
	Path      string      `db:"path"       json:"path"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// Comment is a reviewer comment on a build. Vote is -1, 0 or +1 and
// accumulates into the build's score, which gates repository promotion.
type Comment struct {
	ID        int64     `db:"id"         json:"id"`
	BuildID   int64     `db:"build_id"   json:"build_id"`
	User      string    `db:"user_name"  json:"user"`
	Text      string    `db:"text"       json:"text"`
	Vote      int       `db:"vote"       json:"vote"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
