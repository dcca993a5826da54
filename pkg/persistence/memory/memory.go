// Package memory provides an in-process implementation of persistence.Persistence for
// development and tests.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/google/uuid"
)

type documentVersion struct {
	scope    models.DocumentScope
	commitID int64
	deleted  bool
}

type dataset struct {
	workspaceID int64
	rows        []*models.DatasetRow
}

type state struct {
	nextID       int64
	projects     map[int64]int64
	triggers     []models.Trigger
	schedules    map[string]models.TriggerSchedule
	events       []models.TriggerEvent
	integrations map[int64]models.Integration
	commits      map[int64]models.Commit
	documents    []documentVersion
	datasets     map[int64]dataset
}

func (s *state) clone() *state {
	return &state{
		nextID:       s.nextID,
		projects:     maps.Clone(s.projects),
		triggers:     slices.Clone(s.triggers),
		schedules:    maps.Clone(s.schedules),
		events:       slices.Clone(s.events),
		integrations: maps.Clone(s.integrations),
		commits:      maps.Clone(s.commits),
		documents:    slices.Clone(s.documents),
		datasets:     maps.Clone(s.datasets),
	}
}

func (s *state) id() int64 {
	s.nextID++

	return s.nextID
}

// Persistence keeps every table in memory. Transactions are serialized and restore a
// snapshot when the callback fails; writes made outside a transaction while one is open
// are lost if it rolls back.
type Persistence struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data *state
	now  func() time.Time

	insertEventErr  error
	saveScheduleErr error
	softDeleteErr   error
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		data: &state{
			projects:     map[int64]int64{},
			schedules:    map[string]models.TriggerSchedule{},
			integrations: map[int64]models.Integration{},
			commits:      map[int64]models.Commit{},
			datasets:     map[int64]dataset{},
		},
		now: time.Now,
	}
}

func (p *Persistence) Triggers() persistence.TriggerRepository { return &triggerRepository{p} }
func (p *Persistence) TriggerEvents() persistence.TriggerEventRepository {
	return &triggerEventRepository{p}
}
func (p *Persistence) Integrations() persistence.IntegrationRepository {
	return &integrationRepository{p}
}
func (p *Persistence) Documents() persistence.DocumentRepository { return &documentRepository{p} }
func (p *Persistence) Datasets() persistence.DatasetRepository   { return &datasetRepository{p} }

func (p *Persistence) Transaction(ctx context.Context, fn func(ctx context.Context, tx persistence.Repositories) error) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	p.mu.RLock()
	snapshot := p.data.clone()
	p.mu.RUnlock()

	err := fn(ctx, p)
	if err != nil {
		p.mu.Lock()
		p.data = snapshot
		p.mu.Unlock()

		return err
	}

	return nil
}

func (p *Persistence) HealthCheck(context.Context) error { return nil }

func (p *Persistence) Close(context.Context) error { return nil }

// FailTriggerEventInserts makes every following trigger event insert return err until
// called again with nil.
func (p *Persistence) FailTriggerEventInserts(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.insertEventErr = err
}

// FailScheduleSaves makes every following schedule save return err until called again
// with nil.
func (p *Persistence) FailScheduleSaves(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.saveScheduleErr = err
}

// FailTriggerDeletes makes every following trigger soft delete return err until called
// again with nil.
func (p *Persistence) FailTriggerDeletes(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.softDeleteErr = err
}

// AddProject registers a project with one merged commit and returns that commit.
func (p *Persistence) AddProject(workspaceID, projectID int64) models.Commit {
	commit := p.AddCommit(projectID, true)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.data.projects[projectID] = workspaceID

	return commit
}

// AddCommit creates a commit on a project, merged now when merged is true.
func (p *Persistence) AddCommit(projectID int64, merged bool) models.Commit {
	p.mu.Lock()
	defer p.mu.Unlock()

	commit := models.Commit{ID: p.data.id(), UUID: uuid.NewString(), ProjectID: projectID}
	if merged {
		// Merge times must be strictly increasing for visibility ordering.
		mergedAt := p.now().Add(time.Duration(commit.ID) * time.Microsecond)
		commit.MergedAt = &mergedAt
	}

	p.data.commits[commit.ID] = commit

	return commit
}

// MergeCommit marks a draft commit as merged.
func (p *Persistence) MergeCommit(commitID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	commit := p.data.commits[commitID]
	mergedAt := p.now().Add(time.Duration(commit.ID) * time.Microsecond)
	commit.MergedAt = &mergedAt
	p.data.commits[commitID] = commit
}

// AddDocument writes a document version on a commit.
func (p *Persistence) AddDocument(scope models.DocumentScope, commitID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.data.documents = append(p.data.documents, documentVersion{scope: scope, commitID: commitID})
}

// DeleteDocument writes a deleted version of a document on a commit.
func (p *Persistence) DeleteDocument(scope models.DocumentScope, commitID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.data.documents = append(p.data.documents, documentVersion{scope: scope, commitID: commitID, deleted: true})
}

func (p *Persistence) AddIntegration(integration models.Integration) models.Integration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if integration.ID == 0 {
		integration.ID = p.data.id()
	}

	p.data.integrations[integration.ID] = integration

	return integration
}

// AddDataset stores a dataset with the given rows and returns its id.
func (p *Persistence) AddDataset(workspaceID int64, rows ...map[string]any) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	datasetID := p.data.id()
	set := dataset{workspaceID: workspaceID}

	for _, values := range rows {
		set.rows = append(set.rows, &models.DatasetRow{ID: p.data.id(), DatasetID: datasetID, Values: values})
	}

	p.data.datasets[datasetID] = set

	return datasetID
}

// visibleCommit reports whether a version written on commit is visible at target and,
// when both are visible, whether it outranks the current best version.
func (s *state) visibleCommit(target models.Commit, commitID int64) (models.Commit, bool) {
	commit, ok := s.commits[commitID]
	if !ok || commit.ProjectID != target.ProjectID {
		return commit, false
	}

	if commit.ID == target.ID {
		return commit, true
	}

	if !commit.IsMerged() {
		return commit, false
	}

	return commit, !target.IsMerged() || !commit.MergedAt.After(*target.MergedAt)
}

func (s *state) outranks(target, candidate, best models.Commit) bool {
	if candidate.ID == target.ID {
		return true
	}

	if best.ID == target.ID {
		return false
	}

	return candidate.MergedAt.After(*best.MergedAt)
}
