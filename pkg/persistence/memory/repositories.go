package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/dukex/prompthook/pkg/models"
	"github.com/dukex/prompthook/pkg/persistence"
)

type triggerRepository struct{ p *Persistence }

func (r *triggerRepository) Save(_ context.Context, trigger *models.Trigger) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	now := r.p.now()
	trigger.UpdatedAt = now

	for i, existing := range r.p.data.triggers {
		if existing.UUID == trigger.UUID && existing.CommitID == trigger.CommitID {
			trigger.ID = existing.ID
			trigger.CreatedAt = existing.CreatedAt
			r.p.data.triggers[i] = *trigger

			return nil
		}
	}

	trigger.ID = r.p.data.id()
	trigger.CreatedAt = now
	r.p.data.triggers = append(r.p.data.triggers, *trigger)

	return nil
}

func (r *triggerRepository) ByUUID(_ context.Context, workspaceID int64, triggerUUID string, commitID int64) (*models.Trigger, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	visible := r.visible(commitID, func(t models.Trigger) bool {
		return t.WorkspaceID == workspaceID && t.UUID == triggerUUID
	})
	if len(visible) == 0 {
		return nil, persistence.NewTriggerError("get", triggerUUID, persistence.ErrTriggerNotFound)
	}

	return visible[0], nil
}

func (r *triggerRepository) Latest(_ context.Context, workspaceID int64, triggerUUID string) (*models.Trigger, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var latest *models.Trigger

	for _, trigger := range r.p.data.triggers {
		if trigger.WorkspaceID != workspaceID || trigger.UUID != triggerUUID {
			continue
		}

		if latest == nil || !trigger.UpdatedAt.Before(latest.UpdatedAt) {
			latest = &trigger
		}
	}

	if latest == nil || latest.IsDeleted() {
		return nil, persistence.NewTriggerError("latest", triggerUUID, persistence.ErrTriggerNotFound)
	}

	return latest, nil
}

func (r *triggerRepository) Active(_ context.Context, filter persistence.TriggerFilter) ([]*models.Trigger, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	visible := r.visible(filter.CommitID, func(t models.Trigger) bool {
		return t.WorkspaceID == filter.WorkspaceID &&
			t.ProjectID == filter.ProjectID &&
			t.DocumentUUID == filter.DocumentUUID
	})

	if filter.Kind != "" {
		visible = slices.DeleteFunc(visible, func(t *models.Trigger) bool { return t.Kind != filter.Kind })
	}

	return visible, nil
}

// visible returns copies of the non-deleted trigger versions visible at commitID.
func (r *triggerRepository) visible(commitID int64, match func(models.Trigger) bool) []*models.Trigger {
	target, ok := r.p.data.commits[commitID]
	if !ok {
		return []*models.Trigger{}
	}

	type candidate struct {
		trigger models.Trigger
		commit  models.Commit
	}

	best := map[string]candidate{}

	for _, trigger := range r.p.data.triggers {
		if !match(trigger) {
			continue
		}

		commit, ok := r.p.data.visibleCommit(target, trigger.CommitID)
		if !ok {
			continue
		}

		current, seen := best[trigger.UUID]
		if !seen || r.p.data.outranks(target, commit, current.commit) {
			best[trigger.UUID] = candidate{trigger: trigger, commit: commit}
		}
	}

	result := make([]*models.Trigger, 0, len(best))

	for _, c := range best {
		if c.trigger.IsDeleted() {
			continue
		}

		trigger := c.trigger
		result = append(result, &trigger)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result
}

func (r *triggerRepository) UpdateDeploymentSettings(_ context.Context, triggerID int64, settings *models.DeploymentSettings) error {
	return r.update(triggerID, func(t *models.Trigger) {
		if settings == nil {
			t.DeploymentSettings = nil

			return
		}

		copied := *settings
		t.DeploymentSettings = &copied
	})
}

func (r *triggerRepository) SoftDelete(_ context.Context, triggerID int64, deletedAt time.Time) error {
	r.p.mu.RLock()
	failure := r.p.softDeleteErr
	r.p.mu.RUnlock()

	if failure != nil {
		return failure
	}

	return r.update(triggerID, func(t *models.Trigger) { t.DeletedAt = &deletedAt })
}

func (r *triggerRepository) update(triggerID int64, fn func(t *models.Trigger)) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for i := range r.p.data.triggers {
		if r.p.data.triggers[i].ID == triggerID {
			fn(&r.p.data.triggers[i])
			r.p.data.triggers[i].UpdatedAt = r.p.now()

			return nil
		}
	}

	return persistence.ErrTriggerNotFound
}

func (r *triggerRepository) SaveSchedule(_ context.Context, schedule *models.TriggerSchedule) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if r.p.saveScheduleErr != nil {
		return r.p.saveScheduleErr
	}

	r.p.data.schedules[schedule.TriggerUUID] = *schedule

	return nil
}

func (r *triggerRepository) DeleteSchedule(_ context.Context, triggerUUID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	delete(r.p.data.schedules, triggerUUID)

	return nil
}

func (r *triggerRepository) DueSchedules(_ context.Context, now time.Time, limit int) ([]*models.TriggerSchedule, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	due := make([]*models.TriggerSchedule, 0)

	for _, schedule := range r.p.data.schedules {
		if !schedule.NextRunAt.After(now) {
			due = append(due, &schedule)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

type triggerEventRepository struct{ p *Persistence }

func (r *triggerEventRepository) Insert(_ context.Context, event *models.TriggerEvent) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if r.p.insertEventErr != nil {
		return persistence.NewTriggerEventError("insert", event.UUID, r.p.insertEventErr)
	}

	for _, existing := range r.p.data.events {
		if existing.UUID == event.UUID {
			return persistence.NewTriggerEventError("insert", event.UUID, persistence.ErrTriggerEventExists)
		}
	}

	event.ID = r.p.data.id()
	event.CreatedAt = r.p.now()
	r.p.data.events = append(r.p.data.events, *event)

	return nil
}

func (r *triggerEventRepository) ByUUID(_ context.Context, workspaceID int64, eventUUID string) (*models.TriggerEvent, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, event := range r.p.data.events {
		if event.WorkspaceID == workspaceID && event.UUID == eventUUID {
			return &event, nil
		}
	}

	return nil, persistence.NewTriggerEventError("get", eventUUID, persistence.ErrTriggerEventNotFound)
}

func (r *triggerEventRepository) AttachDocumentLog(_ context.Context, eventID int64, documentLogUUID string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for i := range r.p.data.events {
		event := &r.p.data.events[i]
		if event.ID == eventID && !event.IsExecuted() {
			event.DocumentLogUUID = &documentLogUUID

			return nil
		}
	}

	return persistence.ErrTriggerEventNotFound
}

func (r *triggerEventRepository) MarkFailed(_ context.Context, eventID int64, failedAt time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for i := range r.p.data.events {
		event := &r.p.data.events[i]
		if event.ID == eventID && !event.IsExecuted() && !event.IsFailed() {
			event.FailedAt = &failedAt

			return nil
		}
	}

	return persistence.ErrTriggerEventNotFound
}

func (r *triggerEventRepository) Unexecuted(_ context.Context, since, before time.Time, limit int) ([]*models.TriggerEvent, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	pending := make([]*models.TriggerEvent, 0)

	for _, event := range r.p.data.events {
		if event.IsExecuted() || event.IsFailed() || event.CreatedAt.Before(since) || !event.CreatedAt.Before(before) {
			continue
		}

		pending = append(pending, &event)

		if limit > 0 && len(pending) == limit {
			break
		}
	}

	return pending, nil
}

type integrationRepository struct{ p *Persistence }

func (r *integrationRepository) ByID(_ context.Context, workspaceID, integrationID int64) (*models.Integration, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	integration, ok := r.p.data.integrations[integrationID]
	if !ok || integration.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("integration %d: %w", integrationID, persistence.ErrIntegrationNotFound)
	}

	return &integration, nil
}

type documentRepository struct{ p *Persistence }

func (r *documentRepository) ScopeByDocumentUUID(_ context.Context, documentUUID string) (*models.DocumentScope, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var (
		latest   *documentVersion
		latestAt time.Time
	)

	for i, version := range r.p.data.documents {
		commit := r.p.data.commits[version.commitID]
		if version.scope.DocumentUUID != documentUUID || !commit.IsMerged() {
			continue
		}

		if latest == nil || commit.MergedAt.After(latestAt) {
			latest = &r.p.data.documents[i]
			latestAt = *commit.MergedAt
		}
	}

	if latest == nil || latest.deleted {
		return nil, fmt.Errorf("document %s: %w", documentUUID, persistence.ErrDocumentNotFound)
	}

	scope := latest.scope
	if workspaceID, ok := r.p.data.projects[scope.ProjectID]; ok {
		scope.WorkspaceID = workspaceID
	}

	return &scope, nil
}

func (r *documentRepository) DocumentExists(_ context.Context, documentUUID string, commitID int64) (bool, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	target, ok := r.p.data.commits[commitID]
	if !ok {
		return false, nil
	}

	var (
		best  *documentVersion
		bestC models.Commit
	)

	for i, version := range r.p.data.documents {
		if version.scope.DocumentUUID != documentUUID {
			continue
		}

		commit, visible := r.p.data.visibleCommit(target, version.commitID)
		if !visible {
			continue
		}

		if best == nil || r.p.data.outranks(target, commit, bestC) {
			best = &r.p.data.documents[i]
			bestC = commit
		}
	}

	return best != nil && !best.deleted, nil
}

func (r *documentRepository) CommitByID(_ context.Context, commitID int64) (*models.Commit, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	commit, ok := r.p.data.commits[commitID]
	if !ok {
		return nil, persistence.ErrCommitNotFound
	}

	return &commit, nil
}

func (r *documentRepository) CommitByUUID(_ context.Context, projectID int64, commitUUID string) (*models.Commit, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, commit := range r.p.data.commits {
		if commit.ProjectID == projectID && commit.UUID == commitUUID {
			return &commit, nil
		}
	}

	return nil, persistence.ErrCommitNotFound
}

func (r *documentRepository) HeadCommit(_ context.Context, projectID int64) (*models.Commit, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var head *models.Commit

	for _, commit := range r.p.data.commits {
		if commit.ProjectID != projectID || !commit.IsMerged() {
			continue
		}

		if head == nil || commit.MergedAt.After(*head.MergedAt) {
			head = &commit
		}
	}

	if head == nil {
		return nil, persistence.ErrCommitNotFound
	}

	return head, nil
}

type datasetRepository struct{ p *Persistence }

func (r *datasetRepository) Rows(_ context.Context, workspaceID, datasetID int64, from, to int) ([]*models.DatasetRow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	set, ok := r.p.data.datasets[datasetID]
	if !ok || set.workspaceID != workspaceID {
		return nil, fmt.Errorf("dataset %d: %w", datasetID, persistence.ErrDatasetNotFound)
	}

	start := max(from-1, 0)
	end := len(set.rows)

	if to > 0 {
		end = min(to, end)
	}

	if start >= end {
		return []*models.DatasetRow{}, nil
	}

	return slices.Clone(set.rows[start:end]), nil
}
