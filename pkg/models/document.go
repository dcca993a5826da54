package models

import "time"

// Commit is a version of a project. A commit without MergedAt is a mutable draft.
type Commit struct {
	ID        int64      `json:"id"`
	UUID      string     `json:"uuid"`
	ProjectID int64      `json:"project_id"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
}

func (c *Commit) IsMerged() bool {
	return c.MergedAt != nil
}

// DocumentScope locates a document inside a workspace and project.
type DocumentScope struct {
	WorkspaceID  int64  `json:"workspace_id"`
	ProjectID    int64  `json:"project_id"`
	DocumentUUID string `json:"document_uuid"`
	Path         string `json:"path,omitempty"`
}

// DatasetRow is one input row of a batch evaluation.
type DatasetRow struct {
	ID        int64          `json:"id"`
	DatasetID int64          `json:"dataset_id"`
	Values    map[string]any `json:"values"`
}
