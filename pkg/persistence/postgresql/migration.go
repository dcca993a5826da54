package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE projects (
				id BIGSERIAL PRIMARY KEY,
				workspace_id BIGINT NOT NULL,
				name VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_projects_workspace_id ON projects(workspace_id);

			CREATE TABLE commits (
				id BIGSERIAL PRIMARY KEY,
				uuid UUID NOT NULL UNIQUE,
				project_id BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
				merged_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_commits_project_merged_at ON commits(project_id, merged_at);

			CREATE TABLE document_versions (
				id BIGSERIAL PRIMARY KEY,
				document_uuid UUID NOT NULL,
				commit_id BIGINT NOT NULL REFERENCES commits(id) ON DELETE CASCADE,
				path VARCHAR(1024) NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (document_uuid, commit_id)
			);

			CREATE TABLE integrations (
				id BIGSERIAL PRIMARY KEY,
				workspace_id BIGINT NOT NULL,
				name VARCHAR(255) NOT NULL,
				kind VARCHAR(50) NOT NULL CHECK (kind IN ('pipedream', 'custom_mcp', 'hosted_mcp')),
				configured BOOLEAN NOT NULL DEFAULT false,
				account_ref VARCHAR(255),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_integrations_workspace_id ON integrations(workspace_id);
		`,
		2: `
			CREATE TABLE document_triggers (
				id BIGSERIAL PRIMARY KEY,
				uuid UUID NOT NULL,
				workspace_id BIGINT NOT NULL,
				project_id BIGINT NOT NULL,
				document_uuid UUID NOT NULL,
				commit_id BIGINT NOT NULL REFERENCES commits(id) ON DELETE CASCADE,
				trigger_kind VARCHAR(50) NOT NULL CHECK (trigger_kind IN ('scheduled', 'email', 'integration')),
				configuration JSONB NOT NULL,
				deployment_settings JSONB,
				definition_hash VARCHAR(64) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (uuid, commit_id)
			);

			CREATE INDEX idx_document_triggers_document ON document_triggers(workspace_id, document_uuid);
			CREATE INDEX idx_document_triggers_kind ON document_triggers(trigger_kind);

			CREATE TABLE trigger_schedules (
				trigger_uuid UUID PRIMARY KEY,
				workspace_id BIGINT NOT NULL,
				cron_expression VARCHAR(255) NOT NULL,
				timezone VARCHAR(64) NOT NULL DEFAULT '',
				next_run_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_trigger_schedules_next_run_at ON trigger_schedules(next_run_at);

			CREATE TABLE document_trigger_events (
				id BIGSERIAL PRIMARY KEY,
				uuid UUID NOT NULL UNIQUE,
				workspace_id BIGINT NOT NULL,
				trigger_uuid UUID NOT NULL,
				trigger_kind VARCHAR(50) NOT NULL,
				trigger_hash VARCHAR(64) NOT NULL,
				commit_id BIGINT NOT NULL,
				payload JSONB NOT NULL,
				document_log_uuid UUID,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_document_trigger_events_trigger ON document_trigger_events(trigger_uuid);
			CREATE INDEX idx_document_trigger_events_unexecuted ON document_trigger_events(created_at)
				WHERE document_log_uuid IS NULL;
		`,
		3: `
			CREATE TABLE datasets (
				id BIGSERIAL PRIMARY KEY,
				workspace_id BIGINT NOT NULL,
				name VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE dataset_rows (
				id BIGSERIAL PRIMARY KEY,
				dataset_id BIGINT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
				row_data JSONB NOT NULL DEFAULT '{}'
			);

			CREATE INDEX idx_dataset_rows_dataset_id ON dataset_rows(dataset_id, id);
		`,
		4: `
			ALTER TABLE document_trigger_events ADD COLUMN failed_at TIMESTAMP WITH TIME ZONE;

			DROP INDEX idx_document_trigger_events_unexecuted;
			CREATE INDEX idx_document_trigger_events_unexecuted ON document_trigger_events(created_at)
				WHERE document_log_uuid IS NULL AND failed_at IS NULL;
		`,
	}
}
