// Package execution runs documents and evaluations through the execution service.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dukex/prompthook/pkg/httpclient"
)

// Source tells the execution service what started a run.
type Source string

const (
	SourceTrigger    Source = "trigger"
	SourceEvaluation Source = "evaluation"
)

type RunRequest struct {
	WorkspaceID  int64          `json:"workspace_id"`
	ProjectID    int64          `json:"project_id"`
	DocumentUUID string         `json:"document_uuid"`
	CommitUUID   string         `json:"commit_uuid"`
	Parameters   map[string]any `json:"parameters"`
	Source       Source         `json:"source"`
	// SourceID identifies the trigger event or batch child that started the run.
	SourceID string `json:"source_id,omitempty"`
}

type RunResult struct {
	ResponseText    string `json:"response_text"`
	DocumentLogUUID string `json:"document_log_uuid"`
}

type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}

type EvaluateRequest struct {
	WorkspaceID     int64  `json:"workspace_id"`
	EvaluationUUID  string `json:"evaluation_uuid"`
	DocumentLogUUID string `json:"document_log_uuid"`
	BatchID         string `json:"batch_id,omitempty"`
	DatasetRowID    int64  `json:"dataset_row_id,omitempty"`
}

type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) error
}

// ErrRejected is returned when the execution service refuses a request outright.
var ErrRejected = errors.New("execution rejected")

// HTTPClient implements Runner and Evaluator over the execution service's REST API.
type HTTPClient struct {
	client *httpclient.Client
	logger *slog.Logger
}

func NewHTTPClient(cfg httpclient.Config, logger *slog.Logger) *HTTPClient {
	logger = logger.With("module", "execution_client")

	return &HTTPClient{client: httpclient.New(cfg, logger), logger: logger}
}

func (c *HTTPClient) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	var result RunResult

	if err := c.client.Do(ctx, http.MethodPost, "/runs", req, &result); err != nil {
		return nil, classify("run document "+req.DocumentUUID, err)
	}

	if result.DocumentLogUUID == "" {
		return nil, fmt.Errorf("run document %s: execution service returned no document log", req.DocumentUUID)
	}

	c.logger.DebugContext(ctx, "Document run finished", "document_uuid", req.DocumentUUID, "document_log_uuid", result.DocumentLogUUID)

	return &result, nil
}

func (c *HTTPClient) Evaluate(ctx context.Context, req EvaluateRequest) error {
	if err := c.client.Do(ctx, http.MethodPost, "/evaluations", req, nil); err != nil {
		return classify("evaluate "+req.EvaluationUUID, err)
	}

	return nil
}

func classify(op string, err error) error {
	if httpclient.Retryable(err) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w: %w", op, ErrRejected, err)
}

var (
	_ Runner    = (*HTTPClient)(nil)
	_ Evaluator = (*HTTPClient)(nil)
)
