// Package gateway registers and destroys webhook-style subscriptions with third-party systems.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dukex/prompthook/pkg/httpclient"
)

// ErrUnknownComponent is returned when the third-party component does not exist.
var ErrUnknownComponent = errors.New("unknown component")

type DeployRequest struct {
	ComponentKey string         `json:"component_key"`
	Properties   map[string]any `json:"configured_props,omitempty"`
	AccountRef   string         `json:"account_ref,omitempty"`
	// WebhookURL is where the subscription delivers its events.
	WebhookURL string `json:"webhook_url"`
}

type DestroyRequest struct {
	ExternalID string `json:"-"`
	AccountRef string `json:"account_ref,omitempty"`
}

// Gateway must be safe to call again after an ambiguous failure.
type Gateway interface {
	DeploySubscription(ctx context.Context, req DeployRequest) (string, error)
	DestroySubscription(ctx context.Context, req DestroyRequest) error
}

// HTTPGateway talks to the integration gateway's REST API.
type HTTPGateway struct {
	client *httpclient.Client
	logger *slog.Logger
}

func NewHTTPGateway(cfg httpclient.Config, logger *slog.Logger) *HTTPGateway {
	logger = logger.With("module", "integration_gateway")

	return &HTTPGateway{client: httpclient.New(cfg, logger), logger: logger}
}

type deployResponse struct {
	ID string `json:"id"`
}

func (g *HTTPGateway) DeploySubscription(ctx context.Context, req DeployRequest) (string, error) {
	var resp deployResponse

	err := g.client.Do(ctx, http.MethodPost, "/subscriptions", req, &resp)

	switch {
	case httpclient.IsStatus(err, http.StatusNotFound), httpclient.IsStatus(err, http.StatusUnprocessableEntity):
		return "", fmt.Errorf("%w: %s", ErrUnknownComponent, req.ComponentKey)
	case err != nil:
		return "", fmt.Errorf("failed to deploy subscription for %s: %w", req.ComponentKey, err)
	case resp.ID == "":
		return "", fmt.Errorf("gateway returned an empty subscription id for %s", req.ComponentKey)
	}

	g.logger.InfoContext(ctx, "Deployed subscription", "component_key", req.ComponentKey, "external_trigger_id", resp.ID)

	return resp.ID, nil
}

// DestroySubscription treats a subscription the gateway no longer knows as destroyed.
func (g *HTTPGateway) DestroySubscription(ctx context.Context, req DestroyRequest) error {
	path := "/subscriptions/" + url.PathEscape(req.ExternalID)

	err := g.client.Do(ctx, http.MethodDelete, path, req, nil)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		g.logger.InfoContext(ctx, "Subscription already destroyed", "external_trigger_id", req.ExternalID)

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to destroy subscription %s: %w", req.ExternalID, err)
	}

	g.logger.InfoContext(ctx, "Destroyed subscription", "external_trigger_id", req.ExternalID)

	return nil
}

var _ Gateway = (*HTTPGateway)(nil)
