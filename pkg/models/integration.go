package models

type IntegrationKind string

const (
	// IntegrationKindPipedream integrations deliver events through external subscriptions.
	IntegrationKindPipedream IntegrationKind = "pipedream"
	IntegrationKindCustomMCP IntegrationKind = "custom_mcp"
	IntegrationKindHostedMCP IntegrationKind = "hosted_mcp"
)

// Integration is a workspace connection to a third-party system.
type Integration struct {
	ID          int64           `json:"id"`
	WorkspaceID int64           `json:"workspace_id"`
	Name        string          `json:"name"`
	Kind        IntegrationKind `json:"kind"`
	// Configured is false until the account connection has been completed.
	Configured bool   `json:"configured"`
	AccountRef string `json:"account_ref,omitempty"`
}

// RequiresDeployment reports whether triggers on this integration need an external subscription.
func (i *Integration) RequiresDeployment() bool {
	return i.Kind == IntegrationKindPipedream
}
