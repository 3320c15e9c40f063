package policy

// Event types published after a committed operation.
const (
	EventAuthorizationGranted = "authorization_granted"
	EventAuthorizationDenied  = "authorization_denied"
	EventWalletAdded          = "wallet_added"
	EventWalletRemoved        = "wallet_removed"
	EventWalletUpdated        = "wallet_updated"
	EventAdminInitialized     = "admin_initialized"
	EventAdminRotated         = "admin_rotated"
)

// EventPublisher receives policy events. Implementations must not block.
// Signer-scoped events carry the canonical signer key under "signer".
type EventPublisher interface {
	PublishPolicyEvent(eventType string, data map[string]interface{})
}

type nopPublisher struct{}

func (nopPublisher) PublishPolicyEvent(string, map[string]interface{}) {}
