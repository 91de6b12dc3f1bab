package conn

import (
	"context"

	"github.com/roach88/tenantsync/internal/domain"
)

// Engine opens handles on tenant stores. It is implemented by the sync
// client in production and by fakes in tests.
type Engine interface {
	// Open connects to the store. Implementations must honour ctx
	// cancellation; the Manager cancels ctx when the connect timeout fires.
	Open(ctx context.Context, storeID string) (Handle, error)
}

// Handle is one live connection to a tenant store.
type Handle interface {
	// Subscribe registers fn for every snapshot of the store's message feed.
	// Deliveries for one handle are serial. The returned stop function
	// unsubscribes and is safe to call more than once.
	Subscribe(fn func(domain.Snapshot, error)) (stop func(), err error)

	// Commit writes a message into the store.
	Commit(ctx context.Context, msg domain.Message) error

	// OnNetworkChange registers fn for transport up/down notifications.
	OnNetworkChange(fn func(connected bool))

	// Close releases the connection.
	Close(ctx context.Context) error
}
