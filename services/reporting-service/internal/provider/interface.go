package provider

import (
	"context"

	"github.com/stoik/smsledger/internal/models"
)

// LogAPI is the provider's paginated message-log listing.
type LogAPI interface {
	// ListMessages returns one page of the log. An empty cursor asks for the
	// first page of window; otherwise cursor is the continuation returned by
	// the previous page.
	ListMessages(ctx context.Context, window models.Window, cursor string, pageSize int) (*models.ProviderMessagePage, error)
}
