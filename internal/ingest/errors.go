// Service-level error values shared by the resolver,
// ledger, and pipeline. Translation into HTTP responses happens at the
// handler layer; the webhook path never surfaces these to the provider.
package ingest

import "errors"

var (
	// ErrMessageNotFound indicates a status update referenced an external
	// message id the ledger has never recorded.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyContent is returned when an outbound send carries no content.
	ErrEmptyContent = errors.New("message content is empty")
)
