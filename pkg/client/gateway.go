// Package client provides the outbound gateway to the external actor that
// performs actual decision-making and activity work.
package client

import (
	"context"
)

// Gateway pushes node payloads and notifications to the external client's
// registered endpoints. A non-2xx response is a business error that feeds
// back into the processor's failure path.
type Gateway interface {
	PerformActivity(ctx context.Context, payload map[string]any, endpoint string) error
	MakeDecision(ctx context.Context, payload map[string]any, endpoint string) error
	Notify(ctx context.Context, payload map[string]any, endpoint string) error
}
