package channel

import (
	"context"

	"schedbot/pkg/bus"
)

// Adapter bridges one external transport (for example Lark) into schedbot.
// Run blocks until the context is cancelled or the transport fails: it
// publishes decoded inbound messages to the bus and delivers outbound
// replies back to the platform.
type Adapter interface {
	Name() string
	Run(ctx context.Context, mb *bus.MessageBus) error
}
