package bus

import (
	"fmt"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// New builds the EventBus named by the config: "channel" for in-process
// fan-out on a single node, "nats" for clustered deployments.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
}
