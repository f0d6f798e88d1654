package bus

import (
	"github.com/opensource-finance/fieldgate/internal/domain"
)

// New creates the event sink selected by cfg.Type. Only the channel and
// NATS backends also support in-process subscriptions (domain.EventBus).
func New(cfg domain.EventBusConfig) (domain.EventSink, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	case "kafka":
		return NewKafkaSink(cfg)
	case "mqtt":
		return NewMQTTSink(cfg)
	}
	return nil, domain.NewError(domain.KindUnsupported, "event bus", "unsupported event bus type").With("type", cfg.Type)
}
