package config

import (
	"log/slog"
	"strings"

	"github.com/skillscreen/proctoring-service/internal/broadcast"
)

// EventConfig holds configuration for audit event publishing
type EventConfig struct {
	Enabled      bool
	Publisher    string // kafka or mock
	KafkaBrokers string
	AuditTopic   string
}

// GetKafkaBrokers returns Kafka brokers as a slice
func (c *EventConfig) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokers, ",")
}

// CreateEventPublisher creates an event publisher based on configuration
func (c *EventConfig) CreateEventPublisher(logger *slog.Logger) (broadcast.EventPublisher, error) {
	if !c.Enabled {
		logger.Info("Event publishing disabled, using mock publisher")
		return broadcast.NewMockEventPublisher(logger), nil
	}

	switch c.Publisher {
	case "kafka":
		logger.Info("Creating Kafka event publisher",
			"brokers", c.KafkaBrokers,
			"topic", c.AuditTopic)

		return broadcast.NewKafkaEventPublisher(broadcast.PublisherConfig{
			KafkaBrokers: c.GetKafkaBrokers(),
			TopicName:    c.AuditTopic,
			Logger:       logger,
		})
	case "mock":
		logger.Info("Using mock event publisher")
		return broadcast.NewMockEventPublisher(logger), nil
	default:
		logger.Warn("Unknown event publisher type, falling back to mock", "publisher", c.Publisher)
		return broadcast.NewMockEventPublisher(logger), nil
	}
}
