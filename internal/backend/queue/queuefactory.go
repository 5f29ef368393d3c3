package queue

import (
	"fmt"
	"log/slog"
)

func NewQueue(queueType, url string, options Options, logger *slog.Logger) (Queue, error) {
	switch queueType {
	case "redis":
		return NewRedisQueue(url, options, logger)
	case "rabbitmq":
		return NewRabbitMQQueue(url, options, logger)
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", queueType)
	}
}
