package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/austindbirch/scrapehook/internal/task"
)

// Producer is satisfied by *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

// NSQPublisher publishes dead letters to an NSQ topic.
type NSQPublisher struct {
	producer Producer
	topic    string
}

func NewNSQPublisher(p Producer, topic string) *NSQPublisher {
	return &NSQPublisher{producer: p, topic: topic}
}

func (n *NSQPublisher) PublishDeadLetter(_ context.Context, dl task.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	return nil
}
