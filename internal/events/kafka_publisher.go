package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

const StatusChangedTopic = "payment_link.status.changed"

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    StatusChangedTopic,
			Balancer: &kafka.Hash{},
		},
	}
}

func NewKafkaPublisherWithWriter(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// PublishStatusChange keys messages by link id so a link's changes stay ordered
// within one partition.
func (p *KafkaPublisher) PublishStatusChange(ctx context.Context, change models.StatusChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(change.MerchantAddress + "/" + change.LinkID),
		Value: data,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.StatusPublisher = (*KafkaPublisher)(nil)
