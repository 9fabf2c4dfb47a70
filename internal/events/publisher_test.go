package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

type mockWriter struct {
	Messages []kafka.Message
	Err      error
}

func (w *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.Err != nil {
		return w.Err
	}
	w.Messages = append(w.Messages, msgs...)
	return nil
}

func (w *mockWriter) Close() error { return nil }

type recordingPublisher struct {
	Changes []models.StatusChange
	Err     error
}

func (p *recordingPublisher) PublishStatusChange(ctx context.Context, change models.StatusChange) error {
	p.Changes = append(p.Changes, change)
	return p.Err
}

func TestKafkaPublisherEncodesChange(t *testing.T) {
	writer := &mockWriter{}
	pub := NewKafkaPublisherWithWriter(writer)

	change := models.StatusChange{
		LinkID:          "abc",
		MerchantAddress: "0xm",
		PreviousStatus:  models.StatusActive,
		Status:          models.StatusPending,
		EventRef:        "0x1:0",
		Timestamp:       time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC),
	}
	if err := pub.PublishStatusChange(context.Background(), change); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(writer.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.Messages))
	}
	if string(writer.Messages[0].Key) != "0xm/abc" {
		t.Errorf("key = %s", writer.Messages[0].Key)
	}

	var decoded models.StatusChange
	if err := json.Unmarshal(writer.Messages[0].Value, &decoded); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if decoded.Status != models.StatusPending || decoded.EventRef != "0x1:0" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	failing := &recordingPublisher{Err: errors.New("broker down")}
	ok := &recordingPublisher{}

	err := Fanout{failing, ok}.PublishStatusChange(context.Background(), models.StatusChange{LinkID: "a"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.Changes) != 1 {
		t.Error("a failing publisher must not block the others")
	}
}

func TestStatusSubject(t *testing.T) {
	if got := StatusSubject("0xABC"); got != "payment_link.status.0xabc" {
		t.Errorf("StatusSubject = %s", got)
	}
}
