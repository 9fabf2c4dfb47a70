package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"

	"github.com/akylbek/payment-system/link-verifier/internal/interfaces"
	"github.com/akylbek/payment-system/link-verifier/internal/models"
)

const StatusSubjectPrefix = "payment_link.status"

// NatsPublisher notifies live dashboards. Subjects are scoped per merchant:
// payment_link.status.<merchant>.
type NatsPublisher struct {
	nc *nats.Conn
}

func NewNatsPublisher(nc *nats.Conn) *NatsPublisher {
	return &NatsPublisher{nc: nc}
}

func StatusSubject(merchant string) string {
	return StatusSubjectPrefix + "." + models.NormalizeAddress(merchant)
}

func (p *NatsPublisher) PublishStatusChange(ctx context.Context, change models.StatusChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return p.nc.Publish(StatusSubject(change.MerchantAddress), data)
}

var _ interfaces.StatusPublisher = (*NatsPublisher)(nil)
