package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscriber consumes delivery events published on dlr.raw.<provider>.
type Subscriber struct {
	receiver *Receiver
	subject  string
	queue    string
	timeout  time.Duration
	log      *zap.Logger
}

func NewSubscriber(r *Receiver, subject, queue string, log *zap.Logger) *Subscriber {
	if subject == "" {
		subject = "dlr.raw.>"
	}
	if queue == "" {
		queue = "smsledger"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		receiver: r,
		subject:  subject,
		queue:    queue,
		timeout:  10 * time.Second,
		log:      log.Named("webhook_nats"),
	}
}

// Run subscribes with a queue group and blocks until ctx is done, then drains
// the subscription.
func (s *Subscriber) Run(ctx context.Context, nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(s.subject, s.queue, s.HandleMsg)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.log.Info("subscribed to delivery events", zap.String("subject", s.subject), zap.String("queue", s.queue))

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

type natsReply struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleMsg processes one NATS message and answers on msg.Reply when set.
func (s *Subscriber) HandleMsg(msg *nats.Msg) {
	providerName := providerFromSubject(msg.Subject)

	payload, err := PayloadFromJSON(msg.Data)
	if err != nil {
		s.log.Warn("failed to decode delivery event",
			zap.String("subject", msg.Subject),
			zap.String("provider", providerName),
			zap.Error(err))
		s.reply(msg, natsReply{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.receiver.Receive(ctx, payload)
	if err != nil {
		if !errors.Is(err, ErrMalformedPayload) {
			s.log.Error("failed to process delivery event",
				zap.String("provider", providerName),
				zap.Error(err))
		}
		s.reply(msg, natsReply{Error: err.Error()})
		return
	}
	s.reply(msg, natsReply{Result: string(result)})
}

func (s *Subscriber) reply(msg *nats.Msg, r natsReply) {
	if msg.Reply == "" || msg.Sub == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to reply", zap.Error(err))
	}
}

// providerFromSubject extracts <provider> from dlr.raw.<provider>.
func providerFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "dlr" || parts[1] != "raw" {
		return ""
	}
	return parts[2]
}
