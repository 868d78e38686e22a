package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"lockable-resources/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.Command) error) error {
	if s.client == nil {
		var (
			client *gpubsub.Client
			err    error
		)
		if s.credsFile != "" {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Str("credsFile", s.credsFile).Msg("initializing pubsub subscriber with explicit credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID, option.WithCredentialsFile(s.credsFile))
		} else {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("initializing pubsub subscriber with default credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID)
		}
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	// Receive blocks; it will create goroutines internally; respect ctx cancellation
	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("received pubsub message")
		recvAt := time.Now()
		cmd, ok := decodeCommand(m.Data)
		if !ok {
			// Ack to drop bad message (poison)
			m.Ack()
			return
		}

		log.Info().Str("ticketId", cmd.TicketID).Str("action", string(cmd.Action)).Str("identity", cmd.Identity).Msg("handling command")
		if err := handler(ctx, cmd); err != nil {
			log.Error().Err(err).Str("ticketId", cmd.TicketID).Msg("handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("ticketId", cmd.TicketID).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
		m.Ack()
	})
}

// decodeCommand parses and sanity-checks a message. Malformed messages are
// not retried.
func decodeCommand(data []byte) (*queues.Command, bool) {
	var cmd queues.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal command")
		return nil, false
	}
	if cmd.TicketID == "" || cmd.Action == "" {
		log.Error().Str("ticketId", cmd.TicketID).Str("action", string(cmd.Action)).Msg("invalid command payload")
		return nil, false
	}
	return &cmd, true
}
