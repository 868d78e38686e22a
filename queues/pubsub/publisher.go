package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"lockable-resources/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Publisher sends command results and, when an event topic is configured,
// state-change events.
type Publisher struct {
	projectID   string
	resultTopic string
	eventTopic  string
	credsFile   string

	mu     sync.Mutex
	client *gpubsub.Client
	topic  *gpubsub.Topic
	events *gpubsub.Topic
}

func NewPublisher(projectID, resultTopic, eventTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, resultTopic: resultTopic, eventTopic: eventTopic, credsFile: credsFile}
}

func (p *Publisher) init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	var (
		client *gpubsub.Client
		err    error
	)
	if p.credsFile != "" {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.resultTopic).Str("credsFile", p.credsFile).Msg("initializing pubsub publisher with explicit credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID, option.WithCredentialsFile(p.credsFile))
	} else {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.resultTopic).Msg("initializing pubsub publisher with default credentials")
		client, err = gpubsub.NewClient(ctx, p.projectID)
	}
	if err != nil {
		log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.resultTopic).Msg("failed to create pubsub client for publisher")
		return err
	}
	p.client = client
	p.topic = client.Topic(p.resultTopic)
	if p.eventTopic != "" {
		p.events = client.Topic(p.eventTopic)
	}
	log.Info().Str("topic", p.resultTopic).Str("eventTopic", p.eventTopic).Msg("pubsub publisher initialized")
	return nil
}

func (p *Publisher) PublishResult(ctx context.Context, res *queues.CommandResult) error {
	if err := p.init(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Interface("result", res).Msg("failed to marshal command result")
		return err
	}
	// Publish and wait for server ack
	r := p.topic.Publish(ctx, &gpubsub.Message{Data: b, Attributes: map[string]string{"type": res.Type}})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("ticketId", res.TicketID).Msg("failed to publish command result")
		return err
	}
	log.Debug().Str("messageID", id).Str("ticketId", res.TicketID).Str("status", string(res.Status)).Msg("published command result")
	return nil
}

// PublishEvent is a no-op when no event topic is configured.
func (p *Publisher) PublishEvent(ctx context.Context, ev *queues.StateEvent) error {
	if err := p.init(ctx); err != nil {
		return err
	}
	if p.events == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	r := p.events.Publish(ctx, &gpubsub.Message{Data: b, Attributes: map[string]string{"type": ev.Type, "kind": ev.Kind}})
	if _, err := r.Get(ctx); err != nil {
		log.Warn().Err(err).Str("kind", ev.Kind).Strs("resources", ev.Resources).Msg("failed to publish state event")
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	p.topic.Stop()
	if p.events != nil {
		p.events.Stop()
	}
	return p.client.Close()
}
