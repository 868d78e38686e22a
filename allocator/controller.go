package allocator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"lockable-resources/metrics"
	"lockable-resources/queues"
	"lockable-resources/resources"
	"lockable-resources/tracing"

	"github.com/rs/zerolog/log"
)

const (
	envelopeVersion = "1.0"
	resultType      = "command-result"
	eventType       = "state-event"

	// reasonUnchanged marks a successful command that had nothing to do.
	reasonUnchanged = "Unchanged"
)

// Controller wires queue consumption to the engine. It authorizes each
// command, dispatches it and publishes a CommandResult.
type Controller struct {
	engine     *Engine
	publisher  queues.Publisher
	authorizer Authorizer
	resolver   BuildResolver

	// base outlives single messages; queued allocations wait on it.
	base context.Context
	wg   sync.WaitGroup
}

func NewController(e *Engine, p queues.Publisher, auth Authorizer, resolver BuildResolver) *Controller {
	if auth == nil {
		auth = NewStaticAuthorizer(nil)
	}
	if resolver == nil {
		resolver = DisplayNameResolver{}
	}
	return &Controller{engine: e, publisher: p, authorizer: auth, resolver: resolver, base: context.Background()}
}

// WithBaseContext sets the context queued allocations wait on. Cancelling it
// abandons every wait started through this controller.
func (c *Controller) WithBaseContext(ctx context.Context) *Controller {
	c.base = ctx
	return c
}

// Wait blocks until all queued allocations started by Handle have finished.
func (c *Controller) Wait() { c.wg.Wait() }

// outcome is what a dispatched command produced.
type outcome struct {
	resources []string
	reason    string
	requestID string
	ticket    *Ticket
	alloc     *Allocation
}

func (c *Controller) result(cmd *queues.Command, status queues.CommandStatus, names []string) *queues.CommandResult {
	return &queues.CommandResult{
		EnvelopeVersion: envelopeVersion,
		Type:            resultType,
		TicketID:        cmd.TicketID,
		Action:          cmd.Action,
		Status:          status,
		Resources:       names,
	}
}

// publishFailure builds and publishes a failure CommandResult with metrics.
func (c *Controller) publishFailure(ctx context.Context, cmd *queues.Command, start time.Time, cause error) error {
	reason := string(resources.KindOf(cause))
	if reason == "" {
		reason = "Internal"
	}
	message := cause.Error()
	res := c.result(cmd, queues.StatusFailure, nil)
	res.Reason = &reason
	res.ErrorMessage = &message
	if cmd.RequestID != "" {
		res.RequestID = &cmd.RequestID
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Action), string(queues.StatusFailure)).Inc()
	if err := c.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Str("ticketId", cmd.TicketID).Msg("controller: failed to publish failure result")
		return err
	}
	log.Info().Str("ticketId", cmd.TicketID).Str("action", string(cmd.Action)).Str("reason", reason).Dur("duration", time.Since(start)).Msg("controller: command rejected")
	return nil
}

func (c *Controller) Handle(ctx context.Context, cmd *queues.Command) error {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "command "+string(cmd.Action), "CONSUMER")
	span.WithAttributes(map[string]string{"ticketId": cmd.TicketID, "action": string(cmd.Action), "identity": cmd.Identity})
	log.Info().Str("ticketId", cmd.TicketID).Str("action", string(cmd.Action)).Strs("resources", cmd.Resources).Str("label", cmd.Label).Msg("controller: handling command")

	out, err := c.dispatch(ctx, cmd)
	if err != nil {
		tracing.EndSpan(span, err)
		return c.publishFailure(ctx, cmd, start, err)
	}
	tracing.EndSpan(span, nil)

	status := queues.StatusSuccess
	if out.ticket != nil {
		status = queues.StatusQueued
	}
	res := c.result(cmd, status, out.resources)
	if out.reason != "" {
		res.Reason = &out.reason
	}
	if out.requestID != "" {
		res.RequestID = &out.requestID
	}
	if out.ticket != nil {
		pos := out.ticket.Position
		res.QueuePosition = &pos
	}
	metrics.CommandsTotal.WithLabelValues(string(cmd.Action), string(status)).Inc()

	if err := c.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Str("ticketId", cmd.TicketID).Msg("controller: failed to publish result")
		// The command is retried; do not leave behind what this attempt claimed.
		switch {
		case out.ticket != nil:
			c.abandon(context.WithoutCancel(ctx), out.ticket)
		case out.alloc != nil:
			c.engine.giveBack(context.WithoutCancel(ctx), *out.alloc)
		}
		return err
	}
	if out.ticket != nil {
		c.wg.Add(1)
		go c.await(cmd, out.ticket, start)
	}
	log.Info().Str("ticketId", cmd.TicketID).Str("status", string(status)).Dur("duration", time.Since(start)).Msg("controller: command handled")
	return nil
}

func (c *Controller) dispatch(ctx context.Context, cmd *queues.Command) (outcome, error) {
	op := string(cmd.Action)
	switch cmd.Action {
	case queues.ActionLock:
		build, err := c.buildOf(cmd)
		if err != nil {
			return outcome{}, err
		}
		err = c.engine.Lock(ctx, LockRequest{Resources: cmd.Resources, Build: build, Identity: cmd.Identity})
		return outcome{resources: cmd.Resources}, err

	case queues.ActionUnlock:
		build, err := c.buildOf(cmd)
		if err != nil {
			return outcome{}, err
		}
		override := c.authorizer.HasCapability(cmd.Identity, CapabilityUnlock)
		if build == "" && !override {
			return outcome{}, resources.Unauthorized(op, cmd.Resources, "%s may not unlock resources of other builds", displayIdentity(cmd.Identity))
		}
		err = c.engine.Unlock(ctx, UnlockRequest{Resources: cmd.Resources, Build: build, Identity: cmd.Identity, Override: override})
		return outcome{resources: cmd.Resources}, err

	case queues.ActionReserve:
		if err := c.require(op, cmd, CapabilityReserve); err != nil {
			return outcome{}, err
		}
		return outcome{resources: cmd.Resources}, c.engine.Reserve(ctx, cmd.Resources, cmd.Identity)

	case queues.ActionUnreserve:
		if err := c.mayUnreserve(cmd); err != nil {
			return outcome{}, err
		}
		return outcome{resources: cmd.Resources}, c.engine.Unreserve(ctx, cmd.Resources)

	case queues.ActionSteal:
		if err := c.require(op, cmd, CapabilitySteal); err != nil {
			return outcome{}, err
		}
		return outcome{resources: cmd.Resources}, c.engine.Steal(ctx, cmd.Resources, cmd.Identity)

	case queues.ActionReassign:
		if err := c.require(op, cmd, CapabilitySteal); err != nil {
			return outcome{}, err
		}
		changed, err := c.engine.Reassign(ctx, cmd.Resources, cmd.Identity)
		out := outcome{resources: cmd.Resources}
		if err == nil && !changed {
			out.reason = reasonUnchanged
		}
		return out, err

	case queues.ActionReset:
		if err := c.require(op, cmd, CapabilityUnlock); err != nil {
			return outcome{}, err
		}
		return outcome{resources: cmd.Resources}, c.engine.Reset(ctx, cmd.Resources)

	case queues.ActionAllocate:
		return c.allocate(ctx, cmd)

	case queues.ActionCancel:
		return c.cancel(ctx, cmd)

	case queues.ActionNote:
		if err := c.require(op, cmd, CapabilityReserve); err != nil {
			return outcome{}, err
		}
		if len(cmd.Resources) != 1 {
			return outcome{}, resources.InvalidRequest(op, "exactly one resource is required")
		}
		return outcome{resources: cmd.Resources}, c.engine.UpdateNote(ctx, cmd.Resources[0], cmd.Note)

	case queues.ActionVerify:
		if err := c.require(op, cmd, CapabilityReserve); err != nil {
			return outcome{}, err
		}
		build, err := c.buildOf(cmd)
		if err != nil {
			return outcome{}, err
		}
		if len(cmd.Resources) == 0 {
			return outcome{}, resources.InvalidRequest(op, "at least one resource is required")
		}
		for _, name := range cmd.Resources {
			if err := c.engine.Verify(name, cmd.Identity, build); err != nil {
				return outcome{}, err
			}
		}
		return outcome{resources: cmd.Resources}, nil

	case queues.ActionRelease:
		build, err := c.buildOf(cmd)
		if err != nil {
			return outcome{}, err
		}
		freed, err := c.engine.ReleaseBuild(ctx, build)
		out := outcome{resources: freed}
		if err == nil && len(freed) == 0 {
			out.reason = reasonUnchanged
		}
		return out, err
	}
	return outcome{}, resources.InvalidRequest(op, "unknown action %q", cmd.Action)
}

// allocate serves label requests, and named requests that ask to queue.
// Non-queued named requests are plain locks.
func (c *Controller) allocate(ctx context.Context, cmd *queues.Command) (outcome, error) {
	build, err := c.buildOf(cmd)
	if err != nil {
		return outcome{}, err
	}
	if !cmd.Queue {
		if cmd.Label == "" {
			err := c.engine.Lock(ctx, LockRequest{Resources: cmd.Resources, Build: build, Identity: cmd.Identity})
			return outcome{resources: cmd.Resources}, err
		}
		alloc, err := c.engine.AllocateByLabel(ctx, LabelRequest{Label: cmd.Label, Count: cmd.Count, Build: build, Identity: cmd.Identity})
		if err != nil {
			return outcome{}, err
		}
		return outcome{resources: alloc.Resources, alloc: alloc}, nil
	}

	var queuedAt time.Time
	if cmd.QueuedAt > 0 {
		queuedAt = time.UnixMilli(cmd.QueuedAt)
	}
	ticket, err := c.engine.Enqueue(c.base, QueuedRequest{
		Label:     cmd.Label,
		Resources: cmd.Resources,
		Count:     cmd.Count,
		Build:     build,
		Identity:  cmd.Identity,
		QueuedAt:  queuedAt,
	})
	if err != nil {
		return outcome{}, err
	}
	if !ticket.Resolved() {
		return outcome{requestID: ticket.ID, ticket: ticket}, nil
	}
	alloc, ok := <-ticket.Done()
	if !ok {
		return outcome{}, resources.Conflict("allocate", nil, "request %s was cancelled", ticket.ID)
	}
	return outcome{resources: alloc.Resources, requestID: ticket.ID, alloc: &alloc}, nil
}

// await publishes the final result of a queued allocation.
func (c *Controller) await(cmd *queues.Command, ticket *Ticket, start time.Time) {
	defer c.wg.Done()
	ctx := c.base
	select {
	case alloc, ok := <-ticket.Done():
		if !ok {
			cancelled := *cmd
			cancelled.RequestID = ticket.ID
			_ = c.publishFailure(context.WithoutCancel(ctx), &cancelled, start, resources.Conflict("allocate", nil, "request %s was cancelled", ticket.ID))
			return
		}
		id := ticket.ID
		res := c.result(cmd, queues.StatusSuccess, alloc.Resources)
		res.RequestID = &id
		metrics.CommandsTotal.WithLabelValues(string(cmd.Action), string(queues.StatusSuccess)).Inc()
		if err := c.publisher.PublishResult(ctx, res); err != nil {
			log.Error().Err(err).Str("ticketId", cmd.TicketID).Str("requestId", id).Msg("controller: failed to publish queued allocation; releasing")
			c.engine.giveBack(context.WithoutCancel(ctx), alloc)
			return
		}
		log.Info().Str("ticketId", cmd.TicketID).Str("requestId", id).Strs("resources", alloc.Resources).Dur("waited", time.Since(start)).Msg("controller: queued allocation resolved")
	case <-ctx.Done():
		c.abandon(context.WithoutCancel(ctx), ticket)
	}
}

// abandon cancels a ticket, returning its resources if it resolved meanwhile.
func (c *Controller) abandon(ctx context.Context, ticket *Ticket) {
	if c.engine.Cancel(ctx, ticket.ID) {
		return
	}
	if alloc, ok := <-ticket.Done(); ok {
		c.engine.giveBack(ctx, alloc)
	}
}

func (c *Controller) cancel(ctx context.Context, cmd *queues.Command) (outcome, error) {
	if cmd.RequestID == "" {
		return outcome{}, resources.InvalidRequest("cancel", "requestId is required")
	}
	build, err := c.buildOf(cmd)
	if err != nil {
		return outcome{}, err
	}
	for _, req := range c.engine.Queue() {
		if req.ID != cmd.RequestID {
			continue
		}
		if req.Build != build && !c.authorizer.HasCapability(cmd.Identity, CapabilityUnlock) {
			return outcome{}, resources.Unauthorized("cancel", req.Resources, "request %s belongs to another build", req.ID)
		}
		break
	}
	out := outcome{requestID: cmd.RequestID}
	if !c.engine.Cancel(ctx, cmd.RequestID) {
		out.reason = reasonUnchanged
	}
	return out, nil
}

// mayUnreserve allows the reserving user, or anyone allowed to unlock, to
// release a reservation.
func (c *Controller) mayUnreserve(cmd *queues.Command) error {
	if c.authorizer.HasCapability(cmd.Identity, CapabilityUnlock) {
		return nil
	}
	if cmd.Identity == "" {
		return resources.Unauthorized("unreserve", cmd.Resources, "anonymous users may not unreserve")
	}
	var foreign []string
	for _, name := range cmd.Resources {
		v, err := c.engine.Resource(name)
		if err != nil {
			// Left to the engine, which reports every missing name.
			continue
		}
		if v.ReservedBy != "" && v.Build == "" && v.ReservedBy != cmd.Identity {
			foreign = append(foreign, name)
		}
	}
	if len(foreign) > 0 {
		return resources.Unauthorized("unreserve", foreign, "reserved by another user")
	}
	return nil
}

func (c *Controller) require(op string, cmd *queues.Command, capability Capability) error {
	if c.authorizer.HasCapability(cmd.Identity, capability) {
		return nil
	}
	return resources.Unauthorized(op, cmd.Resources, "%s lacks the %s permission", displayIdentity(cmd.Identity), capability)
}

// buildOf returns the build identity named by the command. Job and Build
// together are resolved to a display name; Build alone is taken verbatim.
func (c *Controller) buildOf(cmd *queues.Command) (string, error) {
	if strings.TrimSpace(cmd.Job) == "" {
		return strings.TrimSpace(cmd.Build), nil
	}
	build, ok := c.resolver.ResolveBuild(cmd.Job, cmd.Build)
	if !ok {
		return "", resources.InvalidRequest(string(cmd.Action), "unknown build %s #%s", cmd.Job, cmd.Build)
	}
	return build, nil
}

func displayIdentity(identity string) string {
	if identity == "" {
		return "anonymous"
	}
	return fmt.Sprintf("user %q", identity)
}

// Notify publishes committed engine changes as state events.
func (c *Controller) Notify(ctx context.Context, ev Event) {
	se := &queues.StateEvent{
		EnvelopeVersion: envelopeVersion,
		Type:            eventType,
		Kind:            string(ev.Kind),
		Resources:       ev.Resources,
		Identity:        ev.Identity,
		Build:           ev.Build,
		RequestID:       ev.RequestID,
		At:              ev.At,
	}
	if err := c.publisher.PublishEvent(context.WithoutCancel(ctx), se); err != nil {
		log.Warn().Err(err).Str("kind", se.Kind).Msg("controller: dropping state event")
	}
}
