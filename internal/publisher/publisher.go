// Package publisher turns committed domain changes into channel events.
//
// Every Publish call must happen after the authoritative write has
// committed. Publishing is best effort: failures are logged and counted but
// never returned, so a lost notification can only leave clients stale until
// their next refresh, never fail the mutation it describes.
package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"collab-realtime/internal/metrics"
	"collab-realtime/internal/models"
)

const defaultTimeout = 2 * time.Second

// Transport is the pub/sub side a Publisher writes to.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Publisher struct {
	transport Transport
	timeout   time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
}

func New(transport Transport) *Publisher {
	return &Publisher{
		transport: transport,
		timeout:   defaultTimeout,
		now:       time.Now,
		metrics:   metrics.Get(),
	}
}

// WithClock returns a copy of p stamping events with now.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	cp := *p
	cp.now = now
	return &cp
}

// Publish sends one event. It runs on the caller's goroutine so that two
// publishes from the same caller reach the transport in order.
func (p *Publisher) Publish(ctx context.Context, channel models.Channel, kind models.Kind, payload any) {
	env, err := models.NewEnvelope(channel, kind, payload, p.now())
	if err != nil {
		slog.Error("[PUBLISH] Failed to build event", "type", kind, "channel", channel.String(), "error", err)
		p.metrics.EventsPublished.WithLabelValues(string(kind), "error").Inc()
		return
	}
	p.PublishEnvelope(ctx, env)
}

// PublishEnvelope sends a pre-built envelope.
func (p *Publisher) PublishEnvelope(ctx context.Context, env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("[PUBLISH] Failed to marshal event", "type", env.Type, "channel", env.Channel, "error", err)
		p.metrics.EventsPublished.WithLabelValues(env.Type, "error").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.transport.Publish(ctx, env.Channel, data); err != nil {
		slog.Warn("[PUBLISH] Transport unavailable, event dropped", "type", env.Type, "channel", env.Channel, "error", err)
		p.metrics.EventsPublished.WithLabelValues(env.Type, "error").Inc()
		return
	}
	p.metrics.EventsPublished.WithLabelValues(env.Type, "ok").Inc()
}

func (p *Publisher) PublishProjectCreated(ctx context.Context, project models.Project) {
	p.Publish(ctx, models.ProjectChannel(project.ID), models.KindProjectCreated, models.ProjectCreated{Project: project})
}

func (p *Publisher) PublishProjectUpdated(ctx context.Context, update models.ProjectUpdated) {
	p.Publish(ctx, models.ProjectChannel(update.ID), models.KindProjectUpdated, update)
}

func (p *Publisher) PublishProjectArchived(ctx context.Context, projectID string) {
	p.Publish(ctx, models.ProjectChannel(projectID), models.KindProjectArchived, models.ProjectArchived{
		ID:         projectID,
		ArchivedAt: p.now(),
	})
}

// PublishActivityCreated posts to the activity's project feed. Activities
// logged without a stored row get a generated id so feeds can de-duplicate.
func (p *Publisher) PublishActivityCreated(ctx context.Context, activity models.Activity) {
	if activity.ID == "" {
		activity.ID = models.ActivityID(uuid.NewString())
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = p.now()
	}
	p.Publish(ctx, models.ProjectChannel(activity.ProjectID), models.KindActivityCreated, models.ActivityCreated{Activity: activity})
}

// Card events go to both the card channel and its project's channel so the
// board and an open card editor stay current.
func (p *Publisher) PublishCardCreated(ctx context.Context, card models.Card) {
	payload := models.CardCreated{Card: card}
	p.Publish(ctx, models.ProjectChannel(card.ProjectID), models.KindCardCreated, payload)
	p.Publish(ctx, models.CardChannel(card.ID), models.KindCardCreated, payload)
}

func (p *Publisher) PublishCardUpdated(ctx context.Context, projectID string, update models.CardUpdated) {
	p.Publish(ctx, models.ProjectChannel(projectID), models.KindCardUpdated, update)
	p.Publish(ctx, models.CardChannel(update.ID), models.KindCardUpdated, update)
}

func (p *Publisher) PublishCardArchived(ctx context.Context, projectID, cardID string) {
	payload := models.CardArchived{ID: cardID, ProjectID: projectID, ArchivedAt: p.now()}
	p.Publish(ctx, models.ProjectChannel(projectID), models.KindCardArchived, payload)
	p.Publish(ctx, models.CardChannel(cardID), models.KindCardArchived, payload)
}

func (p *Publisher) PublishCommentCreated(ctx context.Context, comment models.Comment) {
	p.Publish(ctx, models.CardChannel(comment.CardID), models.KindCommentCreated, models.CommentCreated{Comment: comment})
}
