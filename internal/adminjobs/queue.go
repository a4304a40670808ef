package adminjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/mkovalenko/community-directory-backend/pkg/config"
	pkgerrors "github.com/mkovalenko/community-directory-backend/pkg/errors"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
)

// Queue is the side channel for operator-facing notifications. Publishing is
// best effort: callers log failures and move on, the engine never blocks on
// it.
type Queue interface {
	CreateAdminJob(ctx context.Context, kind string, payload any) error
	Close() error
}

// Job is the envelope published for each notification.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type pubsubQueue struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	logg      *logger.Logger
}

// NewPubSubQueue connects to the configured topic. The topic must already
// exist; provisioning is an ops concern.
func NewPubSubQueue(ctx context.Context, cfg config.AdminJobsConfig, logg *logger.Logger) (Queue, error) {
	if !cfg.Enabled() {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "admin jobs channel is not configured")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create pubsub client")
	}

	topic := strings.TrimSpace(cfg.Topic)
	if !strings.HasPrefix(topic, "projects/") {
		topic = fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, topic)
	}

	if logg != nil {
		logg.Info(ctx, "admin jobs queue initialized")
	}
	return &pubsubQueue{
		client:    client,
		publisher: client.Publisher(topic),
		logg:      logg,
	}, nil
}

func (q *pubsubQueue) CreateAdminJob(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode admin job payload")
	}
	job := Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode admin job")
	}

	result := q.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": kind},
	})
	if _, err := result.Get(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish admin job")
	}
	return nil
}

func (q *pubsubQueue) Close() error {
	if q.publisher != nil {
		q.publisher.Stop()
	}
	return q.client.Close()
}

// NoopQueue drops every job. Used when the side channel is not configured.
type NoopQueue struct{}

func (NoopQueue) CreateAdminJob(context.Context, string, any) error { return nil }

func (NoopQueue) Close() error { return nil }
