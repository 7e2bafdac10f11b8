package compliancesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/compliance_backend/config"
	"github.com/mmdatafocus/compliance_backend/models"
	"github.com/mmdatafocus/compliance_backend/utils"
)

func syncTopicName() string {
	topicName := strings.TrimSpace(os.Getenv("COMPLIANCE_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "compliance-sync"
	}
	return topicName
}

// PublishSync queues a property sync (or a program pass) for the push worker.
func PublishSync(ctx context.Context, payload SyncPubSubPayload) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topicName := syncTopicName()
	topic := client.Topic(topicName)
	if config.EnvBoolDefault("COMPLIANCE_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives Pub/Sub push deliveries. Every delivery is acked:
// a malformed message cannot succeed on redelivery, and a failed sync is
// already recorded in its run row.
func PubSubPushHandler(o *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBoolDefault("ENABLE_COMPLIANCE_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}

		if err := o.processPayload(c.Request.Context(), payload); err != nil {
			config.LogError(o.logger, "compliancesync", "PubSubPushHandler", "process sync message", map[string]interface{}{
				"message_id":  envelope.Message.ID,
				"org_id":      payload.OrgId,
				"property_id": payload.PropertyId,
			}, err)
		}
		c.Status(204)
	}
}

var errInvalidPayload = errors.New("invalid payload")

func (o *Orchestrator) processPayload(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.OrgId == "" || (payload.PropertyId == 0 && !payload.Programs) {
		return errInvalidPayload
	}
	correlationId := payload.CorrelationId
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
	ctx = utils.SetTriggeredByInContext(ctx, models.SyncTriggeredPubSub)

	if payload.PropertyId == 0 {
		_, err := o.SyncProgramSources(ctx, payload.OrgId, payload.Force)
		return err
	}
	_, err := o.SyncSources(ctx, payload.PropertyId, payload.OrgId, payload.Sources, payload.Force)
	return err
}
