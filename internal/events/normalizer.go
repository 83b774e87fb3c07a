// Package events converts heterogeneous raw producer input into the
// canonical Event shape.
//
// Normalization is a pure function: it never errors and never does I/O.
// Raw shapes the normalizer does not recognize degrade to the internal
// payload kind at this boundary only; nothing deeper in the pipeline
// sees an untyped payload.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// Channel tags the normalizer recognizes on message metadata. Anything
// else is treated as unknown and the metadata is dropped.
var recognizedChannels = map[string]bool{
	"api":     true,
	"slack":   true,
	"email":   true,
	"webchat": true,
}

// Normalize maps a raw payload to the closed payload union. Unknown
// event types and malformed shapes fall back to the internal variant
// wrapping the raw payload.
func Normalize(source models.EventSource, eventType string, payload map[string]any) models.EventPayload {
	switch eventType {
	case models.TypeMessageSent:
		return normalizeMessage(payload)
	case models.TypeTaskScheduled:
		return normalizeScheduledTask(payload)
	case models.TypeChatTurnCompleted:
		return internalPayload(payload)
	}

	if source == models.SourceIntegration {
		if p, ok := normalizeIntegration(payload); ok {
			return p
		}
	}

	return internalPayload(payload)
}

// NewEvent normalizes raw input into a canonical event, minting a fresh
// UUID unless a correlation id was supplied.
func NewEvent(raw models.RawInput, opts models.DispatchOptions) *models.Event {
	id := opts.CorrelationID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.Event{
		ID:        id,
		Source:    raw.Source,
		Type:      raw.Type,
		Payload:   Normalize(raw.Source, raw.Type, raw.Payload),
		Timestamp: time.Now().UTC(),
		Priority:  models.ResolvePriority(raw.Type, raw.Priority),
	}
}

func normalizeMessage(payload map[string]any) models.EventPayload {
	msg := &models.MessagePayload{
		Text:   stringField(payload, "text"),
		UserID: stringField(payload, "userId"),
	}
	if msg.UserID == "" {
		msg.UserID = "default"
	}

	if raw, ok := payload["attachments"].([]any); ok {
		for _, item := range raw {
			att, ok := item.(map[string]any)
			if !ok {
				continue
			}
			msg.Attachments = append(msg.Attachments, models.Attachment{
				URL:      stringField(att, "url"),
				Filename: stringField(att, "filename"),
				MimeType: stringField(att, "mimeType"),
			})
		}
	}
	if raw, ok := payload["attachmentIds"].([]any); ok {
		for _, item := range raw {
			if id, ok := item.(string); ok && id != "" {
				msg.AttachmentIDs = append(msg.AttachmentIDs, id)
			}
		}
	}

	msg.Channel = normalizeChannelMetadata(payload)

	return models.EventPayload{Kind: models.KindMessage, Message: msg}
}

// normalizeChannelMetadata accepts channel metadata only when it carries
// a recognized channel tag and a direct or neutral directness. Anything
// else is dropped, not an error.
func normalizeChannelMetadata(payload map[string]any) *models.ChannelMetadata {
	raw, ok := payload["channel"].(map[string]any)
	if !ok {
		return nil
	}

	tag := stringField(raw, "channel")
	if !recognizedChannels[tag] {
		return nil
	}

	directness := models.Directness(stringField(raw, "directness"))
	if directness != models.DirectnessDirect && directness != models.DirectnessNeutral {
		return nil
	}

	return &models.ChannelMetadata{
		Channel:    tag,
		ChannelID:  stringField(raw, "channelId"),
		ThreadID:   stringField(raw, "threadId"),
		Directness: directness,
	}
}

func normalizeScheduledTask(payload map[string]any) models.EventPayload {
	task := &models.ScheduledTaskPayload{
		ExecuteAt: stringField(payload, "executeAt"),
		Intent:    stringField(payload, "intent"),
	}
	if ctx, ok := payload["context"].(map[string]any); ok {
		task.Context = ctx
	} else {
		task.Context = map[string]any{}
	}
	return models.EventPayload{Kind: models.KindScheduledTask, ScheduledTask: task}
}

func normalizeIntegration(payload map[string]any) (models.EventPayload, bool) {
	integrationID := stringField(payload, "integrationId")
	originalType := stringField(payload, "originalType")
	if integrationID == "" || originalType == "" {
		return models.EventPayload{}, false
	}
	return models.EventPayload{
		Kind: models.KindIntegrationEvent,
		IntegrationEvent: &models.IntegrationEventPayload{
			IntegrationID: integrationID,
			OriginalType:  originalType,
			Payload:       payload,
		},
	}, true
}

func internalPayload(payload map[string]any) models.EventPayload {
	if payload == nil {
		payload = map[string]any{}
	}
	return models.EventPayload{
		Kind:     models.KindInternal,
		Internal: &models.InternalPayload{Data: payload},
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
