package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSource identifies who produced a raw input.
type EventSource string

// Known event sources.
const (
	SourceAPI         EventSource = "api"
	SourceSlack       EventSource = "slack"
	SourceScheduler   EventSource = "scheduler"
	SourceIntegration EventSource = "integration"
	SourceInternal    EventSource = "internal"
)

// Well-known event types. Producers may emit other dotted types; those
// normalize to the internal payload kind.
const (
	TypeMessageSent       = "message.sent"
	TypeChatTurnCompleted = "chat.turn_completed"
	TypeTaskScheduled     = "task.scheduled"
)

// DefaultPriority applies to event types without a specific default.
const DefaultPriority = 5

// typePriorities maps event types to their default dispatch priority.
// Higher numbers drain first.
var typePriorities = map[string]int{
	TypeMessageSent:       10,
	TypeChatTurnCompleted: 8,
	TypeTaskScheduled:     5,
}

// ResolvePriority returns the effective priority for an event type. An
// explicit priority always wins, including zero.
func ResolvePriority(eventType string, explicit *int) int {
	if explicit != nil {
		return *explicit
	}
	if p, ok := typePriorities[eventType]; ok {
		return p
	}
	return DefaultPriority
}

// PayloadKind discriminates the event payload union.
type PayloadKind string

// Payload kinds.
const (
	KindMessage          PayloadKind = "message"
	KindScheduledTask    PayloadKind = "scheduled_task"
	KindIntegrationEvent PayloadKind = "integration_event"
	KindInternal         PayloadKind = "internal"
)

// Directness classifies how directly a message addressed the agent.
type Directness string

// Directness values. Ambient traffic is observed but never normalized
// into a deliverable channel reference.
const (
	DirectnessDirect  Directness = "direct"
	DirectnessNeutral Directness = "neutral"
	DirectnessAmbient Directness = "ambient"
)

// ChannelMetadata locates the conversation a message arrived on, so
// replies can be routed back.
type ChannelMetadata struct {
	Channel    string     `json:"channel"`
	ChannelID  string     `json:"channelId,omitempty"`
	ThreadID   string     `json:"threadId,omitempty"`
	Directness Directness `json:"directness"`
}

// Attachment is one inline file reference on a message.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// MessagePayload is a user-authored message.
type MessagePayload struct {
	Text          string           `json:"text"`
	UserID        string           `json:"userId"`
	Attachments   []Attachment     `json:"attachments,omitempty"`
	AttachmentIDs []string         `json:"attachmentIds,omitempty"`
	Channel       *ChannelMetadata `json:"channel,omitempty"`
}

// ScheduledTaskPayload is a schedule firing. ExecuteAt is RFC3339.
type ScheduledTaskPayload struct {
	ExecuteAt string         `json:"executeAt"`
	Intent    string         `json:"intent"`
	Context   map[string]any `json:"context"`
}

// IntegrationEventPayload wraps a third-party callback.
type IntegrationEventPayload struct {
	IntegrationID string         `json:"integrationId"`
	OriginalType  string         `json:"originalType"`
	Payload       map[string]any `json:"payload"`
}

// InternalPayload carries untyped data for internal or unrecognized
// events.
type InternalPayload struct {
	Data map[string]any `json:"data"`
}

// EventPayload is the closed payload union. Exactly the pointer
// matching Kind is set; the JSON form emits only that variant.
type EventPayload struct {
	Kind             PayloadKind
	Message          *MessagePayload
	ScheduledTask    *ScheduledTaskPayload
	IntegrationEvent *IntegrationEventPayload
	Internal         *InternalPayload
}

// Valid reports whether the kind-matching payload pointer is set.
func (p EventPayload) Valid() bool {
	switch p.Kind {
	case KindMessage:
		return p.Message != nil
	case KindScheduledTask:
		return p.ScheduledTask != nil
	case KindIntegrationEvent:
		return p.IntegrationEvent != nil
	case KindInternal:
		return p.Internal != nil
	}
	return false
}

type payloadEnvelope struct {
	Kind             PayloadKind              `json:"kind"`
	Message          *MessagePayload          `json:"message,omitempty"`
	ScheduledTask    *ScheduledTaskPayload    `json:"scheduledTask,omitempty"`
	IntegrationEvent *IntegrationEventPayload `json:"integrationEvent,omitempty"`
	Internal         *InternalPayload         `json:"internal,omitempty"`
}

// MarshalJSON emits the kind tag plus only the matching variant. Stray
// pointers on the other arms never leak into the wire form.
func (p EventPayload) MarshalJSON() ([]byte, error) {
	env := payloadEnvelope{Kind: p.Kind}
	switch p.Kind {
	case KindMessage:
		env.Message = p.Message
	case KindScheduledTask:
		env.ScheduledTask = p.ScheduledTask
	case KindIntegrationEvent:
		env.IntegrationEvent = p.IntegrationEvent
	case KindInternal:
		env.Internal = p.Internal
	default:
		return nil, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return json.Marshal(env)
}

// UnmarshalJSON restores the union from its envelope form.
func (p *EventPayload) UnmarshalJSON(data []byte) error {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*p = EventPayload{
		Kind:             env.Kind,
		Message:          env.Message,
		ScheduledTask:    env.ScheduledTask,
		IntegrationEvent: env.IntegrationEvent,
		Internal:         env.Internal,
	}
	return nil
}

// Event is the canonical normalized event flowing through the pipeline.
type Event struct {
	ID        string       `json:"id"`
	Source    EventSource  `json:"source"`
	Type      string       `json:"type"`
	Payload   EventPayload `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
	Priority  int          `json:"priority"`
}

// RawInput is what producers hand to the dispatcher before
// normalization.
type RawInput struct {
	Source  EventSource    `json:"source"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`

	// Priority overrides the type default when set. Zero is meaningful,
	// hence the pointer.
	Priority *int `json:"priority,omitempty"`
}

// DispatchOptions tunes one dispatch call.
type DispatchOptions struct {
	// CorrelationID, when set, becomes the event id. Dispatching the
	// same correlation id into a durable queue is idempotent.
	CorrelationID string `json:"correlationId,omitempty"`
}
