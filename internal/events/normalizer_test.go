package events

import (
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestNormalize_Message(t *testing.T) {
	t.Run("basic message", func(t *testing.T) {
		p := Normalize(models.SourceAPI, models.TypeMessageSent, map[string]any{
			"text":   "hi",
			"userId": "u1",
		})
		if p.Kind != models.KindMessage {
			t.Fatalf("expected message kind, got %s", p.Kind)
		}
		if p.Message.Text != "hi" || p.Message.UserID != "u1" {
			t.Errorf("unexpected message payload: %+v", p.Message)
		}
	})

	t.Run("defaults user id", func(t *testing.T) {
		p := Normalize(models.SourceAPI, models.TypeMessageSent, map[string]any{"text": "hi"})
		if p.Message.UserID != "default" {
			t.Errorf("expected default user id, got %q", p.Message.UserID)
		}
	})

	t.Run("parses attachments", func(t *testing.T) {
		p := Normalize(models.SourceAPI, models.TypeMessageSent, map[string]any{
			"text": "see attached",
			"attachments": []any{
				map[string]any{"url": "https://x/file.png", "mimeType": "image/png"},
				"not-a-map",
			},
			"attachmentIds": []any{"att-1", 42, "att-2"},
		})
		if len(p.Message.Attachments) != 1 {
			t.Fatalf("expected 1 attachment, got %d", len(p.Message.Attachments))
		}
		if p.Message.Attachments[0].URL != "https://x/file.png" {
			t.Errorf("unexpected attachment: %+v", p.Message.Attachments[0])
		}
		if len(p.Message.AttachmentIDs) != 2 {
			t.Errorf("expected 2 attachment ids, got %v", p.Message.AttachmentIDs)
		}
	})

	t.Run("keeps recognized direct channel metadata", func(t *testing.T) {
		p := Normalize(models.SourceSlack, models.TypeMessageSent, map[string]any{
			"text": "hi",
			"channel": map[string]any{
				"channel":    "slack",
				"channelId":  "C123",
				"directness": "direct",
			},
		})
		if p.Message.Channel == nil {
			t.Fatal("expected channel metadata to be kept")
		}
		if p.Message.Channel.ChannelID != "C123" {
			t.Errorf("unexpected channel metadata: %+v", p.Message.Channel)
		}
	})

	t.Run("drops unrecognized channel tag", func(t *testing.T) {
		p := Normalize(models.SourceAPI, models.TypeMessageSent, map[string]any{
			"text": "hi",
			"channel": map[string]any{
				"channel":    "carrier-pigeon",
				"directness": "direct",
			},
		})
		if p.Message.Channel != nil {
			t.Errorf("expected channel metadata dropped, got %+v", p.Message.Channel)
		}
	})

	t.Run("drops indirect channel metadata", func(t *testing.T) {
		p := Normalize(models.SourceSlack, models.TypeMessageSent, map[string]any{
			"text": "hi",
			"channel": map[string]any{
				"channel":    "slack",
				"directness": "ambient",
			},
		})
		if p.Message.Channel != nil {
			t.Errorf("expected channel metadata dropped, got %+v", p.Message.Channel)
		}
	})
}

func TestNormalize_ScheduledTask(t *testing.T) {
	p := Normalize(models.SourceScheduler, models.TypeTaskScheduled, map[string]any{
		"executeAt": "2026-01-02T15:04:05Z",
		"intent":    "send the weekly digest",
	})
	if p.Kind != models.KindScheduledTask {
		t.Fatalf("expected scheduled_task kind, got %s", p.Kind)
	}
	if p.ScheduledTask.ExecuteAt != "2026-01-02T15:04:05Z" {
		t.Errorf("unexpected execute_at: %q", p.ScheduledTask.ExecuteAt)
	}
	if p.ScheduledTask.Context == nil {
		t.Error("expected context to default to empty map")
	}
}

func TestNormalize_Integration(t *testing.T) {
	t.Run("integration event", func(t *testing.T) {
		p := Normalize(models.SourceIntegration, "github.push", map[string]any{
			"integrationId": "gh-1",
			"originalType":  "push",
			"ref":           "main",
		})
		if p.Kind != models.KindIntegrationEvent {
			t.Fatalf("expected integration_event kind, got %s", p.Kind)
		}
		if p.IntegrationEvent.IntegrationID != "gh-1" || p.IntegrationEvent.OriginalType != "push" {
			t.Errorf("unexpected payload: %+v", p.IntegrationEvent)
		}
	})

	t.Run("integration source without markers falls back", func(t *testing.T) {
		p := Normalize(models.SourceIntegration, "github.push", map[string]any{"ref": "main"})
		if p.Kind != models.KindInternal {
			t.Fatalf("expected internal fallback, got %s", p.Kind)
		}
	})
}

func TestNormalize_Fallback(t *testing.T) {
	t.Run("turn completed is internal", func(t *testing.T) {
		p := Normalize(models.SourceInternal, models.TypeChatTurnCompleted, map[string]any{"turn": 3})
		if p.Kind != models.KindInternal {
			t.Fatalf("expected internal kind, got %s", p.Kind)
		}
		if p.Internal.Data["turn"] != 3 {
			t.Errorf("expected raw payload wrapped, got %+v", p.Internal.Data)
		}
	})

	t.Run("unknown type is internal", func(t *testing.T) {
		p := Normalize(models.SourceAPI, "mystery.event", map[string]any{"a": 1})
		if p.Kind != models.KindInternal {
			t.Fatalf("expected internal kind, got %s", p.Kind)
		}
	})

	t.Run("nil payload never panics", func(t *testing.T) {
		p := Normalize(models.SourceAPI, "mystery.event", nil)
		if p.Kind != models.KindInternal || p.Internal.Data == nil {
			t.Fatalf("expected internal kind with empty data, got %+v", p)
		}
	})

	t.Run("every normalization satisfies the union invariant", func(t *testing.T) {
		cases := []struct {
			source    models.EventSource
			eventType string
			payload   map[string]any
		}{
			{models.SourceAPI, models.TypeMessageSent, map[string]any{"text": "x"}},
			{models.SourceScheduler, models.TypeTaskScheduled, nil},
			{models.SourceIntegration, "x.y", map[string]any{"integrationId": "i", "originalType": "t"}},
			{models.SourceInternal, "junk", nil},
		}
		for _, c := range cases {
			if p := Normalize(c.source, c.eventType, c.payload); !p.Valid() {
				t.Errorf("Normalize(%s, %s) produced invalid union: %+v", c.source, c.eventType, p)
			}
		}
	})
}

func TestNewEvent(t *testing.T) {
	t.Run("mints uuid when no correlation id", func(t *testing.T) {
		ev := NewEvent(models.RawInput{
			Source:  models.SourceAPI,
			Type:    models.TypeMessageSent,
			Payload: map[string]any{"text": "hi"},
		}, models.DispatchOptions{})
		if ev.ID == "" {
			t.Fatal("expected a minted id")
		}
		if ev.Priority != 10 {
			t.Errorf("expected default priority 10, got %d", ev.Priority)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp set")
		}
	})

	t.Run("correlation id becomes event id", func(t *testing.T) {
		ev := NewEvent(models.RawInput{
			Source:  models.SourceAPI,
			Type:    models.TypeMessageSent,
			Payload: map[string]any{"text": "hi"},
		}, models.DispatchOptions{CorrelationID: "corr-1"})
		if ev.ID != "corr-1" {
			t.Errorf("expected correlation id, got %q", ev.ID)
		}
	})

	t.Run("explicit priority wins", func(t *testing.T) {
		prio := 2
		ev := NewEvent(models.RawInput{
			Source:   models.SourceAPI,
			Type:     models.TypeMessageSent,
			Payload:  map[string]any{"text": "hi"},
			Priority: &prio,
		}, models.DispatchOptions{})
		if ev.Priority != 2 {
			t.Errorf("expected priority 2, got %d", ev.Priority)
		}
	})
}
