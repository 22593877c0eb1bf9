package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestLogSink_Record(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	sink := NewLogSink(logger)

	entry := Entry{
		ID:         uuid.New(),
		ActorID:    uuid.New(),
		ActorName:  "dr-jones",
		Action:     "plan.approve",
		EntityKind: "plan",
		EntityID:   uuid.New(),
		RequestID:  "req-42",
		RecordedAt: time.Now(),
	}
	if err := sink.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	var logged map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logged); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if logged["action"] != "plan.approve" {
		t.Errorf("expected action plan.approve, got %v", logged["action"])
	}
	if logged["actor_name"] != "dr-jones" {
		t.Errorf("expected actor dr-jones, got %v", logged["actor_name"])
	}
	if logged["entity_kind"] != "plan" {
		t.Errorf("expected entity_kind plan, got %v", logged["entity_kind"])
	}
}
