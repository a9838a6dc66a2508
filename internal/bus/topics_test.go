package bus

import "testing"

func TestTopicConstantsAreDistinct(t *testing.T) {
	topics := map[string]bool{
		TopicInvocationStarted:   true,
		TopicInvocationCompleted: true,
		TopicInvocationFailed:    true,
		TopicInvocationTimedOut:  true,
		TopicLogbackEnqueued:     true,
		TopicLogbackDropped:      true,
		TopicGeneratorFired:      true,
		TopicGeneratorBackoff:    true,
		TopicGeneratorShutdown:   true,
		TopicQueueSaturated:      true,
		TopicQueueDrained:        true,
		TopicModuleLoaded:        true,
		TopicModuleRejected:      true,
	}
	if len(topics) != 13 {
		t.Fatalf("expected 13 unique topics, got %d", len(topics))
	}
	for topic := range topics {
		if topic == "" {
			t.Fatal("found empty topic constant")
		}
	}
}

func TestInvocationEventFields(t *testing.T) {
	ev := InvocationEvent{
		TraceID:    "trace-1",
		Module:     "rules/notify.wasm",
		LogType:    "orders",
		Depth:      2,
		DurationMS: 15,
	}
	if ev.TraceID == "" || ev.Module == "" || ev.LogType == "" {
		t.Fatalf("expected populated invocation event, got %+v", ev)
	}
}

func TestLogbackEventDropReason(t *testing.T) {
	ev := LogbackEvent{
		TraceID:       "trace-2",
		CallerModule:  "rules/ingest.wasm",
		TargetLogType: "alerts",
		Depth:         5,
		Reason:        "logback_budget_exhausted",
	}
	if ev.Reason == "" {
		t.Fatal("expected reason for dropped logback event")
	}
}

func TestGeneratorEventKinds(t *testing.T) {
	for _, kind := range []string{"webhook", "interval", "websocket", "generator"} {
		ev := GeneratorEvent{Name: "n", Kind: kind, LogType: "t"}
		if ev.Kind != kind {
			t.Fatalf("Kind mismatch: got %s, want %s", ev.Kind, kind)
		}
	}
}

func TestQueueEventCapacity(t *testing.T) {
	ev := QueueEvent{LogType: "orders", Depth: 250, Cap: 256}
	if ev.Depth > ev.Cap {
		t.Fatalf("depth %d should not exceed cap %d in this fixture", ev.Depth, ev.Cap)
	}
}

func TestModuleEventRejectedReason(t *testing.T) {
	ev := ModuleEvent{Path: "rules/bad.wasm", LogType: "orders", Reason: "signature_verification_failed"}
	if ev.Reason == "" {
		t.Fatal("expected reason for rejected module event")
	}
}
