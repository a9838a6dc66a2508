package message

import "testing"

func TestLimitDecrement(t *testing.T) {
	u := Unlimited()
	for i := 0; i < 3; i++ {
		next, ok := u.Decrement()
		if !ok {
			t.Fatalf("unlimited decrement should always succeed")
		}
		u = next
	}

	l := Limited(1)
	next, ok := l.Decrement()
	if !ok || next.Value() != 0 {
		t.Fatalf("expected one decrement to succeed and reach zero, got ok=%v value=%d", ok, next.Value())
	}
	_, ok = next.Decrement()
	if ok {
		t.Fatalf("decrementing an exhausted limit must fail")
	}
}

func TestLimitString(t *testing.T) {
	if Unlimited().String() != "unlimited" {
		t.Fatalf("unexpected unlimited string: %s", Unlimited().String())
	}
	if Limited(5).String() != "5" {
		t.Fatalf("unexpected limited string: %s", Limited(5).String())
	}
}

func TestLogSourceKinds(t *testing.T) {
	cases := []struct {
		src  LogSource
		kind string
	}{
		{Webhook{Path: "/x", Method: "POST"}, "webhook"},
		{Interval{Schedule: "*/5 * * * *"}, "interval"},
		{Logback{CallerModule: "a.wasm", Depth: 1}, "logback"},
		{WebSocket{Name: "feed"}, "websocket"},
		{Generator{Name: "poller"}, "generator"},
	}
	for _, tc := range cases {
		if got := tc.src.Kind(); got != tc.kind {
			t.Errorf("Kind() = %q, want %q", got, tc.kind)
		}
	}
}

func TestMessageCloneIsolatesMaps(t *testing.T) {
	m := Message{
		LogType:          "foo",
		Accessory:        map[string]string{"a": "1"},
		AvailableSecrets: map[string]string{"KEY": "shh"},
		Budget:           ExecBudget{LogbacksRemaining: Limited(2)},
	}
	clone := m.Clone()
	clone.Accessory["a"] = "mutated"
	if m.Accessory["a"] != "1" {
		t.Fatalf("mutating clone's accessory map leaked into original")
	}
	if clone.Budget.LogbacksRemaining.Value() != 2 {
		t.Fatalf("budget should copy by value")
	}
}
