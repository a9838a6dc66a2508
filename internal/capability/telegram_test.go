package capability

import (
	"context"
	"testing"

	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/message"
)

func TestTelegramNotify_UnknownConnectorErrors(t *testing.T) {
	r := New(Config{})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 100})
	if err := r.TelegramNotify(context.Background(), inv, "does_not_exist", "hi"); err == nil {
		t.Fatal("expected error for unknown connector")
	}
}

func TestTelegramNotify_DeniedWhenModuleNotAllowlisted(t *testing.T) {
	r := New(Config{
		Telegram: map[string]config.TelegramConnector{
			"ops": {BotToken: "x", ChatID: 1, AllowedRules: []string{"other.wasm"}},
		},
	})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 100})
	if err := r.TelegramNotify(context.Background(), inv, "ops", "hi"); err == nil {
		t.Fatal("expected allowlist denial before any bot dial-out")
	}
}
