package capability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obelisk/plaid/internal/config"
	"github.com/obelisk/plaid/internal/message"
)

// TestMakeNamedRequest_SubstitutesURLVariable mirrors a named request
// configured with a {var} placeholder in its URL template, invoked with
// a rule-supplied value that must land verbatim in the request path.
func TestMakeNamedRequest_SubstitutesURLVariable(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotMethod = req.Method
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ack"))
	}))
	defer srv.Close()

	r := New(Config{
		NamedRequests: map[string]config.NamedRequest{
			"notify": {
				URL:             srv.URL + "/testmnr/{var}",
				Method:          http.MethodPost,
				AllowedRules:    []string{"billing_alert.wasm"},
				ReturnCode:      true,
				ReturnBody:      true,
				AvailableInTest: false,
			},
		},
	})

	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 1000})
	result, err := r.MakeNamedRequest(context.Background(), inv, "notify", map[string]string{"var": "my_var"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/testmnr/my_var" {
		t.Fatalf("expected path /testmnr/my_var, got %q", gotPath)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("expected POST, got %s", gotMethod)
	}
	if result.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", result.StatusCode)
	}
	if string(result.Body) != "ack" {
		t.Fatalf("expected body 'ack', got %q", result.Body)
	}
}

func TestMakeNamedRequest_DeniedWhenModuleNotAllowlisted(t *testing.T) {
	r := New(Config{
		NamedRequests: map[string]config.NamedRequest{
			"notify": {URL: "http://example.invalid", AllowedRules: []string{"other.wasm"}},
		},
	})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 1000})
	if _, err := r.MakeNamedRequest(context.Background(), inv, "notify", nil, nil, nil); err == nil {
		t.Fatal("expected allowlist denial")
	}
}

func TestMakeNamedRequest_UnknownNameErrors(t *testing.T) {
	r := New(Config{})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 1000})
	if _, err := r.MakeNamedRequest(context.Background(), inv, "does_not_exist", nil, nil, nil); err == nil {
		t.Fatal("expected error for unknown named request")
	}
}

func TestMakeNamedRequest_InterpolatesSecretInHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(Config{
		NamedRequests: map[string]config.NamedRequest{
			"secure": {
				URL:          srv.URL,
				Method:       http.MethodGet,
				Headers:      map[string]string{"Authorization": "Bearer {plaid-secret{api_token}}"},
				AllowedRules: []string{"billing_alert.wasm"},
			},
		},
	})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 1000})
	inv.Secrets = map[string]string{"api_token": "s3cr3t"}

	if _, err := r.MakeNamedRequest(context.Background(), inv, "secure", nil, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer s3cr3t" {
		t.Fatalf("expected interpolated secret in header, got %q", gotAuth)
	}
}

// TestMakeNamedRequest_HeadersOverrideWinsOverConfigured verifies a
// call-supplied header value replaces the one baked into the named
// request's config, rather than being dropped or merged blindly.
func TestMakeNamedRequest_HeadersOverrideWinsOverConfigured(t *testing.T) {
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotTrace = req.Header.Get("X-Trace-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(Config{
		NamedRequests: map[string]config.NamedRequest{
			"notify": {
				URL:          srv.URL,
				Method:       http.MethodGet,
				Headers:      map[string]string{"X-Trace-Id": "default"},
				AllowedRules: []string{"billing_alert.wasm"},
			},
		},
	})
	inv := newInvocation("billing_alert.wasm", message.ExecBudget{Computation: 1000})

	if _, err := r.MakeNamedRequest(context.Background(), inv, "notify", nil, nil, map[string]string{"X-Trace-Id": "call-supplied"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTrace != "call-supplied" {
		t.Fatalf("expected call-supplied header to win, got %q", gotTrace)
	}
}
