package capability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/obelisk/plaid/internal/config"
)

// substituteTemplate replaces every {name} placeholder in s with the
// corresponding value from vars, leaving unrecognized placeholders
// untouched so a typo surfaces in the outgoing request instead of
// silently vanishing.
func substituteTemplate(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}
	for name, value := range vars {
		s = strings.ReplaceAll(s, "{"+name+"}", value)
	}
	return s
}

// NamedRequestResult is what a successful network.make_named_request
// call hands back to the rule, gated by the resource's own
// return_code/return_body flags (a request configured with both false
// still executes — the rule just learns nothing from it but success).
type NamedRequestResult struct {
	StatusCode int
	Body       []byte
}

// MakeNamedRequest issues the HTTP call described by the named_requests
// entry called name, after running it through the allowlist/test-mode/
// budget pipeline and substituting URL and body variables and secrets.
// Secret interpolation happens last, immediately before the request is
// sent, so a secret value is never treated as match text for a
// {variable} substitution or logged as part of an intermediate template.
func (r *Registry) MakeNamedRequest(ctx context.Context, inv *Invocation, name string, urlVars, bodyVars, headersOverride map[string]string) (NamedRequestResult, error) {
	nr, ok := r.namedRequests[name]
	if !ok {
		return NamedRequestResult{}, fmt.Errorf("capability: unknown named request %q", name)
	}

	cost := r.costOf("network.make_named_request", 10)
	if err := gate(ctx, inv, "network.make_named_request:"+name, nr.AllowedRules, nr.AvailableInTest, cost); err != nil {
		return NamedRequestResult{}, err
	}

	url := substituteTemplate(nr.URL, urlVars)
	url = config.Interpolate(url, inv.Secrets)

	body := substituteTemplate(nr.BodyTemplate, bodyVars)
	body = config.Interpolate(body, inv.Secrets)

	method := nr.Method
	if method == "" {
		method = http.MethodGet
	}

	timeout := time.Duration(nr.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return NamedRequestResult{}, fmt.Errorf("capability: build request for %q: %w", name, err)
	}
	for k, v := range nr.Headers {
		req.Header.Set(k, config.Interpolate(v, inv.Secrets))
	}
	for k, v := range headersOverride {
		req.Header.Set(k, config.Interpolate(v, inv.Secrets))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return NamedRequestResult{}, fmt.Errorf("capability: request %q failed: %w", name, err)
	}
	defer resp.Body.Close()

	result := NamedRequestResult{}
	if nr.ReturnCode {
		result.StatusCode = resp.StatusCode
	}
	if nr.ReturnBody {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return NamedRequestResult{}, fmt.Errorf("capability: read response body for %q: %w", name, err)
		}
		result.Body = b
	}
	return result, nil
}
