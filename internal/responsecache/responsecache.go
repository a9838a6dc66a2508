// Package responsecache implements the persistent-response storage and
// GET caching modes a webhook route can opt into: a rule's most recent
// Some(response) is retained for a webhook route, and a GET against a
// rule-backed route is served from that retained value according to
// its configured caching mode, with at most one concurrent invocation
// per fingerprint.
package responsecache

import (
	"context"
	"sync"
	"time"

	"github.com/obelisk/plaid/internal/config"
)

type record struct {
	body     []byte
	storedAt time.Time
	hasBody  bool
}

// Store holds persistent responses keyed by route, plus a freshness
// cache keyed by (route, fingerprint) for GET caching, and a small
// in-flight tracker so concurrent GETs against the same fingerprint
// share a single rule invocation — the mutex-guarded map pattern the
// teacher's gateway uses for its pending approval requests.
type Store struct {
	mu sync.Mutex

	// latest is what capability.GetResponse reads: the most recent
	// response recorded for a route, independent of any GET caching
	// mode. Only Put and ServeGET's invocations record here; responses
	// of invocations triggered any other way (POST, interval, websocket)
	// are not recorded.
	latest map[string]record

	// byKey is the GET-serving cache, keyed by route or by
	// route+fingerprint for Fingerprinted mode.
	byKey map[string]record

	// inflight de-duplicates concurrent invocations for the same key:
	// the first caller creates the group and invokes; later callers
	// wait on it and share its result.
	inflight map[string]*invocationGroup

	caps map[string]uint64

	now func() time.Time
}

type invocationGroup struct {
	done chan struct{}
	body []byte
	err  error
}

// New constructs an empty Store. perRouteCapBytes, when non-zero for a
// route name, bounds how many bytes of persistent response that route
// retains, up to a per-module byte cap.
func New(perRouteCapBytes map[string]uint64) *Store {
	return &Store{
		latest:   make(map[string]record),
		byKey:    make(map[string]record),
		inflight: make(map[string]*invocationGroup),
		caps:     perRouteCapBytes,
		now:      time.Now,
	}
}

// Get implements capability.ResponseCache: it returns the most recent
// response body retained for route, regardless of GET caching mode.
func (s *Store) Get(route string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.latest[route]
	if !ok || !r.hasBody {
		return nil, false
	}
	return r.body, true
}

// Put records body as the most recent persistent response for route,
// truncating to the route's configured byte cap when one is set.
func (s *Store) Put(route string, body []byte) {
	if limit, ok := s.caps[route]; ok && limit > 0 && uint64(len(body)) > limit {
		body = body[:limit]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[route] = record{body: body, storedAt: s.now(), hasBody: true}
}

// ServeGET resolves a GET against a rule-backed route: "none" always
// re-invokes, "timed" serves the cached body until timed_seconds
// elapses, "fingerprinted" serves the cached body for that fingerprint
// indefinitely once computed. Both caching modes funnel concurrent
// requests for the same key through a single invocation.
func (s *Store) ServeGET(ctx context.Context, route config.WebhookRoute, fingerprint string, invoke func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	mode := ""
	if route.GetMode != nil {
		mode = route.GetMode.CachingMode
	}
	if mode == "" || mode == "none" {
		body, err := invoke(ctx)
		if err == nil {
			s.Put(route.LogType, body)
		}
		return body, err
	}

	key := route.Path
	if mode == "fingerprinted" {
		key = route.Path + "|" + fingerprint
	}

	if mode == "timed" {
		if body, fresh := s.fresh(key, time.Duration(route.GetMode.TimedSecs)*time.Second); fresh {
			return body, nil
		}
	} else if mode == "fingerprinted" {
		if body, fresh := s.fresh(key, 0); fresh {
			return body, nil
		}
	}

	return s.invokeOnce(ctx, key, route.LogType, invoke)
}

func (s *Store) fresh(key string, ttl time.Duration) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byKey[key]
	if !ok || !r.hasBody {
		return nil, false
	}
	if ttl > 0 && s.now().Sub(r.storedAt) > ttl {
		return nil, false
	}
	return r.body, true
}

// invokeOnce ensures only one invocation runs for key at a time: the
// first caller runs invoke and stores the result; concurrent callers
// for the same key wait on the same group and share it.
func (s *Store) invokeOnce(ctx context.Context, key, route string, invoke func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	if g, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-g.done:
			return g.body, g.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g := &invocationGroup{done: make(chan struct{})}
	s.inflight[key] = g
	s.mu.Unlock()

	body, err := invoke(ctx)
	g.body, g.err = body, err
	close(g.done)

	s.mu.Lock()
	delete(s.inflight, key)
	if err == nil {
		s.byKey[key] = record{body: body, storedAt: s.now(), hasBody: true}
		s.latest[route] = record{body: body, storedAt: s.now(), hasBody: true}
	}
	s.mu.Unlock()

	return body, err
}
