// Package template tracks the latest block template fetched from the
// node, exposing it to the job registry and degrading gracefully when
// the node stops producing fresh ones.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/noderpc"
)

// ErrUnavailable is returned by Current when no template has ever been
// received and the startup grace period has elapsed.
var ErrUnavailable = errors.New("template: unavailable")

// startupGrace is how long Current tolerates having no template at all
// before reporting ErrUnavailable, giving the node connection time to
// come up on a cold start.
const startupGrace = 10 * time.Second

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SanitizeCoinbaseTag enforces the coinbase tag's allowed charset and
// length; it is idempotent so it can be applied defensively at both
// config-load time and template-build time without changing an
// already-valid tag.
func SanitizeCoinbaseTag(tag string) string {
	if len(tag) > 64 {
		tag = tag[:64]
	}
	var b strings.Builder
	for _, r := range tag {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Source holds the latest template received from the node, serves it to
// readers without blocking on the network, and fans it out to
// subscribers as soon as it changes.
type Source struct {
	client     noderpc.Client
	payAddress string
	coinbaseTag string
	logger     *zap.Logger

	current atomic.Pointer[noderpc.Template]
	started time.Time
	degraded atomic.Bool

	subMu sync.Mutex
	subs  map[chan *noderpc.Template]struct{}
}

// NewSource builds a Source; tag is sanitized once up front and kept for
// CoinbaseTag. The tag is not injected into templates or jobs.
func NewSource(client noderpc.Client, payAddress, tag string, logger *zap.Logger) *Source {
	return &Source{
		client:      client,
		payAddress:  payAddress,
		coinbaseTag: SanitizeCoinbaseTag(tag),
		logger:      logger,
		started:     time.Now(),
		subs:        make(map[chan *noderpc.Template]struct{}),
	}
}

// Subscribe registers a channel that receives every template stored
// from this point on, including ones whose height doesn't differ from
// the last (e.g. a node's own republish). Callers must call Unsubscribe
// when done to avoid a leaked entry in the subscriber set.
func (s *Source) Subscribe() chan *noderpc.Template {
	ch := make(chan *noderpc.Template, 1)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (s *Source) Unsubscribe(ch chan *noderpc.Template) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, ch)
}

// store saves tmpl as the current template and broadcasts it to every
// subscriber. A subscriber that hasn't drained the previous template
// has that stale entry dropped in favor of the new one, so a lagging
// consumer always coalesces to the latest template rather than
// eventually processing one that's long out of date.
func (s *Source) store(tmpl *noderpc.Template) {
	s.current.Store(tmpl)

	s.subMu.Lock()
	subs := make([]chan *noderpc.Template, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tmpl:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- tmpl:
			default:
			}
		}
	}
}

// Run fetches an initial template and then follows the node's
// subscription stream until ctx is canceled, updating Current's view as
// new templates arrive. If the stream drops, Run falls back to Degraded
// mode (Current keeps serving the last known template) and retries the
// subscription.
func (s *Source) Run(ctx context.Context) error {
	initial, err := s.client.GetBlockTemplate(ctx, s.payAddress)
	if err != nil {
		s.logger.Warn("initial block template fetch failed", zap.Error(err))
	} else {
		s.store(initial)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stream, err := s.client.SubscribeTemplates(ctx, s.payAddress)
		if err != nil {
			s.setDegraded(true)
			s.logger.Warn("template subscription failed, retrying", zap.Error(err))
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		s.setDegraded(false)
	drainStream:
		for {
			select {
			case tmpl, ok := <-stream:
				if !ok {
					break drainStream
				}
				s.store(tmpl)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// The stream closed because the connection dropped; ctx is
		// still live, so loop back around and resubscribe.
		s.setDegraded(true)
		s.logger.Warn("template subscription stream closed, reconnecting")
	}
}

func (s *Source) setDegraded(v bool) {
	s.degraded.Store(v)
}

// Degraded reports whether the Source is currently serving a stale
// template because its subscription to the node is down.
func (s *Source) Degraded() bool {
	return s.degraded.Load()
}

// Current returns the latest template exactly as received from the
// node; the coinbase tag is not written into it. It returns
// ErrUnavailable if no template has ever arrived and the startup grace
// period has elapsed.
func (s *Source) Current() (*noderpc.Template, error) {
	tmpl := s.current.Load()
	if tmpl == nil {
		if time.Since(s.started) < startupGrace {
			return nil, fmt.Errorf("template: no template received yet, still within startup grace period")
		}
		return nil, ErrUnavailable
	}
	return tmpl, nil
}

// CoinbaseTag returns the sanitized tag this Source was built with.
// Nothing in this package writes it into a template's coinbase.
func (s *Source) CoinbaseTag() string {
	return s.coinbaseTag
}
