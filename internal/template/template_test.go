package template

import (
	"context"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kaspa-stratum/bridge/internal/noderpc"
)

type fakeClient struct {
	template *noderpc.Template
	getErr   error
	stream   chan *noderpc.Template
}

func (f *fakeClient) GetBlockTemplate(ctx context.Context, payAddress string) (*noderpc.Template, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.template, nil
}

func (f *fakeClient) SubscribeTemplates(ctx context.Context, payAddress string) (<-chan *noderpc.Template, error) {
	return f.stream, nil
}

func (f *fakeClient) SubmitBlock(ctx context.Context, block *noderpc.Block) (*noderpc.SubmitResult, error) {
	return &noderpc.SubmitResult{Accepted: true}, nil
}

func TestSanitizeCoinbaseTag(t *testing.T) {
	cases := map[string]string{
		"my-pool_v1.0":       "my-pool_v1.0",
		"bad chars!@#":       "badchars",
		"":                   "",
	}
	for in, want := range cases {
		if got := SanitizeCoinbaseTag(in); got != want {
			t.Errorf("SanitizeCoinbaseTag(%q) = %q, want %q", in, got, want)
		}
	}

	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	if got := SanitizeCoinbaseTag(long); len(got) != 64 {
		t.Errorf("expected sanitized tag capped at 64 chars, got %d", len(got))
	}
}

func TestSanitizeIsIdempotent(t *testing.T) {
	tag := "weird!!tag--ok"
	once := SanitizeCoinbaseTag(tag)
	twice := SanitizeCoinbaseTag(once)
	if once != twice {
		t.Errorf("sanitize is not idempotent: %q -> %q", once, twice)
	}
}

func TestCurrentReturnsUnavailableBeforeFirstTemplate(t *testing.T) {
	client := &fakeClient{getErr: context.DeadlineExceeded, stream: make(chan *noderpc.Template)}
	s := NewSource(client, "kaspa:x", "pool", zap.NewNop())
	s.started = time.Now().Add(-20 * time.Second) // past the startup grace period

	if _, err := s.Current(); err == nil {
		t.Fatal("expected ErrUnavailable once grace period has elapsed")
	}
}

func TestCurrentServesStoredTemplate(t *testing.T) {
	tmpl := &noderpc.Template{Height: 5, NetworkTarget: big.NewInt(100)}
	client := &fakeClient{template: tmpl, stream: make(chan *noderpc.Template)}
	s := NewSource(client, "kaspa:x", "pool", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		got, err := s.Current()
		if err == nil && got.Height == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("template never became available")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestCoinbaseTagStoredSanitized(t *testing.T) {
	client := &fakeClient{template: &noderpc.Template{}, stream: make(chan *noderpc.Template)}
	s := NewSource(client, "kaspa:x", "bad tag!!", zap.NewNop())
	if s.CoinbaseTag() != "badtag" {
		t.Errorf("CoinbaseTag() = %q, want %q", s.CoinbaseTag(), "badtag")
	}
}

func TestSubscribeReceivesEachPublishedTemplate(t *testing.T) {
	stream := make(chan *noderpc.Template, 1)
	client := &fakeClient{template: &noderpc.Template{Height: 1}, stream: stream}
	s := NewSource(client, "kaspa:x", "pool", zap.NewNop())

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// The initial fetch (height 1) should be delivered without waiting
	// on the subscription stream.
	select {
	case tmpl := <-sub:
		if tmpl.Height != 1 {
			t.Fatalf("expected initial template height 1, got %d", tmpl.Height)
		}
	case <-time.After(time.Second):
		t.Fatal("initial template was never published to subscriber")
	}

	stream <- &noderpc.Template{Height: 2}
	select {
	case tmpl := <-sub:
		if tmpl.Height != 2 {
			t.Fatalf("expected republished template height 2, got %d", tmpl.Height)
		}
	case <-time.After(time.Second):
		t.Fatal("changed template was never published to subscriber")
	}

	cancel()
	<-done
}

func TestSubscribeCoalescesToLatestWhenSlow(t *testing.T) {
	stream := make(chan *noderpc.Template, 2)
	client := &fakeClient{getErr: context.DeadlineExceeded, stream: stream}
	s := NewSource(client, "kaspa:x", "pool", zap.NewNop())

	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	stream <- &noderpc.Template{Height: 1}
	stream <- &noderpc.Template{Height: 2}

	deadline := time.After(time.Second)
	var last *noderpc.Template
	for last == nil || last.Height != 2 {
		select {
		case last = <-sub:
		case <-deadline:
			t.Fatal("subscriber never caught up to the latest template")
		}
	}

	cancel()
	<-done
}
