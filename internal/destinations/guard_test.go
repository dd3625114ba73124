package destinations

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker/v2"

	"github.com/saltyorg/watchrelay/internal/credentials"
	"github.com/saltyorg/watchrelay/internal/media"
)

type stubClient struct {
	calls atomic.Int32
	err   error
}

func (s *stubClient) Destination() media.Destination {
	return media.DestinationSimkl
}

func (s *stubClient) RecordWatch(ctx context.Context, cred *credentials.Credential, ev *media.PlaybackEvent, rewatch bool) error {
	s.calls.Add(1)
	return s.err
}

func TestGuardOpensAfterServiceFailures(t *testing.T) {
	stub := &stubClient{err: &Error{Destination: media.DestinationSimkl, StatusCode: http.StatusBadGateway, Message: "bad gateway"}}
	g := NewGuard(stub, GuardOptions{RatePerSecond: 1000, Failures: 3})

	for range 3 {
		_ = g.RecordWatch(context.Background(), testCred(media.DestinationSimkl), testMovie(), false)
	}
	if g.State() != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want open", g.State())
	}

	err := g.RecordWatch(context.Background(), testCred(media.DestinationSimkl), testMovie(), false)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("RecordWatch() error = %v, want open state", err)
	}
	var de *Error
	if !errors.As(err, &de) || de.Destination != media.DestinationSimkl {
		t.Errorf("open breaker error should be a destination error, got %v", err)
	}
	if stub.calls.Load() != 3 {
		t.Errorf("client called %d times, want 3", stub.calls.Load())
	}
}

func TestGuardIgnoresClientErrors(t *testing.T) {
	stub := &stubClient{err: &Error{Destination: media.DestinationSimkl, StatusCode: http.StatusNotFound, Message: "not found"}}
	g := NewGuard(stub, GuardOptions{RatePerSecond: 1000, Failures: 2})

	for range 5 {
		err := g.RecordWatch(context.Background(), testCred(media.DestinationSimkl), testMovie(), false)
		if err == nil {
			t.Fatal("RecordWatch() should surface the client error")
		}
	}
	if g.State() != gobreaker.StateClosed {
		t.Errorf("State() = %v, want closed", g.State())
	}
	if stub.calls.Load() != 5 {
		t.Errorf("client called %d times, want 5", stub.calls.Load())
	}
}

func TestGuardRateWaitHonorsContext(t *testing.T) {
	stub := &stubClient{}
	g := NewGuard(stub, GuardOptions{RatePerSecond: 0.001})

	if err := g.RecordWatch(context.Background(), testCred(media.DestinationSimkl), testMovie(), false); err != nil {
		t.Fatalf("first call error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.RecordWatch(ctx, testCred(media.DestinationSimkl), testMovie(), false); err == nil {
		t.Fatal("second call should fail waiting for the limiter")
	}
	if stub.calls.Load() != 1 {
		t.Errorf("client called %d times, want 1", stub.calls.Load())
	}
}
