package exthost

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/GoCodeAlone/exthost/registry"
)

type recordingPublisher struct {
	mu     sync.Mutex
	err    error
	events []struct {
		topic   string
		payload LifecycleEvent
	}
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	event, ok := payload.(LifecycleEvent)
	if !ok {
		return errors.New("unexpected payload type")
	}
	p.events = append(p.events, struct {
		topic   string
		payload LifecycleEvent
	}{topic, event})
	return nil
}

func TestEmitPublishesLifecycleEvent(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	events := NewEvents(pub, nil)

	events.Emit(context.Background(), TopicModuleActivated, "client-management", "acme", registry.StatusActive)

	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	got := pub.events[0]
	if got.topic != TopicModuleActivated {
		t.Errorf("topic = %s, want %s", got.topic, TopicModuleActivated)
	}
	if got.payload.ModuleID != "client-management" || got.payload.TenantID != "acme" {
		t.Errorf("payload identifies %s/%s, want client-management/acme",
			got.payload.ModuleID, got.payload.TenantID)
	}
	if got.payload.Status != string(registry.StatusActive) {
		t.Errorf("status = %s, want %s", got.payload.Status, registry.StatusActive)
	}
	if got.payload.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestEmitWithoutPublisherIsNoop(t *testing.T) {
	t.Parallel()
	events := NewEvents(nil, nil)
	events.Emit(context.Background(), TopicModuleInstalled, "m", "t", registry.StatusAvailable)
}

func TestEmitSwallowsPublishFailure(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{err: errors.New("bus down")}
	events := NewEvents(pub, nil)

	events.Emit(context.Background(), TopicModuleError, "m", "t", registry.StatusError)
}
