package broadcast

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wayline/wayline/internal/models"
)

// mockEscalator records alert hand-offs.
type mockEscalator struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockEscalator) Escalate(journeyID string, rule models.AlertRule, _ models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, journeyID+"/"+rule.ID)
}

func (m *mockEscalator) escalations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func tracker(pct int, milestones ...models.Milestone) *models.ProgressTracker {
	return &models.ProgressTracker{
		TotalStates:          4,
		CompletionPercentage: pct,
		CurrentStateName:     "Working",
		Milestones:           milestones,
	}
}

func collect(sub *Subscription, d time.Duration) []models.Event {
	var out []models.Event
	deadline := time.After(d)
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-deadline:
			return out
		}
	}
}

func TestSubscribeUnknownJourney(t *testing.T) {
	svc := NewService()
	if _, err := svc.Subscribe("nope"); !errors.Is(err, models.ErrUnknownExecution) {
		t.Fatalf("expected ErrUnknownExecution, got %v", err)
	}
}

func TestLateSubscriberGetsSnapshot(t *testing.T) {
	svc := NewService()
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(25))

	sub, err := svc.Subscribe("j1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer svc.Unsubscribe("j1", sub.ID)

	select {
	case evt := <-sub.Events:
		if evt.Type != models.EventStateChanged {
			t.Fatalf("expected snapshot state_changed event, got %s", evt.Type)
		}
		if evt.StateID != "work" || evt.Progress.CompletionPercentage != 25 {
			t.Errorf("snapshot does not reflect current state: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered to late subscriber")
	}
}

func TestProgressUpdatesAreCoalesced(t *testing.T) {
	svc := NewService(WithThrottleWindow(50 * time.Millisecond))
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(0))

	sub, err := svc.Subscribe("j1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer svc.Unsubscribe("j1", sub.ID)
	<-sub.Events // drain the snapshot

	// Five rapid updates inside one window must yield exactly one emission
	// carrying the last value.
	for _, pct := range []int{10, 20, 30, 40, 50} {
		svc.HandleProgressUpdated("j1", tracker(pct))
	}

	events := collect(sub, 200*time.Millisecond)
	var progressEvents []models.Event
	for _, evt := range events {
		if evt.Type == models.EventProgressUpdated {
			progressEvents = append(progressEvents, evt)
		}
	}
	if len(progressEvents) != 1 {
		t.Fatalf("expected exactly 1 coalesced progress event, got %d", len(progressEvents))
	}
	if progressEvents[0].Progress.CompletionPercentage != 50 {
		t.Errorf("coalesced event must carry the last value, got %d", progressEvents[0].Progress.CompletionPercentage)
	}
}

func TestErrorsBypassThrottle(t *testing.T) {
	svc := NewService(WithThrottleWindow(time.Hour))
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(0))

	sub, _ := svc.Subscribe("j1")
	defer svc.Unsubscribe("j1", sub.ID)
	<-sub.Events

	svc.HandleError("j1", "tool blew up")

	select {
	case evt := <-sub.Events:
		if evt.Type != models.EventErrorOccurred {
			t.Fatalf("expected error event, got %s", evt.Type)
		}
		if evt.Message != "tool blew up" {
			t.Errorf("unexpected message %q", evt.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("error event was throttled")
	}
}

func TestMilestoneEventOnNewCompletion(t *testing.T) {
	svc := NewService()
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(0, models.Milestone{ID: "milestone_work", StateID: "work", Name: "Working"}))

	sub, _ := svc.Subscribe("j1")
	defer svc.Unsubscribe("j1", sub.ID)
	<-sub.Events

	completed := tracker(25, models.Milestone{ID: "milestone_work", StateID: "work", Name: "Working", Completed: true})
	svc.HandleStateChanged("j1", "s1", "work", "Working", completed)

	events := collect(sub, 100*time.Millisecond)
	var sawMilestone bool
	for _, evt := range events {
		if evt.Type == models.EventMilestoneReached {
			sawMilestone = true
			if evt.Milestone == nil || evt.Milestone.ID != "milestone_work" {
				t.Errorf("milestone event missing payload: %+v", evt)
			}
		}
	}
	if !sawMilestone {
		t.Fatal("expected a milestone_reached event")
	}
}

func TestCompletionClosesSubscribersAndCleansUp(t *testing.T) {
	svc := NewService(WithThrottleWindow(time.Hour), WithCompletionGrace(20*time.Millisecond))
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(50))

	sub, _ := svc.Subscribe("j1")
	<-sub.Events

	svc.HandleProgressUpdated("j1", tracker(90)) // pending, throttled
	svc.HandleCompleted("j1", tracker(100))

	events := collect(sub, 200*time.Millisecond)
	if len(events) == 0 || events[len(events)-1].Type != models.EventCompleted {
		t.Fatalf("expected completed as the final event, got %+v", events)
	}
	for _, evt := range events {
		if evt.Type == models.EventProgressUpdated {
			t.Error("pending throttled progress must be dropped on completion")
		}
	}

	// Once the grace window expires the channel must be closed and the
	// journey untracked.
	if _, ok := <-sub.Events; ok {
		t.Fatal("subscriber channel must be closed after the grace window")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := svc.Subscribe("j1"); errors.Is(err, models.ErrUnknownExecution) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("journey still tracked after the grace window")
}

func TestCompletedJourneyStaysQueryableDuringGrace(t *testing.T) {
	svc := NewService(WithCompletionGrace(time.Hour))
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(50))
	svc.HandleCompleted("j1", tracker(100))

	// A query arriving just after completion still resolves.
	viz, err := svc.Visualize("j1", models.VisualizationLinear)
	if err != nil {
		t.Fatalf("Visualize after completion failed: %v", err)
	}
	if viz.JourneyID != "j1" {
		t.Errorf("unexpected visualization %+v", viz)
	}

	sub, err := svc.Subscribe("j1")
	if err != nil {
		t.Fatalf("Subscribe during grace failed: %v", err)
	}
	select {
	case evt := <-sub.Events:
		if evt.Progress == nil || evt.Progress.CompletionPercentage != 100 {
			t.Errorf("snapshot must report the finished journey: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered during grace window")
	}

	// Finished journeys awaiting teardown do not count as active.
	if stats := svc.Stats(); stats.ActiveJourneys != 0 {
		t.Errorf("expected 0 active journeys, got %d", stats.ActiveJourneys)
	}
	svc.Stop()
}

func TestCompletionForcesFullPercentage(t *testing.T) {
	svc := NewService(WithCompletionGrace(time.Hour))
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(50))

	sub, _ := svc.Subscribe("j1")
	<-sub.Events

	svc.HandleCompleted("j1", tracker(90))

	select {
	case evt := <-sub.Events:
		if evt.Type != models.EventCompleted {
			t.Fatalf("expected completed event, got %s", evt.Type)
		}
		if evt.Progress.CompletionPercentage != 100 {
			t.Errorf("completion event must report 100%%, got %d", evt.Progress.CompletionPercentage)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event delivered")
	}
	svc.Stop()
}

func TestUnsubscribeDuringBroadcastDoesNotPanic(t *testing.T) {
	svc := NewService()
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(0))

	for i := 0; i < 50; i++ {
		sub, err := svc.Subscribe("j1")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				svc.HandleError("j1", "boom")
			}
		}()
		svc.Unsubscribe("j1", sub.ID)
		wg.Wait()

		// Drain until the close; buffered events before the close are fine,
		// a send after it would have panicked above.
		for range sub.Events {
		}
	}
}

func TestAlertRuleFiresOnce(t *testing.T) {
	svc := NewService(WithThrottleWindow(time.Hour))
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(0))

	rules := []models.AlertRule{{
		ID:         "halfway",
		Condition:  models.AlertConditionThreshold,
		Comparison: "gte",
		Value:      50,
		Actions:    []string{models.AlertActionNotify},
	}}
	if err := svc.SetAlertRules("j1", rules); err != nil {
		t.Fatalf("SetAlertRules failed: %v", err)
	}

	sub, _ := svc.Subscribe("j1")
	defer svc.Unsubscribe("j1", sub.ID)
	<-sub.Events

	svc.HandleProgressUpdated("j1", tracker(40)) // below threshold
	svc.HandleProgressUpdated("j1", tracker(60)) // fires
	svc.HandleProgressUpdated("j1", tracker(80)) // must not fire again

	events := collect(sub, 100*time.Millisecond)
	var alerts int
	for _, evt := range events {
		if evt.Type == models.EventAlertTriggered {
			alerts++
		}
	}
	if alerts != 1 {
		t.Fatalf("expected exactly 1 alert event, got %d", alerts)
	}
}

func TestAlertEscalationInvokesCollaborator(t *testing.T) {
	esc := &mockEscalator{}
	svc := NewService(WithThrottleWindow(time.Hour), WithEscalator(esc))
	svc.HandleStateChanged("j1", "s1", "work", "Working", tracker(0))

	rules := []models.AlertRule{
		{
			ID:         "stuck",
			Condition:  models.AlertConditionThreshold,
			Comparison: "gte",
			Value:      50,
			Actions:    []string{models.AlertActionNotify, models.AlertActionEscalate},
		},
		{
			ID:         "notice",
			Condition:  models.AlertConditionThreshold,
			Comparison: "gte",
			Value:      10,
			Actions:    []string{models.AlertActionNotify},
		},
	}
	if err := svc.SetAlertRules("j1", rules); err != nil {
		t.Fatalf("SetAlertRules failed: %v", err)
	}

	svc.HandleProgressUpdated("j1", tracker(60)) // trips both rules

	got := esc.escalations()
	if len(got) != 1 || got[0] != "j1/stuck" {
		t.Fatalf("expected only the escalate rule to be handed off, got %v", got)
	}
}

func TestStatsAggregates(t *testing.T) {
	svc := NewService()
	svc.HandleStateChanged("j1", "s1", "a", "A", tracker(10))
	svc.HandleStateChanged("j2", "s2", "b", "B", tracker(20))
	svc.HandleError("j2", "bad")
	svc.HandleCompleted("j1", tracker(100))

	stats := svc.Stats()
	if stats.TotalJourneys != 2 {
		t.Errorf("expected 2 total journeys, got %d", stats.TotalJourneys)
	}
	if stats.ActiveJourneys != 1 {
		t.Errorf("expected 1 active journey, got %d", stats.ActiveJourneys)
	}
	if stats.CompletedJourneys != 1 {
		t.Errorf("expected 1 completed journey, got %d", stats.CompletedJourneys)
	}
	if stats.ErroredJourneys != 1 {
		t.Errorf("expected 1 errored journey, got %d", stats.ErroredJourneys)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("expected success rate 0.5, got %f", stats.SuccessRate)
	}
}
