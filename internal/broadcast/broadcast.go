// Package broadcast distributes journey execution events to subscribers:
// state changes, throttled progress updates, milestones, errors, completions
// and alert triggers. Subscriptions are journey-scoped channels; slow
// subscribers lose events rather than block the pipeline.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wayline/wayline/internal/models"
)

const (
	defaultThrottleWindow  = 500 * time.Millisecond
	defaultCompletionGrace = 5 * time.Second
	subscriberBuffer       = 32
)

// Escalator receives alert hand-offs for rules whose actions include
// escalate. Calls are made inline; implementations must not block.
type Escalator interface {
	Escalate(journeyID string, rule models.AlertRule, event models.Event)
}

// Subscription is one journey-scoped event feed. Events is closed when the
// subscriber unsubscribes or the journey finishes.
type Subscription struct {
	ID        string
	JourneyID string
	Events    chan models.Event

	// mu serializes sends against close so a broadcast in flight can never
	// hit a closed channel.
	mu     sync.Mutex
	closed bool
}

// send delivers an event, dropping it when the subscription is closed or its
// buffer is full.
func (sub *Subscription) send(event models.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.Events <- event:
	default:
		slog.Warn("Broadcast.send: subscriber buffer full, dropping event", "subscriptionID", sub.ID, "eventType", event.Type)
	}
}

// shut closes the event channel exactly once, after any in-flight send.
func (sub *Subscription) shut() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.Events)
}

// journeyRecord tracks everything the broadcaster knows about one journey.
type journeyRecord struct {
	sessionID string
	stateID   string
	stateName string
	progress  *models.ProgressTracker
	errored   bool
	finished  bool
	firstSeen time.Time

	subscribers map[string]*Subscription

	// teardownTimer removes the record once the post-completion grace
	// window expires.
	teardownTimer *time.Timer

	// Trailing-edge throttle: the first update in a window arms the flush
	// timer; later updates within the window only replace pending, so the
	// flush emits the latest value exactly once per window.
	pending    *models.ProgressTracker
	flushTimer *time.Timer

	alerts     []models.AlertRule
	alertFired map[string]bool
}

// Opts holds configuration options for the broadcaster.
type Opts struct {
	ThrottleWindow  time.Duration
	CompletionGrace time.Duration
	Escalator       Escalator
}

// Option defines a configuration option for the broadcaster.
type Option func(*Opts)

// WithThrottleWindow sets the progress-update throttle window.
func WithThrottleWindow(d time.Duration) Option {
	return func(o *Opts) { o.ThrottleWindow = d }
}

// WithCompletionGrace sets how long a completed journey stays queryable
// before its tracking is torn down.
func WithCompletionGrace(d time.Duration) Option {
	return func(o *Opts) { o.CompletionGrace = d }
}

// WithEscalator wires the collaborator that handles alert escalations.
func WithEscalator(e Escalator) Option {
	return func(o *Opts) { o.Escalator = e }
}

// Service is the progress broadcaster. Errors and completions bypass the
// throttle; only progress updates are coalesced.
type Service struct {
	mu        sync.Mutex
	journeys  map[string]*journeyRecord
	window    time.Duration
	grace     time.Duration
	escalator Escalator

	// Aggregates survive journey cleanup.
	totalSeen      int
	completed      int
	errored        int
	durationMillis float64
}

// NewService creates a progress broadcaster.
func NewService(opts ...Option) *Service {
	cfg := Opts{ThrottleWindow: defaultThrottleWindow, CompletionGrace: defaultCompletionGrace}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Broadcast.NewService: creating service", "throttleWindow", cfg.ThrottleWindow, "completionGrace", cfg.CompletionGrace)
	return &Service{
		journeys:  make(map[string]*journeyRecord),
		window:    cfg.ThrottleWindow,
		grace:     cfg.CompletionGrace,
		escalator: cfg.Escalator,
	}
}

// Subscribe attaches a new subscriber to a tracked journey and immediately
// delivers a snapshot of the current state, so late subscribers never start
// blind.
func (s *Service) Subscribe(journeyID string) (*Subscription, error) {
	s.mu.Lock()
	rec, ok := s.journeys[journeyID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("journey %s: %w", journeyID, models.ErrUnknownExecution)
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		JourneyID: journeyID,
		Events:    make(chan models.Event, subscriberBuffer),
	}
	rec.subscribers[sub.ID] = sub
	snapshot := models.Event{
		Type:      models.EventStateChanged,
		JourneyID: journeyID,
		SessionID: rec.sessionID,
		StateID:   rec.stateID,
		StateName: rec.stateName,
		Progress:  rec.progress.Clone(),
		Timestamp: time.Now(),
	}
	s.mu.Unlock()

	sub.send(snapshot)
	slog.Debug("Broadcast.Subscribe: subscriber attached", "journeyID", journeyID, "subscriptionID", sub.ID)
	return sub, nil
}

// Unsubscribe detaches a subscriber and closes its event channel. Unknown
// ids are a no-op.
func (s *Service) Unsubscribe(journeyID, subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.journeys[journeyID]
	if !ok {
		return
	}
	sub, ok := rec.subscribers[subscriptionID]
	if !ok {
		return
	}
	delete(rec.subscribers, subscriptionID)
	sub.shut()
	slog.Debug("Broadcast.Unsubscribe: subscriber detached", "journeyID", journeyID, "subscriptionID", subscriptionID)
}

// HandleStateChanged records a state transition and broadcasts it
// immediately, plus a milestone event when the entered state's milestone was
// newly completed.
func (s *Service) HandleStateChanged(journeyID, sessionID, stateID, stateName string, progress *models.ProgressTracker) {
	s.mu.Lock()
	rec := s.trackLocked(journeyID, sessionID)
	if rec.finished {
		s.mu.Unlock()
		return
	}

	var milestone *models.Milestone
	if progress != nil {
		if m := progress.MilestoneFor(stateID); m != nil && m.Completed {
			if prev := rec.progress.MilestoneFor(stateID); prev == nil || !prev.Completed {
				copied := *m
				milestone = &copied
			}
		}
	}

	rec.stateID = stateID
	rec.stateName = stateName
	if progress != nil {
		rec.progress = progress.Clone()
	}
	subs := subscriberList(rec)
	s.mu.Unlock()

	now := time.Now()
	broadcastAll(subs, models.Event{
		Type:      models.EventStateChanged,
		JourneyID: journeyID,
		SessionID: sessionID,
		StateID:   stateID,
		StateName: stateName,
		Progress:  progress.Clone(),
		Timestamp: now,
	})
	if milestone != nil {
		slog.Debug("Broadcast.HandleStateChanged: milestone reached", "journeyID", journeyID, "milestone", milestone.ID)
		broadcastAll(subs, models.Event{
			Type:      models.EventMilestoneReached,
			JourneyID: journeyID,
			SessionID: sessionID,
			StateID:   stateID,
			Milestone: milestone,
			Progress:  progress.Clone(),
			Timestamp: now,
		})
	}
}

// HandleProgressUpdated records a progress update and schedules a throttled
// emission: within one throttle window only the latest value is broadcast,
// at the window boundary. Alert rules are evaluated on every update.
func (s *Service) HandleProgressUpdated(journeyID string, progress *models.ProgressTracker) {
	if progress == nil {
		return
	}
	s.mu.Lock()
	rec := s.trackLocked(journeyID, "")
	if rec.finished {
		s.mu.Unlock()
		return
	}
	rec.progress = progress.Clone()
	rec.pending = progress.Clone()
	if rec.flushTimer == nil {
		rec.flushTimer = time.AfterFunc(s.window, func() { s.flushProgress(journeyID) })
	}
	fired := s.evaluateAlertsLocked(journeyID, rec)
	subs := subscriberList(rec)
	s.mu.Unlock()

	for _, fa := range fired {
		broadcastAll(subs, fa.event)
		if s.escalator != nil && hasAction(fa.rule, models.AlertActionEscalate) {
			slog.Info("Broadcast.HandleProgressUpdated: escalating alert", "journeyID", journeyID, "rule", fa.rule.ID)
			s.escalator.Escalate(journeyID, fa.rule, fa.event)
		}
	}
}

// flushProgress emits the coalesced progress value at the end of a throttle
// window.
func (s *Service) flushProgress(journeyID string) {
	s.mu.Lock()
	rec, ok := s.journeys[journeyID]
	if !ok {
		s.mu.Unlock()
		return
	}
	pending := rec.pending
	rec.pending = nil
	rec.flushTimer = nil
	sessionID := rec.sessionID
	subs := subscriberList(rec)
	s.mu.Unlock()

	if pending == nil {
		return
	}
	slog.Debug("Broadcast.flushProgress: emitting coalesced progress", "journeyID", journeyID, "percentage", pending.CompletionPercentage)
	broadcastAll(subs, models.Event{
		Type:      models.EventProgressUpdated,
		JourneyID: journeyID,
		SessionID: sessionID,
		Progress:  pending,
		Timestamp: time.Now(),
	})
}

// HandleError broadcasts an error event immediately, bypassing the throttle.
func (s *Service) HandleError(journeyID, message string) {
	s.mu.Lock()
	rec := s.trackLocked(journeyID, "")
	if rec.finished {
		s.mu.Unlock()
		return
	}
	rec.errored = true
	sessionID := rec.sessionID
	subs := subscriberList(rec)
	s.mu.Unlock()

	slog.Warn("Broadcast.HandleError: broadcasting error", "journeyID", journeyID, "message", message)
	broadcastAll(subs, models.Event{
		Type:      models.EventErrorOccurred,
		JourneyID: journeyID,
		SessionID: sessionID,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// HandleCompleted broadcasts the completion immediately, stops any pending
// throttle flush and marks the journey finished. The record stays queryable
// for a grace window so late visualization and stats queries still resolve;
// teardown closes subscriber channels and drops the record afterwards.
// Aggregate stats retain the journey.
func (s *Service) HandleCompleted(journeyID string, progress *models.ProgressTracker) {
	s.mu.Lock()
	rec, ok := s.journeys[journeyID]
	if !ok || rec.finished {
		s.mu.Unlock()
		return
	}
	rec.finished = true
	if rec.flushTimer != nil {
		rec.flushTimer.Stop()
		rec.flushTimer = nil
		rec.pending = nil
	}
	if rec.errored {
		s.errored++
	}
	s.completed++
	s.durationMillis += float64(time.Since(rec.firstSeen).Milliseconds())

	// The completion event always reports a finished journey, whatever the
	// caller's tracker says.
	final := progress.Clone()
	if final == nil {
		final = rec.progress.Clone()
	}
	if final == nil {
		final = &models.ProgressTracker{}
	}
	final.CompletionPercentage = 100
	rec.progress = final

	sessionID := rec.sessionID
	subs := subscriberList(rec)
	rec.teardownTimer = time.AfterFunc(s.grace, func() { s.teardown(journeyID) })
	s.mu.Unlock()

	slog.Info("Broadcast.HandleCompleted: journey completed", "journeyID", journeyID, "subscribers", len(subs), "grace", s.grace)
	broadcastAll(subs, models.Event{
		Type:      models.EventCompleted,
		JourneyID: journeyID,
		SessionID: sessionID,
		Progress:  final.Clone(),
		Timestamp: time.Now(),
	})
}

// teardown drops a finished journey's tracking once its grace window expired.
func (s *Service) teardown(journeyID string) {
	s.mu.Lock()
	rec, ok := s.journeys[journeyID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.journeys, journeyID)
	subs := subscriberList(rec)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.shut()
	}
	slog.Debug("Broadcast.teardown: journey tracking removed", "journeyID", journeyID)
}

// SetAlertRules installs per-journey alert rules. Each rule fires at most
// once per journey.
func (s *Service) SetAlertRules(journeyID string, rules []models.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.journeys[journeyID]
	if !ok {
		return fmt.Errorf("journey %s: %w", journeyID, models.ErrUnknownExecution)
	}
	rec.alerts = append([]models.AlertRule(nil), rules...)
	rec.alertFired = make(map[string]bool)
	return nil
}

// firedAlert pairs a triggered rule with the event announcing it.
type firedAlert struct {
	rule  models.AlertRule
	event models.Event
}

// evaluateAlertsLocked checks alert rules against the current progress and
// elapsed time, returning the triggered rules with their events. Caller holds
// s.mu.
func (s *Service) evaluateAlertsLocked(journeyID string, rec *journeyRecord) []firedAlert {
	var fired []firedAlert
	for _, rule := range rec.alerts {
		if rec.alertFired[rule.ID] {
			continue
		}
		var observed float64
		switch rule.Condition {
		case models.AlertConditionThreshold:
			observed = float64(rec.progress.CompletionPercentage)
		case models.AlertConditionDuration:
			observed = time.Since(rec.firstSeen).Seconds()
		default:
			continue
		}
		if !compare(observed, rule.Comparison, rule.Value) {
			continue
		}
		rec.alertFired[rule.ID] = true
		fired = append(fired, firedAlert{
			rule: rule,
			event: models.Event{
				Type:      models.EventAlertTriggered,
				JourneyID: journeyID,
				SessionID: rec.sessionID,
				Message:   fmt.Sprintf("alert %s: %s %s %.0f (observed %.0f), actions %v", rule.ID, rule.Condition, rule.Comparison, rule.Value, observed, rule.Actions),
				Progress:  rec.progress.Clone(),
				Timestamp: time.Now(),
			},
		})
	}
	return fired
}

// hasAction reports whether a rule lists the given action.
func hasAction(rule models.AlertRule, action string) bool {
	for _, a := range rule.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// compare applies an alert comparison operator.
func compare(observed float64, op string, value float64) bool {
	switch op {
	case "gt":
		return observed > value
	case "gte":
		return observed >= value
	case "lt":
		return observed < value
	case "lte":
		return observed <= value
	case "eq":
		return observed == value
	default:
		return false
	}
}

// Visualize renders the journey's current progress as an ordered node list.
// The kind only tags the output for renderers; the data shape is identical
// across kinds.
func (s *Service) Visualize(journeyID string, kind models.VisualizationKind) (*models.Visualization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.journeys[journeyID]
	if !ok {
		return nil, fmt.Errorf("journey %s: %w", journeyID, models.ErrUnknownExecution)
	}

	viz := &models.Visualization{JourneyID: journeyID, Kind: kind, GeneratedAt: time.Now()}
	if rec.progress == nil {
		return viz, nil
	}
	for _, m := range rec.progress.Milestones {
		node := models.VisualizationNode{ID: m.StateID, Name: m.Name, Timestamp: m.Timestamp}
		switch {
		case rec.errored && m.StateID == rec.stateID:
			node.Status = models.NodeStatusError
		case m.Completed:
			node.Status = models.NodeStatusCompleted
			node.Progress = 100
		case m.StateID == rec.stateID:
			node.Status = models.NodeStatusActive
			node.Progress = 50
		default:
			node.Status = models.NodeStatusPending
		}
		viz.Nodes = append(viz.Nodes, node)
	}
	return viz, nil
}

// Stats returns aggregates across all journeys the broadcaster has seen.
func (s *Service) Stats() models.BroadcastStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.BroadcastStats{
		TotalJourneys:     s.totalSeen,
		CompletedJourneys: s.completed,
		ErroredJourneys:   s.errored,
	}
	for _, rec := range s.journeys {
		// Finished journeys awaiting teardown are already counted in the
		// aggregates.
		if rec.finished {
			continue
		}
		stats.ActiveJourneys++
		if rec.errored {
			stats.ErroredJourneys++
		}
	}
	if s.completed > 0 {
		stats.AverageExecutionMillis = s.durationMillis / float64(s.completed)
	}
	if s.totalSeen > 0 {
		stats.SuccessRate = float64(s.completed) / float64(s.totalSeen)
		stats.ErrorRate = float64(stats.ErroredJourneys) / float64(s.totalSeen)
	}
	return stats
}

// Stop cancels all pending flush timers and closes every subscriber channel.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.journeys {
		if rec.flushTimer != nil {
			rec.flushTimer.Stop()
			rec.flushTimer = nil
		}
		if rec.teardownTimer != nil {
			rec.teardownTimer.Stop()
			rec.teardownTimer = nil
		}
		for _, sub := range rec.subscribers {
			sub.shut()
		}
		delete(s.journeys, id)
	}
	slog.Debug("Broadcast.Stop: service stopped")
}

// trackLocked returns the record for a journey, creating it on first sight.
// Caller holds s.mu.
func (s *Service) trackLocked(journeyID, sessionID string) *journeyRecord {
	rec, ok := s.journeys[journeyID]
	if !ok {
		rec = &journeyRecord{
			sessionID:   sessionID,
			firstSeen:   time.Now(),
			progress:    &models.ProgressTracker{},
			subscribers: make(map[string]*Subscription),
			alertFired:  make(map[string]bool),
		}
		s.journeys[journeyID] = rec
		s.totalSeen++
		slog.Debug("Broadcast.trackLocked: tracking journey", "journeyID", journeyID)
	}
	if sessionID != "" && rec.sessionID == "" {
		rec.sessionID = sessionID
	}
	return rec
}

func subscriberList(rec *journeyRecord) []*Subscription {
	subs := make([]*Subscription, 0, len(rec.subscribers))
	for _, sub := range rec.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// broadcastAll delivers an event to every subscriber, dropping it for any
// whose buffer is full.
func broadcastAll(subs []*Subscription, event models.Event) {
	for _, sub := range subs {
		sub.send(event)
	}
}
