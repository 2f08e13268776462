// Package notify alerts operators when the fleet connection drops or recovers.
package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	status "fleet-link/internal/status/domain"
)

const (
	EventDisconnected = "disconnected"
	EventRestored     = "restored"
)

// Clock provides time for cooldowns.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier turns status snapshots into disconnect and restore alerts. Feed it
// with Coordinator.Subscribe(notifier.Observe).
type Notifier struct {
	channel        Channel
	template       *Template
	clock          Clock
	logger         *log.Logger
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration

	mu       sync.Mutex
	alerting bool
	sent     map[string]sendRecord
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithCooldown sets a minimum interval between notifications of the same event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithRequestTimeout bounds each delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs a connection notifier.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("connection notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		logger:         log.Default(),
		requestTimeout: 5 * time.Second,
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Observe consumes one status snapshot. An error while disconnected raises a
// disconnect alert once; the next connected snapshot raises a restore alert.
func (n *Notifier) Observe(state status.State) {
	if n == nil {
		return
	}
	n.mu.Lock()
	var event string
	switch {
	case !state.IsConnected && state.ErrorMessage != "" && !n.alerting:
		n.alerting = true
		event = EventDisconnected
	case state.IsConnected && n.alerting:
		n.alerting = false
		event = EventRestored
	}
	n.mu.Unlock()
	if event == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.requestTimeout)
	defer cancel()
	n.dispatch(ctx, event, state)
}

func (n *Notifier) dispatch(ctx context.Context, event string, state status.State) {
	now := n.clock.Now().UTC()
	content, err := n.template.Render(buildTemplateData(event, state, now))
	if err != nil {
		n.logger.Printf("status notify: render failed event=%s err=%v", event, err)
		return
	}
	if !n.shouldSend(event, content) {
		return
	}
	alert := Alert{Event: event, Content: content, State: state, At: now}
	if err := n.channel.Send(ctx, alert); err != nil {
		n.logger.Printf("status notify: send failed event=%s err=%v", event, err)
		return
	}
	n.markSent(event, content)
}

func buildTemplateData(event string, state status.State, now time.Time) TemplateData {
	source := string(state.ErrorSource)
	if source == "" {
		source = "monitor"
	}
	return TemplateData{
		Event:      event,
		EventLabel: eventLabel(event),
		Username:   state.Username,
		Source:     source,
		Error:      state.ErrorMessage,
		Time:       now.Format(time.RFC3339),
		Version:    state.Version,
		Suggestion: suggestionFor(event, state.ErrorSource),
	}
}

func eventLabel(event string) string {
	switch event {
	case EventDisconnected:
		return "Lost"
	case EventRestored:
		return "Restored"
	default:
		return event
	}
}

func suggestionFor(event string, source status.ErrorSource) string {
	if event == EventRestored {
		return "No action needed."
	}
	if source == status.SourceSave {
		return "Check the saved fleet credentials."
	}
	return "Check the fleet API endpoint and network path."
}

func (n *Notifier) shouldSend(event, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	record, ok := n.sent[event]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hashContent(content) && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(event, content string) {
	n.mu.Lock()
	n.sent[event] = sendRecord{at: n.clock.Now().UTC(), hash: hashContent(content)}
	n.mu.Unlock()
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
