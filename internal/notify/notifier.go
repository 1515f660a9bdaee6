// Package notify delivers operator alerts to Telegram and Discord. Alerts
// are filtered by event name and repeated alerts are suppressed for a
// cooldown window.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every Sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	label    string
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

// Config tunes a Notifier.
type Config struct {
	// Events restricts delivery to these event names; empty allows all.
	Events []string
	// Label is prefixed to every title, e.g. the deployment name.
	Label string
	// Cooldown suppresses an identical (event, title, message) alert sent
	// within this window.
	Cooldown time.Duration
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		label:    cfg.Label,
		cooldown: cfg.Cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		now:      time.Now,
		sent:     make(map[string]time.Time),
	}
}

// Notify delivers an alert for event, subject to the event filter and the
// cooldown.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.suppressed(event + "\x00" + title + "\x00" + message) {
		n.logger.DebugContext(ctx, "duplicate alert suppressed", slog.String("event", event))
		return nil
	}
	if n.label != "" {
		title = "[" + n.label + "] " + title
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) suppressed(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	now := n.now()
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, at := range n.sent {
		if now.Sub(at) >= n.cooldown {
			delete(n.sent, k)
		}
	}
	if _, ok := n.sent[key]; ok {
		return true
	}
	n.sent[key] = now
	return false
}

// dispatch sends to every sender concurrently. One failing sender does not
// stop delivery to the others.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	errs := make([]error, len(n.senders))
	var g errgroup.Group
	for i, s := range n.senders {
		g.Go(func() error {
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.ErrorContext(ctx, "sender failed",
					slog.String("sender", s.Name()),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
				return nil
			}
			n.logger.DebugContext(ctx, "alert sent", slog.String("sender", s.Name()), slog.String("title", title))
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
