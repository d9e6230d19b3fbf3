// Package notifications pushes pipeline milestones via ntfy.
//
// With no topic configured the service degrades to a no-op, so callers
// never guard their notification calls.
package notifications

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"spool/internal/config"
)

const userAgent = "spool/0.1"

// Service is the notification surface used by the orchestrator.
type Service interface {
	DiscDetected(ctx context.Context, label, drive string) error
	RipCompleted(ctx context.Context, discTitle string) error
	JobCompleted(ctx context.Context, discTitle, finalPath string) error
	JobFailed(ctx context.Context, discTitle, reason string) error
	ReviewNeeded(ctx context.Context, discTitle, reason string) error
}

// NewService returns an ntfy-backed service, or a no-op when no topic is
// configured.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := time.Duration(cfg.NtfyRequestTimeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) DiscDetected(ctx context.Context, label, drive string) error {
	return n.send(ctx, payload{
		title:   "Spool - Disc Detected",
		message: fmt.Sprintf("Disc detected: %s (%s)", label, drive),
		tags:    []string{"spool", "disc"},
	})
}

func (n *ntfyService) RipCompleted(ctx context.Context, discTitle string) error {
	return n.send(ctx, payload{
		title:   "Spool - Rip Complete",
		message: fmt.Sprintf("Finished ripping: %s", discTitle),
		tags:    []string{"spool", "rip"},
	})
}

func (n *ntfyService) JobCompleted(ctx context.Context, discTitle, finalPath string) error {
	return n.send(ctx, payload{
		title:   "Spool - Job Complete",
		message: fmt.Sprintf("%s organized to %s", discTitle, finalPath),
		tags:    []string{"spool", "done"},
	})
}

func (n *ntfyService) JobFailed(ctx context.Context, discTitle, reason string) error {
	return n.send(ctx, payload{
		title:    "Spool - Job Failed",
		message:  fmt.Sprintf("%s failed: %s", discTitle, reason),
		tags:     []string{"spool", "failed"},
		priority: "high",
	})
}

func (n *ntfyService) ReviewNeeded(ctx context.Context, discTitle, reason string) error {
	return n.send(ctx, payload{
		title:    "Spool - Review Needed",
		message:  fmt.Sprintf("%s needs review: %s", discTitle, reason),
		tags:     []string{"spool", "review"},
		priority: "high",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned status %d", resp.StatusCode)
	}
	return nil
}

type noopService struct{}

func (noopService) DiscDetected(context.Context, string, string) error { return nil }
func (noopService) RipCompleted(context.Context, string) error         { return nil }
func (noopService) JobCompleted(context.Context, string, string) error { return nil }
func (noopService) JobFailed(context.Context, string, string) error    { return nil }
func (noopService) ReviewNeeded(context.Context, string, string) error { return nil }

// Noop returns the no-op service, used by tests.
func Noop() Service { return noopService{} }
