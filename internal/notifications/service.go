package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chorus/internal/config"
)

const userAgent = "Chorus/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyJobAccepted(ctx context.Context, jobID, title string) error
	NotifyStageCompleted(ctx context.Context, jobID, title, stage string) error
	NotifyJobCompleted(ctx context.Context, jobID, title string) error
	NotifyJobFailed(ctx context.Context, jobID, title, errorKind, message string) error
	NotifyJobCancelled(ctx context.Context, jobID, title string) error
	NotifySpeakerSuggestion(ctx context.Context, jobID, label, profileLabel string, confidence float64) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		progress: cfg.Notifications.Progress,
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
	progress bool
}

func (n *ntfyService) NotifyJobAccepted(ctx context.Context, jobID, title string) error {
	if !n.progress {
		return nil
	}
	data := payload{
		title:   "Chorus - Job Accepted",
		message: fmt.Sprintf("Queued: %s", displayTitle(jobID, title)),
		tags:    []string{"chorus", "job", "accepted"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyStageCompleted(ctx context.Context, jobID, title, stage string) error {
	if !n.progress {
		return nil
	}
	data := payload{
		title:   "Chorus - Stage Complete",
		message: fmt.Sprintf("%s finished %s", displayTitle(jobID, title), stage),
		tags:    []string{"chorus", "stage", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobCompleted(ctx context.Context, jobID, title string) error {
	data := payload{
		title:    "Chorus - Complete",
		message:  fmt.Sprintf("Transcript ready: %s", displayTitle(jobID, title)),
		tags:     []string{"chorus", "job", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobFailed(ctx context.Context, jobID, title, errorKind, message string) error {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Failed: %s", displayTitle(jobID, title))
	if errorKind = strings.TrimSpace(errorKind); errorKind != "" {
		fmt.Fprintf(&builder, " (%s)", errorKind)
	}
	if message = strings.TrimSpace(message); message != "" {
		builder.WriteString("\n")
		builder.WriteString(message)
	}
	data := payload{
		title:    "Chorus - Job Failed",
		message:  builder.String(),
		tags:     []string{"chorus", "job", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyJobCancelled(ctx context.Context, jobID, title string) error {
	data := payload{
		title:   "Chorus - Job Cancelled",
		message: fmt.Sprintf("Cancelled: %s", displayTitle(jobID, title)),
		tags:    []string{"chorus", "job", "cancelled"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySpeakerSuggestion(ctx context.Context, jobID, label, profileLabel string, confidence float64) error {
	data := payload{
		title: "Chorus - Speaker Review",
		message: fmt.Sprintf("Job %s: %s may be %s (%.0f%% match)\nManual confirmation required",
			jobID, label, profileLabel, confidence*100),
		tags: []string{"chorus", "speaker", "review"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Chorus - Test",
		message:  "Notification system test",
		tags:     []string{"chorus", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func displayTitle(jobID, title string) string {
	if title = strings.TrimSpace(title); title != "" {
		return title
	}
	return jobID
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

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
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyJobAccepted(context.Context, string, string) error { return nil }
func (noopService) NotifyStageCompleted(context.Context, string, string, string) error {
	return nil
}
func (noopService) NotifyJobCompleted(context.Context, string, string) error { return nil }
func (noopService) NotifyJobFailed(context.Context, string, string, string, string) error {
	return nil
}
func (noopService) NotifyJobCancelled(context.Context, string, string) error { return nil }
func (noopService) NotifySpeakerSuggestion(context.Context, string, string, string, float64) error {
	return nil
}
func (noopService) TestNotification(context.Context) error { return nil }
