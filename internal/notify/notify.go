// Package notify pushes alerts to an ntfy-style webhook topic.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tzaczek/GlucoseMonitor-sub000/internal/model"
)

// Notification is one outbound push message.
type Notification struct {
	Title    string
	Message  string
	Priority string
	Tags     []string
}

// Notifier posts to a single topic URL. An empty URL disables pushes; Send
// then reports false without calling anywhere.
type Notifier struct {
	url        string
	httpClient *http.Client
}

func NewNotifier(url string) *Notifier {
	return &Notifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Enabled() bool { return n.url != "" }

// Send delivers one notification. Returns whether a push actually went out.
func (n *Notifier) Send(ctx context.Context, msg Notification) (bool, error) {
	if !n.Enabled() {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, strings.NewReader(msg.Message))
	if err != nil {
		return false, err
	}
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	if msg.Priority != "" {
		req.Header.Set("Priority", msg.Priority)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("push status %d", resp.StatusCode)
	}
	return true, nil
}

// FromAnalysis maps a finished analysis to a push, if it warrants one. Only
// concerning and bad classifications notify; good results and failed runs
// stay quiet.
func FromAnalysis(rec model.AnalysisRecord, noteText string) (Notification, bool) {
	if rec.Status != model.AnalysisOK {
		return Notification{}, false
	}
	subject := strings.TrimSpace(noteText)
	if subject == "" {
		subject = rec.EventUUID
	}
	switch rec.Classification {
	case model.ClassConcerning:
		return Notification{
			Title:    fmt.Sprintf("Concerning response: %s", subject),
			Message:  rec.Text,
			Priority: "default",
			Tags:     []string{"warning"},
		}, true
	case model.ClassBad:
		return Notification{
			Title:    fmt.Sprintf("Bad response: %s", subject),
			Message:  rec.Text,
			Priority: "high",
			Tags:     []string{"rotating_light"},
		}, true
	default:
		return Notification{}, false
	}
}
