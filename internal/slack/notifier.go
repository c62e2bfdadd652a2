// Package slack posts build-commit notifications to a Slack incoming
// webhook. Notifications are fire-and-forget: a delivery failure is
// logged and never surfaces to the user's request.
package slack

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Notifier sends one message per committed build.
type Notifier struct {
	webhookURL string
	log        zerolog.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(webhookURL string, log zerolog.Logger) *Notifier {
	return &Notifier{webhookURL: webhookURL, log: log}
}

// BuildCommitted posts a short message announcing a new project version.
func (n *Notifier) BuildCommitted(projectID, title string, version int) {
	go func() {
		msg := &slack.WebhookMessage{
			Text: fmt.Sprintf(":hammer_and_wrench: *%s* built version %d (project `%s`)", title, version, projectID),
		}
		if err := slack.PostWebhook(n.webhookURL, msg); err != nil {
			n.log.Warn().Err(err).Str("project", projectID).Msg("slack notification failed")
		}
	}()
}
