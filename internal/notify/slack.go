package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"
)

var _ Notifier = (*SlackNotifier)(nil)

// SlackNotifier posts alerts as Slack messages. The supervisor id is used as
// the channel, so it may be a user id (direct message) or a channel id.
type SlackNotifier struct {
	client *slack.Client
}

// NewSlackNotifier creates a SlackNotifier. apiURL overrides the Slack API
// endpoint and is empty in production.
func NewSlackNotifier(token, apiURL string) *SlackNotifier {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackNotifier{client: slack.New(token, opts...)}
}

func (s *SlackNotifier) NotifyHighRisk(ctx context.Context, a Alert) error {
	if a.SupervisorID == "" {
		return errors.New("slack: no supervisor to notify")
	}
	_, _, err := s.client.PostMessageContext(ctx, a.SupervisorID,
		slack.MsgOptionText(a.Text(), false),
	)
	if err != nil {
		return fmt.Errorf("slack: posting to %s: %w", a.SupervisorID, err)
	}
	return nil
}
