// Package notifications delivers operator alerts. The only producer today
// is the worker cycle escalating tasks to manual review.
package notifications

import (
	"context"
	"fmt"
	"os"

	"github.com/rankcraft/linkengine/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// slackAPI is the slice of the Slack client we use, extracted so tests can
// stub delivery
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts manual-review escalations to an operations channel.
// Implements engine.Notifier.
type SlackNotifier struct {
	client    slackAPI
	channelID string
}

// NewSlackNotifier creates a notifier from a bot token. Returns nil when
// the token or channel is empty so callers can wire it optionally.
func NewSlackNotifier(token, channelID string) *SlackNotifier {
	if token == "" || channelID == "" {
		return nil
	}
	return &SlackNotifier{client: slack.New(token), channelID: channelID}
}

// NewSlackNotifierFromEnv builds the notifier from SLACK_BOT_TOKEN and
// SLACK_OPS_CHANNEL
func NewSlackNotifierFromEnv() *SlackNotifier {
	return NewSlackNotifier(os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_OPS_CHANNEL"))
}

// NotifyManualReview posts the escalated task to the operations channel.
// Delivery failures are logged, never surfaced: an unreachable Slack must
// not affect task processing.
func (n *SlackNotifier) NotifyManualReview(ctx context.Context, task *db.Task, reason string) {
	fallback := fmt.Sprintf("Task %s needs manual review: %s", task.ID, reason)

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", ":rotating_light: *Backlink task needs manual review*", false, false),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			nil,
			[]*slack.TextBlockObject{
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Task:*\n%s", task.ID), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*User:*\n%s", task.UserID), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Target:*\n%s", task.TargetURL), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Reason:*\n%s", reason), false, false),
			},
			nil,
		),
	}

	_, _, err := n.client.PostMessageContext(
		ctx,
		n.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("task_id", task.ID).
			Msg("Failed to send Slack escalation")
		return
	}

	log.Info().
		Str("task_id", task.ID).
		Str("channel", n.channelID).
		Msg("Slack escalation sent")
}
