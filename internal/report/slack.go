package report

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	slackapi "github.com/slack-go/slack"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackReporter posts incidents to an operator Slack channel.
type SlackReporter struct {
	client    slackClient
	channelID string
	backoff   time.Duration
}

// SlackReporterOpts holds parameters for creating a SlackReporter.
type SlackReporterOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewSlackReporter creates a SlackReporter.
func NewSlackReporter(opts SlackReporterOpts) (*SlackReporter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("report: slack bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("report: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &SlackReporter{client: client, channelID: opts.ChannelID, backoff: time.Second}, nil
}

// Report implements Reporter.
func (s *SlackReporter) Report(ctx context.Context, inc Incident) error {
	opts := buildMessageOptions(inc)
	err := s.retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(s.channelID, opts...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("report: slack post: %w", err)
	}
	return nil
}

// buildMessageOptions renders an incident as fallback text plus one
// attachment carrying the details as fields.
func buildMessageOptions(inc Incident) []slackapi.MsgOption {
	text := fmt.Sprintf("Incident %s: %s", inc.ID, inc.Context)
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(text, false),
		slackapi.MsgOptionAttachments(incidentToAttachment(inc)),
	}
}

func incidentToAttachment(inc Incident) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    inc.Context,
		Text:     errString(inc.Err),
		Color:    "#d50200",
		Fallback: inc.Summary(),
		Footer:   inc.ID + " " + inc.Time.Format(time.RFC3339),
	}
	att.Fields = append(att.Fields,
		slackapi.AttachmentField{Title: "Chat", Value: strconv.FormatInt(inc.ChatID, 10), Short: true},
	)
	if inc.UserName != "" {
		att.Fields = append(att.Fields,
			slackapi.AttachmentField{Title: "User", Value: inc.UserName, Short: true},
		)
	}
	return att
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func (s *SlackReporter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * s.backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
