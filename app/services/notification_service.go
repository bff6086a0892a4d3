// Package services provides external service integrations and technical concerns like notifications and tokens
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSubscriber is returned for identifiers the SMS gateway cannot address
var ErrInvalidSubscriber = errors.New("invalid subscriber identifier")

// DefaultWatchLinkTemplate is used when no template is configured
const DefaultWatchLinkTemplate = "Watch this short video and earn a reward: %s"

// NotificationService delivers watch links to subscribers
type NotificationService interface {
	SendWatchLink(ctx context.Context, subscriberID, watchURL string) error
}

// NotificationServiceImpl implements NotificationService over an SMSService
type NotificationServiceImpl struct {
	sms      SMSService
	template string
}

// NewNotificationService creates a new notification service
func NewNotificationService(sms SMSService, template string) NotificationService {
	if template == "" || !strings.Contains(template, "%s") {
		template = DefaultWatchLinkTemplate
	}
	return &NotificationServiceImpl{
		sms:      sms,
		template: template,
	}
}

// SendWatchLink renders the watch-link message and sends it to the subscriber
func (s *NotificationServiceImpl) SendWatchLink(ctx context.Context, subscriberID, watchURL string) error {
	if s.sms == nil {
		return fmt.Errorf("SMS provider not configured")
	}
	recipient, err := NormalizeMSISDN(subscriberID)
	if err != nil {
		return err
	}
	return s.sms.SendSMS(ctx, recipient, fmt.Sprintf(s.template, watchURL))
}

// NormalizeMSISDN strips formatting and converts a leading "+" or "00" into the bare international form
func NormalizeMSISDN(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
	switch {
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	case strings.HasPrefix(s, "00"):
		s = s[2:]
	}
	if len(s) < 5 || len(s) > 15 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubscriber, raw)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidSubscriber, raw)
		}
	}
	return s, nil
}
