package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMSISDN(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare international", input: "989123456789", want: "989123456789"},
		{name: "plus prefix", input: "+989123456789", want: "989123456789"},
		{name: "double zero prefix", input: "00989123456789", want: "989123456789"},
		{name: "formatted", input: " +98 (912) 345-6789 ", want: "989123456789"},
		{name: "letters", input: "98912abc", wantErr: true},
		{name: "too short", input: "123", wantErr: true},
		{name: "too long", input: "1234567890123456", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMSISDN(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSubscriber)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSendWatchLink(t *testing.T) {
	ctx := context.Background()

	t.Run("renders template", func(t *testing.T) {
		sms := NewMockSMSService()
		svc := NewNotificationService(sms, "")

		err := svc.SendWatchLink(ctx, "+989123456789", "https://api.example.com/watch?v=abc")
		require.NoError(t, err)

		msgs := sms.GetSentMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "989123456789", msgs[0].Recipient)
		assert.Equal(t, "Watch this short video and earn a reward: https://api.example.com/watch?v=abc", msgs[0].Message)

		sms.ClearSentMessages()
		assert.Empty(t, sms.GetSentMessages())
	})

	t.Run("custom template", func(t *testing.T) {
		sms := NewMockSMSService()
		svc := NewNotificationService(sms, "Video: %s")
		require.NoError(t, svc.SendWatchLink(ctx, "989123456789", "u"))
		assert.Equal(t, "Video: u", sms.GetSentMessages()[0].Message)
	})

	t.Run("gateway failure propagates", func(t *testing.T) {
		sms := NewMockSMSService()
		sms.FailWith = errors.New("gateway down")
		svc := NewNotificationService(sms, "")
		assert.EqualError(t, svc.SendWatchLink(ctx, "989123456789", "u"), "gateway down")
	})

	t.Run("invalid subscriber is not sent", func(t *testing.T) {
		sms := NewMockSMSService()
		svc := NewNotificationService(sms, "")
		assert.ErrorIs(t, svc.SendWatchLink(ctx, "nope", "u"), ErrInvalidSubscriber)
		assert.Empty(t, sms.GetSentMessages())
	})
}
