package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assist-auth/internal/config"
	"assist-auth/internal/models"
)

func TestDispatcherDevModeSkipsDelivery(t *testing.T) {
	d := NewDispatcher(nil, true)

	err := d.SendCode(context.Background(), models.ChannelEmail, "alice@example.com", "123456")
	assert.NoError(t, err)
}

func TestDispatcherRejectsUnknownChannel(t *testing.T) {
	d := NewDispatcher(NewEmailSender(config.SMTPConfig{}, time.Minute), false)

	err := d.SendCode(context.Background(), "fax", "alice@example.com", "123456")
	assert.Error(t, err)
}

func TestDispatcherRequiresEmailSender(t *testing.T) {
	d := NewDispatcher(nil, false)

	err := d.SendCode(context.Background(), models.ChannelEmail, "alice@example.com", "123456")
	assert.Error(t, err)
}

func TestEmailSenderRequiresConfig(t *testing.T) {
	e := NewEmailSender(config.SMTPConfig{}, time.Minute)

	err := e.Send(context.Background(), "alice@example.com", "123456")
	assert.ErrorIs(t, err, ErrSMTPNotConfigured)
}

func TestEmailSenderHonorsCancelledContext(t *testing.T) {
	e := NewEmailSender(config.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "u",
		Password: "p",
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Send(ctx, "alice@example.com", "123456")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildMessageCarriesBothBodies(t *testing.T) {
	e := NewEmailSender(config.SMTPConfig{
		Host: "smtp.example.com", Username: "u", Password: "p", From: "noreply@example.com",
	}, 5*time.Minute)

	msg := string(e.buildMessage("noreply@example.com", "alice@example.com", "428519"))

	require.Contains(t, msg, "Content-Type: multipart/alternative")
	assert.Contains(t, msg, "Content-Type: text/plain")
	assert.Contains(t, msg, "Content-Type: text/html")
	assert.Contains(t, msg, "428519")
	assert.Contains(t, msg, "valid for 5 minutes")
	assert.Contains(t, msg, "To: alice@example.com")
	assert.Equal(t, 2, strings.Count(msg, "428519"), "code appears once per body")
}
