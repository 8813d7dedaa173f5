// Package notify delivers one-time codes to users. It receives exactly
// (channel, identifier, code) from the auth flow; delivery failure never
// rolls back OTP state.
package notify

import (
	"context"
	"fmt"

	"assist-auth/internal/models"
	"assist-auth/internal/util"
)

// Notifier dispatches a plaintext code over a delivery channel.
type Notifier interface {
	SendCode(ctx context.Context, channel, identifier, code string) error
}

// Dispatcher routes codes to the channel-specific sender. In dev mode it
// prints the code to the console instead of sending anything.
type Dispatcher struct {
	email   *EmailSender
	devMode bool
}

func NewDispatcher(email *EmailSender, devMode bool) *Dispatcher {
	return &Dispatcher{email: email, devMode: devMode}
}

func (d *Dispatcher) SendCode(ctx context.Context, channel, identifier, code string) error {
	if d.devMode {
		// Console only; deliberately not the structured logger, so the
		// code cannot end up in shipped log output.
		fmt.Printf("\n==================================================\n")
		fmt.Printf("  [DEV MODE] OTP for %s: %s\n", identifier, code)
		fmt.Printf("==================================================\n\n")
		return nil
	}

	switch channel {
	case models.ChannelEmail:
		if d.email == nil {
			return fmt.Errorf("email sender not configured")
		}
		return d.email.Send(ctx, identifier, code)
	case models.ChannelPhone:
		return sendSMS(identifier)
	default:
		return fmt.Errorf("unknown delivery channel: %s", channel)
	}
}

// sendSMS is a stub until an SMS/WhatsApp provider is wired up.
// TODO: integrate the WhatsApp Business API once the account is approved.
func sendSMS(identifier string) error {
	util.Info("SMS delivery stub invoked",
		util.String("identifier", util.MaskIdentifier(identifier)))
	return nil
}
