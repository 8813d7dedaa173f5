package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"assist-auth/internal/config"
	"assist-auth/internal/util"
)

var ErrSMTPNotConfigured = errors.New("notify: smtp host/user/pass not configured")

// EmailSender delivers codes over SMTP with STARTTLS (Gmail App Password
// compatible). The message carries both a plain-text and an HTML body.
type EmailSender struct {
	cfg     config.SMTPConfig
	ttl     time.Duration
	subject string
}

func NewEmailSender(cfg config.SMTPConfig, codeTTL time.Duration) *EmailSender {
	return &EmailSender{
		cfg:     cfg,
		ttl:     codeTTL,
		subject: "Your verification code",
	}
}

func (e *EmailSender) Send(ctx context.Context, to, code string) error {
	if e.cfg.Host == "" || e.cfg.Username == "" || e.cfg.Password == "" {
		return ErrSMTPNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	from := e.cfg.From
	if from == "" {
		from = e.cfg.Username
	}

	msg := e.buildMessage(from, to, code)
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)

	if err := smtp.SendMail(addr, auth, from, []string{to}, msg); err != nil {
		util.Error("failed to send OTP email",
			util.String("to", util.MaskIdentifier(to)),
			util.ErrorField(err))
		return fmt.Errorf("smtp send failed: %w", err)
	}

	util.Info("OTP email sent", util.String("to", util.MaskIdentifier(to)))
	return nil
}

func (e *EmailSender) buildMessage(from, to, code string) []byte {
	ttlMinutes := int(e.ttl.Minutes())
	boundary := "otp-alt-boundary"

	text := fmt.Sprintf(
		"Your verification code: %s\r\n\r\n"+
			"The code is valid for %d minutes.\r\n"+
			"If you did not request a code, ignore this message.\r\n",
		code, ttlMinutes)

	html := fmt.Sprintf(`<html>
<body style="font-family: Arial, sans-serif; padding: 20px;">
  <div style="max-width: 400px; margin: 0 auto; text-align: center;">
    <p style="font-size: 16px; color: #333;">Your verification code:</p>
    <div style="font-size: 36px; font-weight: bold; letter-spacing: 8px;
                padding: 20px; background: #f5f5f5; border-radius: 12px;">%s</div>
    <p style="font-size: 14px; color: #666;">
      The code is valid for %d minutes.<br>
      If you did not request a code, ignore this message.
    </p>
  </div>
</body>
</html>`, code, ttlMinutes)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", e.subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(text)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(html)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}
