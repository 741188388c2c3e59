// Package notify delivers one-time codes to participants.
package notify

import (
	"context"
	"log"
	"strings"
)

// Notifier sends a one-time code to an email address. Delivery failures are
// reported but callers treat them as non-fatal.
type Notifier interface {
	SendCode(ctx context.Context, email, code string) error
}

// LogNotifier writes codes to the server log instead of sending email. It
// is the notifier used when no mail gateway is configured.
type LogNotifier struct {
	log *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) SendCode(ctx context.Context, email, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.log.Printf("verification code for %s: %s", maskEmail(email), code)
	return nil
}

// maskEmail keeps the first character of the local part and the domain.
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
