// Package handlers provides the action handlers a worker registers and the
// notifier it reports finished runs to.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nadmax/taskrpc/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailNotifier mails a short summary of every finished run.
type EmailNotifier struct {
	sender mailSender
	from   *mail.Email
	to     *mail.Email
}

func NewEmailNotifier(apiKey, fromName, fromAddress, to string) (*EmailNotifier, error) {
	if apiKey == "" {
		return nil, errors.New("missing email API key")
	}
	if fromAddress == "" || to == "" {
		return nil, errors.New("missing sender or recipient address")
	}

	return &EmailNotifier{
		sender: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddress),
		to:     mail.NewEmail("", to),
	}, nil
}

func (n *EmailNotifier) Notify(ctx context.Context, rec *task.Record) error {
	subject, body := summary(rec)
	email := mail.NewSingleEmail(n.from, subject, n.to, body, body)

	response, err := n.sender.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.Printf("[Task %s] Notification sent to %s (status: %d)", rec.ID, n.to.Address, response.StatusCode)
	return nil
}

func summary(rec *task.Record) (string, string) {
	subject := fmt.Sprintf("[taskrpc] %s %s", rec.ID, rec.State)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", rec.ID)
	fmt.Fprintf(&b, "Action: %s\n", rec.Action)
	fmt.Fprintf(&b, "Status: %s\n", rec.State)
	if rec.WorkerID != "" {
		fmt.Fprintf(&b, "Worker: %s\n", rec.WorkerID)
	}
	if d := rec.Duration(); d > 0 {
		fmt.Fprintf(&b, "Duration: %s\n", d.Round(time.Millisecond))
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", rec.Error)
	}

	return subject, b.String()
}
