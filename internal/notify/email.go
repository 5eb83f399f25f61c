package notify

import (
	"context"
	"fmt"
	"html"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// Mailer is the part of the Brevo client the email sender needs.
type Mailer interface {
	SendTransacEmail(ctx context.Context, email brevo.SendSmtpEmail) (brevo.CreateSmtpEmail, error)
}

type brevoMailer struct {
	client *brevo.APIClient
}

func (m *brevoMailer) SendTransacEmail(ctx context.Context, email brevo.SendSmtpEmail) (brevo.CreateSmtpEmail, error) {
	result, _, err := m.client.TransactionalEmailsApi.SendTransacEmail(ctx, email)
	return result, err
}

// NewBrevoMailer builds a Mailer on the Brevo API.
func NewBrevoMailer(apiKey string) Mailer {
	cfg := brevo.NewConfiguration()
	cfg.AddDefaultHeader("api-key", apiKey)
	return &brevoMailer{client: brevo.NewAPIClient(cfg)}
}

// EmailSender mails buyers their receipts and reversal notices, with a copy to
// the administrator.
type EmailSender struct {
	mailer     Mailer
	fromEmail  string
	fromName   string
	adminEmail string
}

// NewEmailSender creates an email sender. It returns nil when there is no mailer
// or no from address.
func NewEmailSender(mailer Mailer, fromEmail, fromName, adminEmail string) *EmailSender {
	if mailer == nil || fromEmail == "" {
		return nil
	}
	return &EmailSender{mailer: mailer, fromEmail: fromEmail, fromName: fromName, adminEmail: adminEmail}
}

func (s *EmailSender) Name() string {
	return "email"
}

// Send mails paid and reversed events. Status changes are left to the webhook.
func (s *EmailSender) Send(ctx context.Context, event Event) error {
	var subject, line string
	switch event.Type {
	case EventPaid:
		subject = fmt.Sprintf("Payment received - %s", event.InvoiceNumber)
		line = fmt.Sprintf("We received your payment of %s %s. Your order is being processed.", event.Total, event.Currency)
	case EventReversed:
		subject = fmt.Sprintf("Order %s - %s", event.Status, event.InvoiceNumber)
		line = fmt.Sprintf("Your order of %s %s has been %s.", event.Total, event.Currency, event.Status)
	default:
		return nil
	}

	var to []brevo.SendSmtpEmailTo
	if event.BuyerEmail != "" {
		to = append(to, brevo.SendSmtpEmailTo{Email: event.BuyerEmail})
	}
	email := brevo.SendSmtpEmail{
		Sender:      &brevo.SendSmtpEmailSender{Name: s.fromName, Email: s.fromEmail},
		Subject:     subject,
		HtmlContent: renderHTML(subject, line, event),
		TextContent: fmt.Sprintf("%s\n\n%s\n\nInvoice: %s\n", subject, line, event.InvoiceNumber),
	}
	if s.adminEmail != "" {
		if len(to) == 0 {
			to = append(to, brevo.SendSmtpEmailTo{Email: s.adminEmail})
		} else {
			email.Bcc = []brevo.SendSmtpEmailBcc{{Email: s.adminEmail}}
		}
	}
	if len(to) == 0 {
		return nil
	}
	email.To = to

	if _, err := s.mailer.SendTransacEmail(ctx, email); err != nil {
		return fmt.Errorf("brevo API error: %w", err)
	}
	return nil
}

func renderHTML(subject, line string, event Event) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>%s</title></head>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
	<div style="background-color: #f8f9fa; padding: 30px; border-radius: 10px;">
		<h1 style="color: #333;">%s</h1>
		<p style="color: #666; font-size: 16px;">%s</p>
		<p style="color: #999; font-size: 12px;">Invoice %s</p>
	</div>
</body>
</html>`, html.EscapeString(subject), html.EscapeString(subject), html.EscapeString(line), html.EscapeString(event.InvoiceNumber))
}
