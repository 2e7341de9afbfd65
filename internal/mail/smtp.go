// smtp.go -- Account security notices and their SMTP delivery.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"regexp"
	"strings"
)

// Notice identifies a security notification sent to an account holder.
type Notice string

const (
	// NoticeRefreshReuse: a rotated refresh token was replayed and the session was ended.
	NoticeRefreshReuse Notice = "refresh_reuse"
	// NoticePasswordChanged: the password was changed and every session was ended.
	NoticePasswordChanged Notice = "password_changed"
	// NoticeMFAEnabled: two-factor authentication was switched on.
	NoticeMFAEnabled Notice = "mfa_enabled"
	// NoticeMFADisabled: two-factor authentication was switched off.
	NoticeMFADisabled Notice = "mfa_disabled"
)

// ErrUnknownNotice is returned for a Notice with no template.
var ErrUnknownNotice = errors.New("unknown notice")

// Mailer tells an account holder about a security event on their account.
//
// vars fill %%name%% placeholders in the notice template ("firstName", "time", "ip").
// Placeholders without a value render as empty text. toEmail and supportURL are
// always set by the mailer itself.
type Mailer interface {
	SendSecurityNotice(ctx context.Context, toEmail string, notice Notice, vars map[string]string) error
}

type noticeTemplate struct {
	subject string
	body    string
}

var noticeTemplates = map[Notice]noticeTemplate{
	NoticeRefreshReuse: {
		subject: "Security alert: session ended",
		body: "Hello %%firstName%%,\n\n" +
			"A sign-in token for %%toEmail%% was used again after it had already been replaced. " +
			"This can mean the token was copied from one of your devices.\n\n" +
			"We ended the affected session at %%time%%. Please sign in again and change your password " +
			"if you do not recognise this activity.\n\n" +
			"Questions: %%supportURL%%",
	},
	NoticePasswordChanged: {
		subject: "Your password was changed",
		body: "Hello %%firstName%%,\n\n" +
			"The password for %%toEmail%% was changed at %%time%% from %%ip%%. " +
			"All other sessions have been signed out.\n\n" +
			"If you did not do this, contact us immediately: %%supportURL%%",
	},
	NoticeMFAEnabled: {
		subject: "Two-factor authentication enabled",
		body: "Hello %%firstName%%,\n\n" +
			"Two-factor authentication was enabled for %%toEmail%% at %%time%%. " +
			"Keep your backup codes in a safe place.\n\n" +
			"If you did not do this, contact us immediately: %%supportURL%%",
	},
	NoticeMFADisabled: {
		subject: "Two-factor authentication disabled",
		body: "Hello %%firstName%%,\n\n" +
			"Two-factor authentication was disabled for %%toEmail%% at %%time%% from %%ip%%.\n\n" +
			"If you did not do this, contact us immediately: %%supportURL%%",
	},
}

// KnownNotice reports whether n has a template.
func KnownNotice(n Notice) bool {
	_, ok := noticeTemplates[n]
	return ok
}

// SMTPConfig is the relay the portal submits notices to.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
	SupportURL  string
}

// SMTPMailer submits notices over STARTTLS with PLAIN auth.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// NopMailer drops every notice; main uses it when SMTP_HOST is unset.
type NopMailer struct{}

func (n *NopMailer) SendSecurityNotice(_ context.Context, _ string, _ Notice, _ map[string]string) error {
	return nil
}

// reservedVars cannot be supplied by callers.
var reservedVars = map[string]bool{
	"toEmail":    true,
	"supportURL": true,
}

var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars fills placeholders from vars and blanks the ones left over.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// mergeVars copies caller vars minus reserved keys, then injects mailer-owned keys.
// Values are flattened to one line so they cannot inject headers.
func (m *SMTPMailer) mergeVars(toEmail string, vars map[string]string) map[string]string {
	merged := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		if !reservedVars[k] {
			merged[k] = strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
		}
	}
	merged["toEmail"] = toEmail
	merged["supportURL"] = m.cfg.SupportURL
	return merged
}

// buildMessage renders the full RFC 5322 message for notice.
func (m *SMTPMailer) buildMessage(toEmail string, notice Notice, vars map[string]string) (string, error) {
	tmpl, ok := noticeTemplates[notice]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNotice, notice)
	}
	msg := "From: " + m.cfg.FromAddress + "\r\n" +
		"To: " + toEmail + "\r\n" +
		"Subject: " + tmpl.subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		tmpl.body
	return applyVars(msg, m.mergeVars(toEmail, vars)), nil
}

// sendMail runs one SMTP transaction for msg. Servers without STARTTLS are refused.
func (m *SMTPMailer) sendMail(ctx context.Context, toEmail, msg string) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(m.cfg.Host, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server does not advertise STARTTLS: refusing plaintext session")
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("smtp starttls: %w", err)
	}

	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := c.Mail(m.cfg.FromAddress); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(toEmail); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := fmt.Fprint(wc, msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return c.Quit()
}

// SendSecurityNotice renders notice and delivers it to toEmail.
func (m *SMTPMailer) SendSecurityNotice(ctx context.Context, toEmail string, notice Notice, vars map[string]string) error {
	msg, err := m.buildMessage(toEmail, notice, vars)
	if err != nil {
		return err
	}
	if err := m.sendMail(ctx, toEmail, msg); err != nil {
		return fmt.Errorf("sending %s notice: %w", notice, err)
	}
	return nil
}
