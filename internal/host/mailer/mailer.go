// Package mailer implements the Mailer binding over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/host"
)

// SMTP submits messages with optional STARTTLS and PLAIN auth.
type SMTP struct {
	logger  *zap.Logger
	timeout time.Duration
	// TLSConfig overrides the STARTTLS configuration, for tests.
	TLSConfig *tls.Config
}

// New returns an SMTP mailer.
func New(logger *zap.Logger, timeout time.Duration) *SMTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTP{logger: logger, timeout: timeout}
}

// SendMail dials req.Host, upgrades to TLS when requested and submits
// req.Data. Network failures are host errors with code unavailable or
// timeout; server rejections are code denied.
func (m *SMTP) SendMail(ctx context.Context, req host.MailRequest) error {
	if req.Host == "" || req.From == "" || len(req.To) == 0 {
		return host.Errorf(host.CodeInvalid, "smtp host, from and to are required")
	}
	if len(req.Data) > host.MaxBody {
		return host.Errorf(host.CodeTooLarge, "message %d bytes", len(req.Data))
	}
	port := req.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(req.Host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return host.Errorf(host.CodeTimeout, "dial %s: %v", addr, err)
		}
		return host.Errorf(host.CodeUnavailable, "dial %s: %v", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, req.Host)
	if err != nil {
		conn.Close()
		return host.Errorf(host.CodeUnavailable, "smtp greeting: %v", err)
	}
	defer c.Close()

	if req.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return host.Errorf(host.CodeDenied, "%s does not offer STARTTLS", addr)
		}
		cfg := m.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: req.Host, MinVersion: tls.VersionTLS12}
		}
		if err := c.StartTLS(cfg); err != nil {
			return host.Errorf(host.CodeUnavailable, "starttls: %v", err)
		}
	}
	if req.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", req.Username, req.Password, req.Host)); err != nil {
			return host.Errorf(host.CodeDenied, "smtp auth: %v", err)
		}
	}
	if err := c.Mail(req.From); err != nil {
		return host.Errorf(host.CodeDenied, "mail from: %v", err)
	}
	for _, rcpt := range req.To {
		if err := c.Rcpt(rcpt); err != nil {
			return host.Errorf(host.CodeDenied, "rcpt to: %v", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return host.Errorf(host.CodeDenied, "data: %v", err)
	}
	if _, err := w.Write(req.Data); err != nil {
		return host.Errorf(host.CodeUnavailable, "write data: %v", err)
	}
	if err := w.Close(); err != nil {
		return host.Errorf(host.CodeDenied, "end data: %v", err)
	}
	if err := c.Quit(); err != nil {
		m.logger.Debug("smtp quit", zap.Error(err))
	}
	m.logger.Info("mail submitted", zap.String("server", addr), zap.Int("recipients", len(req.To)))
	return nil
}

var _ host.Mailer = (*SMTP)(nil)
