// Package alert tells an operator when a storage provider fills up.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SirClappington/shortsq/internal/config"
	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Notifier satisfies tracker.Alerter.
type Notifier interface {
	StorageFull(ctx context.Context, provider string, used, ceiling int64) error
}

// Log only writes the alert to the log.
type Log struct{ log *zap.Logger }

func NewLog(log *zap.Logger) *Log { return &Log{log: log.Named("alert")} }

func (l *Log) StorageFull(_ context.Context, provider string, used, ceiling int64) error {
	l.log.Warn("storage provider full", zap.String("provider", provider),
		zap.Int64("used_bytes", used), zap.Int64("limit_bytes", ceiling))
	return nil
}

type SMTPOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	To       []string
}

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type SMTP struct {
	opts   SMTPOptions
	log    *zap.Logger
	client sender
	now    func() time.Time
}

func NewSMTP(opts SMTPOptions, log *zap.Logger) (*SMTP, error) {
	if opts.From == "" {
		opts.From = opts.User
	}
	copts := []mail.Option{
		mail.WithPort(opts.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30 * time.Second),
	}
	if opts.User != "" {
		copts = append(copts, mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.User), mail.WithPassword(opts.Password))
	}
	c, err := mail.NewClient(opts.Host, copts...)
	if err != nil {
		return nil, errors.Wrap(err, "smtp client")
	}
	return &SMTP{opts: opts, log: log.Named("alert"), client: c, now: time.Now}, nil
}

func (s *SMTP) StorageFull(ctx context.Context, provider string, used, ceiling int64) error {
	msg, err := s.message(provider, used, ceiling)
	if err != nil {
		return errors.Wrap(err, "build storage alert")
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return errors.Wrap(err, "send storage alert")
	}
	s.log.Info("storage alert sent", zap.String("provider", provider), zap.Strings("to", s.opts.To))
	return nil
}

func (s *SMTP) message(provider string, used, ceiling int64) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(s.opts.FromName, s.opts.From); err != nil {
		return nil, err
	}
	if err := m.To(s.opts.To...); err != nil {
		return nil, err
	}
	m.Subject(fmt.Sprintf("Storage provider %s is full", provider))
	m.SetDateWithValue(s.now())

	var b strings.Builder
	fmt.Fprintf(&b, "Provider %s has reached its storage limit and no longer receives uploads.\n\n", provider)
	fmt.Fprintf(&b, "Used:  %s (%d bytes)\n", human(used), used)
	fmt.Fprintf(&b, "Limit: %s (%d bytes)\n", human(ceiling), ceiling)
	if ceiling > 0 {
		fmt.Fprintf(&b, "Usage: %.1f%%\n", float64(used)/float64(ceiling)*100)
	}
	fmt.Fprintf(&b, "Time:  %s\n", s.now().UTC().Format(time.RFC3339))
	m.SetBodyString(mail.TypeTextPlain, b.String())
	return m, nil
}

func human(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FromConfig picks SMTP when a host and recipients are configured, falling
// back to the log when the mailer cannot be set up.
func FromConfig(cfg config.Config, log *zap.Logger) Notifier {
	if cfg.SMTPHost == "" || len(cfg.AlertTo) == 0 {
		return NewLog(log)
	}
	n, err := NewSMTP(SMTPOptions{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.AlertFrom,
		FromName: cfg.AlertFromName,
		To:       cfg.AlertTo,
	}, log)
	if err != nil {
		log.Warn("smtp alerts disabled", zap.Error(err))
		return NewLog(log)
	}
	return n
}
