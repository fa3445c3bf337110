package notify

import (
	"context"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/wneessen/go-mail"
)

const (
	defaultFromName    = "Smart Warehouse System"
	defaultSendTimeout = 15 * time.Second
	welcomeSubject     = "Tài khoản quản lý kho đã được tạo"
)

// SMTPConfig configures the mailer. An empty Host disables sending.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// Welcome is the content of the account-created mail.
type Welcome struct {
	To            string
	Name          string
	Username      string
	WarehouseName string
	LoginURL      string
}

var welcomeText = texttemplate.Must(texttemplate.New("welcome.txt").Parse(`Xin chào {{.Name}},

Kho "{{.WarehouseName}}" đã được đăng ký thành công.
Tên đăng nhập của bạn: {{.Username}}
{{if .LoginURL}}Đăng nhập tại: {{.LoginURL}}
{{end}}
Vui lòng không chia sẻ mật khẩu với bất kỳ ai.
`))

var welcomeHTML = htmltemplate.Must(htmltemplate.New("welcome.html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #4e73df; color: #fff; padding: 20px; text-align: center;">
    <h1>Smart Warehouse System</h1>
  </div>
  <div style="background: #f8f9fc; padding: 30px;">
    <h2>Xin chào {{.Name}}!</h2>
    <p>Kho <strong>{{.WarehouseName}}</strong> đã được đăng ký thành công. Bạn là <strong>Administrator</strong> của kho.</p>
    <p style="font-family: monospace; background: #e3f2fd; padding: 15px;">Tên đăng nhập: {{.Username}}</p>
    <p>Vui lòng không chia sẻ mật khẩu với bất kỳ ai.</p>
    {{if .LoginURL}}<p style="text-align: center;"><a href="{{.LoginURL}}" style="background: #4e73df; color: #fff; padding: 12px 30px; text-decoration: none;">Đăng nhập ngay</a></p>{{end}}
  </div>
  <p style="text-align: center; color: #666; font-size: 12px;">Email này được gửi tự động từ hệ thống. Vui lòng không trả lời.</p>
</div>
</body>
</html>
`))

type sendFunc func(ctx context.Context, msg *mail.Msg) error

// Mailer sends transactional mail over SMTP (STARTTLS when offered).
type Mailer struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

// NewMailer builds a mailer. Port defaults to 587 (STARTTLS); 465 uses implicit
// TLS. From falls back to the username, then no-reply@localhost.
func NewMailer(cfg SMTPConfig) *Mailer {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = cfg.Username
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = "no-reply@localhost"
	}
	if strings.TrimSpace(cfg.FromName) == "" {
		cfg.FromName = defaultFromName
	}
	m := &Mailer{cfg: cfg, now: time.Now}
	m.send = m.dialAndSend
	return m
}

// Enabled reports whether an SMTP host is configured.
func (m *Mailer) Enabled() bool {
	return m != nil && m.cfg.Host != ""
}

// SendWelcome mails the new admin their username as plain text with an
// HTML alternative. It is a no-op when the mailer is disabled.
func (m *Mailer) SendWelcome(ctx context.Context, w Welcome) error {
	if !m.Enabled() {
		return nil
	}
	msg, err := m.newMessage(w.To, w.Name, welcomeSubject)
	if err != nil {
		return err
	}
	if err := msg.SetBodyTextTemplate(welcomeText, w); err != nil {
		return fmt.Errorf("render welcome text: %w", err)
	}
	if err := msg.AddAlternativeHTMLTemplate(welcomeHTML, w); err != nil {
		return fmt.Errorf("render welcome html: %w", err)
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (m *Mailer) newMessage(to, toName, subject string) (*mail.Msg, error) {
	msg := mail.NewMsg(mail.WithEncoding(mail.EncodingB64))
	if err := msg.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.AddToFormat(toName, to); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(m.now())
	return msg, nil
}

func (m *Mailer) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(defaultSendTimeout),
	}
	if m.cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}
