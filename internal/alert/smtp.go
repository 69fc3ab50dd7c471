package alert

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/newplayman/glft-maker/internal/config"
)

const (
	defaultFrom = "glft-alert"
	dialTimeout = 10 * time.Second
)

// SMTPSender 通过 SMTP 发送纯文本邮件；TLS 开启时使用 STARTTLS
type SMTPSender struct{}

// Send 实现 Sender
func (SMTPSender) Send(ctx context.Context, r config.AlertRouting, subject, body string) error {
	addr := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("连接 SMTP 失败: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}

	c, err := smtp.NewClient(conn, r.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("SMTP 握手失败: %w", err)
	}
	defer c.Close()

	if r.TLS {
		if err := c.StartTLS(&tls.Config{ServerName: r.Host}); err != nil {
			return fmt.Errorf("STARTTLS 失败: %w", err)
		}
	}
	if r.User != "" && r.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", r.User, r.Password, r.Host)); err != nil {
			return fmt.Errorf("SMTP 认证失败: %w", err)
		}
	}

	from := r.User
	if from == "" {
		from = defaultFrom
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, to := range splitRecipients(r.EmailTo) {
		if err := c.Rcpt(to); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(buildMessage(from, r.EmailTo, subject, body)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func splitRecipients(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
