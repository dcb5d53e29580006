package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

var defaultWebhookClient = &http.Client{Timeout: 10 * time.Second}

// SMTPSender 通过 SMTP 服务器发送告警邮件，实现 EmailSender。
type SMTPSender struct {
	// Addr 形如 host:port。
	Addr     string
	From     string
	Password string
}

// Send 发送一封纯文本邮件。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	host := s.Addr
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.From, strings.Join(to, ","), subject, content)
	auth := smtp.PlainAuth("", s.From, s.Password, host)
	return smtp.SendMail(s.Addr, auth, s.From, to, []byte(msg))
}

// DingTalkWebhookSender 调用钉钉机器人 webhook，实现 DingTalkSender。
type DingTalkWebhookSender struct {
	WebhookURL string
	Client     *http.Client
}

// Send 以 text 消息类型推送内容。
func (s *DingTalkWebhookSender) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.httpClient(), s.WebhookURL, payload)
}

func (s *DingTalkWebhookSender) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return defaultWebhookClient
}

// SlackWebhookSender 调用 Slack incoming webhook，实现 SlackSender。
type SlackWebhookSender struct {
	WebhookURL string
	Client     *http.Client
}

// Send 向指定频道推送内容。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"channel": channel, "text": content}
	return postJSON(ctx, s.httpClient(), s.WebhookURL, payload)
}

func (s *SlackWebhookSender) httpClient() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return defaultWebhookClient
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
