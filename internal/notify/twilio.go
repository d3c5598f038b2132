// Package notify はSMS/WhatsAppによる認証リンク等の通知配信を提供する。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTwilioAPIBase = "https://api.twilio.com"

	// whatsappPrefix はWhatsApp宛先を示すTwilioのアドレスプレフィックス。
	whatsappPrefix = "whatsapp:"
)

// Channel は配信チャネルを表す。
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Sender はメッセージ配信のインターフェース。
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// TwilioConfig はTwilioクライアントの設定。
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Channel    Channel
	Timeout    time.Duration

	// テスト用にオーバーライド可能なAPIベースURL
	APIBase string
}

// TwilioClient はTwilio Messaging APIのクライアント。
type TwilioClient struct {
	config TwilioConfig
	client *http.Client
}

// NewTwilioClient はTwilioClientを生成する。
func NewTwilioClient(config TwilioConfig) *TwilioClient {
	if config.APIBase == "" {
		config.APIBase = defaultTwilioAPIBase
	}
	if config.Channel == "" {
		config.Channel = ChannelSMS
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &TwilioClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Channel は設定された配信チャネルを返す。メトリクスのラベル用。
func (c *TwilioClient) Channel() Channel {
	return c.config.Channel
}

// twilioMessageResponse はTwilioのメッセージ作成レスポンス。
type twilioMessageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// Send は電話番号宛にメッセージを配信する。
// チャネルがwhatsappの場合はwhatsapp:プレフィックスを付与して送信する。
func (c *TwilioClient) Send(ctx context.Context, to, body string) error {
	from := c.config.FromNumber
	if c.config.Channel == ChannelWhatsApp {
		to = whatsappPrefix + strings.TrimPrefix(to, whatsappPrefix)
		from = whatsappPrefix + strings.TrimPrefix(from, whatsappPrefix)
	}

	data := url.Values{
		"To":   {to},
		"From": {from},
		"Body": {body},
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.config.APIBase, c.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.config.AccountSID, c.config.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("message request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read message response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("message delivery failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var msgResp twilioMessageResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		return fmt.Errorf("failed to parse message response: %w", err)
	}

	slog.Info("message delivered",
		slog.String("channel", string(c.config.Channel)),
		slog.String("message_sid", msgResp.SID),
		slog.String("status", msgResp.Status),
	)
	return nil
}

// compile-time interface check
var _ Sender = (*TwilioClient)(nil)
