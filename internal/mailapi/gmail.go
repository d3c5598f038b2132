// Package mailapi はブローカーから供給されるトークンでGmail APIを呼び出すクライアントを提供する。
package mailapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
)

const defaultGmailAPIBase = "https://gmail.googleapis.com"

// TokenProvider はAPI呼び出しに使うアクセストークンの供給元。
// 通常はbroker.BrokerSourceが実装する。
type TokenProvider interface {
	// AccessToken は有効なアクセストークンを返す。
	AccessToken(ctx context.Context, identity model.Identity) (string, error)
	// ForceRefresh は保存上の有効期限を無視して新しいトークンを取得する。
	ForceRefresh(ctx context.Context, identity model.Identity) (string, error)
}

// Message はGmailメッセージの要約。
type Message struct {
	ID      string
	From    string
	Subject string
	Date    string
	Snippet string
	Body    string
}

// ClientConfig はGmailクライアントの設定。
type ClientConfig struct {
	Timeout time.Duration

	// テスト用にオーバーライド可能なAPIベースURL
	APIBase string
}

// Client はGmail REST APIのクライアント。
// アクセストークンが保存上は有効でもプロバイダー側で失効していることがあるため、
// 401応答に対して1回だけ強制リフレッシュして再試行する。
type Client struct {
	tokens TokenProvider
	config ClientConfig
	client *http.Client
}

// NewClient はClientを生成する。
func NewClient(tokens TokenProvider, config ClientConfig) *Client {
	if config.APIBase == "" {
		config.APIBase = defaultGmailAPIBase
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &Client{
		tokens: tokens,
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// ListMessages はクエリに一致するメッセージの要約一覧を取得する。
func (c *Client) ListMessages(ctx context.Context, identity model.Identity, query string, maxResults int) ([]*Message, error) {
	if maxResults <= 0 {
		maxResults = 10
	}

	params := url.Values{
		"maxResults": {strconv.Itoa(maxResults)},
	}
	if query != "" {
		params.Set("q", query)
	}

	body, err := c.doWithAuth(ctx, identity, http.MethodGet, "/gmail/v1/users/me/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var listResp struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, fmt.Errorf("failed to parse message list: %w", err)
	}

	messages := make([]*Message, 0, len(listResp.Messages))
	for _, m := range listResp.Messages {
		msg, err := c.GetMessage(ctx, identity, m.ID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// GetMessage はメッセージ本文とヘッダーを取得する。
func (c *Client) GetMessage(ctx context.Context, identity model.Identity, id string) (*Message, error) {
	body, err := c.doWithAuth(ctx, identity, http.MethodGet, "/gmail/v1/users/me/messages/"+url.PathEscape(id)+"?format=full", nil)
	if err != nil {
		return nil, err
	}

	var msgResp gmailMessage
	if err := json.Unmarshal(body, &msgResp); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &Message{
		ID:      msgResp.ID,
		Snippet: msgResp.Snippet,
	}
	for _, h := range msgResp.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			msg.From = h.Value
		case "subject":
			msg.Subject = h.Value
		case "date":
			msg.Date = h.Value
		}
	}
	msg.Body = extractTextBody(&msgResp.Payload)
	return msg, nil
}

// SendMessage はメッセージを送信する。
func (c *Client) SendMessage(ctx context.Context, identity model.Identity, to, subject, body string) (string, error) {
	raw := buildRawMessage(to, subject, body)
	payload, err := json.Marshal(map[string]string{"raw": raw})
	if err != nil {
		return "", fmt.Errorf("failed to encode send payload: %w", err)
	}

	respBody, err := c.doWithAuth(ctx, identity, http.MethodPost, "/gmail/v1/users/me/messages/send", payload)
	if err != nil {
		return "", err
	}

	var sendResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", fmt.Errorf("failed to parse send response: %w", err)
	}

	slog.Info("mail sent", slog.String("message_id", sendResp.ID))
	return sendResp.ID, nil
}

// doWithAuth は認証付きでAPIを呼び出す。
// 401応答に対しては強制リフレッシュ後に1回だけ再試行する。
// 再試行後も401の場合はErrNeedsAuthに縮退する。
func (c *Client) doWithAuth(ctx context.Context, identity model.Identity, method, path string, payload []byte) ([]byte, error) {
	token, err := c.tokens.AccessToken(ctx, identity)
	if err != nil {
		return nil, err
	}

	body, status, err := c.do(ctx, method, path, token, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		slog.Info("access token rejected, forcing refresh")
		token, err = c.tokens.ForceRefresh(ctx, identity)
		if err != nil {
			return nil, err
		}
		body, status, err = c.do(ctx, method, path, token, payload)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, fmt.Errorf("token rejected after refresh: %w", model.ErrNeedsAuth)
		}
	}
	if status < 200 || status >= 300 {
		return nil, &model.ProviderError{Op: "gmail", StatusCode: status, Body: string(body)}
	}
	return body, nil
}

// do は1回のHTTP呼び出しを実行し、ボディとステータスコードを返す。
func (c *Client) do(ctx context.Context, method, path, token string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.APIBase+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// gmailMessage はGmail APIのメッセージリソース。
type gmailMessage struct {
	ID      string           `json:"id"`
	Snippet string           `json:"snippet"`
	Payload gmailMessagePart `json:"payload"`
}

type gmailMessagePart struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []gmailMessagePart `json:"parts"`
}

// extractTextBody はマルチパートのペイロードからtext/plain本文を取り出す。
func extractTextBody(part *gmailMessagePart) string {
	if part.MimeType == "text/plain" && part.Body.Data != "" {
		decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
		if err != nil {
			return ""
		}
		return string(decoded)
	}
	for i := range part.Parts {
		if body := extractTextBody(&part.Parts[i]); body != "" {
			return body
		}
	}
	return ""
}

// buildRawMessage はRFC 2822形式のメッセージを組み立て、base64url符号化する。
func buildRawMessage(to, subject, body string) string {
	var b strings.Builder
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(b.String()))
}
