package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/phonelink/internal/mailapi"
	"github.com/hitoshi/phonelink/internal/middleware"
	"github.com/hitoshi/phonelink/internal/model"
	"github.com/hitoshi/phonelink/internal/notify"
)

// 音声アシスタントから呼び出せる関数名
const (
	fnAuthStatus   = "get_phone_auth_status"
	fnInitiateAuth = "initiate_phone_authentication"
	fnGetMessages  = "get_gmail_messages_by_phone"
	fnSendMessage  = "send_gmail_message_by_phone"
)

// defaultVoiceMaxResults は音声読み上げに適したメッセージ件数の上限。
const defaultVoiceMaxResults = 5

// MailClientInterface は音声ハンドラーが必要とするメールAPIのインターフェース。
type MailClientInterface interface {
	ListMessages(ctx context.Context, identity model.Identity, query string, maxResults int) ([]*mailapi.Message, error)
	SendMessage(ctx context.Context, identity model.Identity, to, subject, body string) (string, error)
}

// VoiceHandler は音声アシスタントのツール呼び出しを処理する。
// 電話番号を識別子として認証状態の確認・認証開始・メール読み書きを提供する。
type VoiceHandler struct {
	broker  CredentialBrokerInterface
	mail    MailClientInterface
	sender  notify.Sender
	limiter AuthStartLimiter
	metrics WebhookMetrics // nilの場合は記録しない
	channel string
}

// NewVoiceHandler はVoiceHandlerを生成する。
func NewVoiceHandler(
	broker CredentialBrokerInterface,
	mail MailClientInterface,
	sender notify.Sender,
	limiter AuthStartLimiter,
	metrics WebhookMetrics,
	channel string,
) *VoiceHandler {
	return &VoiceHandler{
		broker:  broker,
		mail:    mail,
		sender:  sender,
		limiter: limiter,
		metrics: metrics,
		channel: channel,
	}
}

// voiceRequest はツール呼び出しのリクエストボディ。
type voiceRequest struct {
	Function   string          `json:"function"`
	Parameters voiceParameters `json:"parameters"`
}

// voiceParameters は全関数のパラメータの和集合。
type voiceParameters struct {
	PhoneNumber string `json:"phone_number"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// HandleFunction はツール呼び出しをディスパッチする。
// POST /voice/functions
func (h *VoiceHandler) HandleFunction(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// E.164形式でない電話番号はブローカーへ渡さない。
	// 渡してしまうと任意のペイロードでユーザーレコードが作成される
	if !model.ValidPhone(req.Parameters.PhoneNumber) {
		writeVoiceError(w, http.StatusUnprocessableEntity, model.NewInvalidPhoneError())
		return
	}

	switch req.Function {
	case fnAuthStatus:
		h.authStatus(w, r, req.Parameters)
	case fnInitiateAuth:
		h.initiateAuth(w, r, req.Parameters)
	case fnGetMessages:
		h.getMessages(w, r, req.Parameters)
	case fnSendMessage:
		h.sendMessage(w, r, req.Parameters)
	default:
		slog.Warn("unknown voice function", slog.String("function", req.Function))
		http.Error(w, "unknown function", http.StatusBadRequest)
	}
}

// authStatus は電話番号の認証状態を返す。
func (h *VoiceHandler) authStatus(w http.ResponseWriter, r *http.Request, p voiceParameters) {
	_, err := h.broker.GetCredential(r.Context(), model.Identity(p.PhoneNumber))
	if err != nil && !errors.Is(err, model.ErrNeedsAuth) {
		slog.Error("failed to check credential", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeVoiceResult(w, map[string]interface{}{
		"authenticated": err == nil,
	})
}

// initiateAuth は認証リンクを発行してSMSで送信する。
func (h *VoiceHandler) initiateAuth(w http.ResponseWriter, r *http.Request, p voiceParameters) {
	// 接続済みならリンクを発行しない
	if _, err := h.broker.GetCredential(r.Context(), model.Identity(p.PhoneNumber)); err == nil {
		writeVoiceResult(w, map[string]interface{}{
			"status": "already_authenticated",
		})
		return
	}

	if h.limiter != nil && !h.limiter.AllowAuthStart(p.PhoneNumber) {
		slog.Warn("auth link issuance throttled", slog.String("phone_number", p.PhoneNumber))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	link, err := h.broker.StartAuthentication(r.Context(), p.PhoneNumber)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			writeVoiceError(w, http.StatusUnprocessableEntity, apiErr)
			return
		}
		slog.Error("failed to start authentication", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordLinkIssued()
	}

	if h.sender != nil {
		if err := h.sender.Send(r.Context(), p.PhoneNumber, notify.AuthLinkMessage(link)); err != nil {
			slog.Error("failed to deliver auth link",
				slog.String("phone_number", p.PhoneNumber),
				slog.String("error", err.Error()),
			)
			writeVoiceError(w, http.StatusBadGateway, model.NewDeliveryFailedError())
			return
		}
		if h.metrics != nil {
			h.metrics.RecordMessageSent(h.channel)
		}
	}

	writeVoiceResult(w, map[string]interface{}{
		"status": "link_sent",
	})
}

// getMessages はメール一覧を取得する。
func (h *VoiceHandler) getMessages(w http.ResponseWriter, r *http.Request, p voiceParameters) {
	maxResults := p.MaxResults
	if maxResults <= 0 {
		maxResults = defaultVoiceMaxResults
	}

	messages, err := h.mail.ListMessages(r.Context(), model.Identity(p.PhoneNumber), p.Query, maxResults)
	if err != nil {
		h.writeMailError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		items = append(items, map[string]interface{}{
			"id":      m.ID,
			"from":    m.From,
			"subject": m.Subject,
			"date":    m.Date,
			"snippet": m.Snippet,
		})
	}

	writeVoiceResult(w, map[string]interface{}{
		"messages": items,
	})
}

// sendMessage はメールを送信する。
func (h *VoiceHandler) sendMessage(w http.ResponseWriter, r *http.Request, p voiceParameters) {
	if p.To == "" {
		http.Error(w, "missing to", http.StatusBadRequest)
		return
	}

	messageID, err := h.mail.SendMessage(r.Context(), model.Identity(p.PhoneNumber), p.To, p.Subject, p.Body)
	if err != nil {
		h.writeMailError(w, err)
		return
	}

	writeVoiceResult(w, map[string]interface{}{
		"status":     "sent",
		"message_id": messageID,
	})
}

// writeMailError はメールAPIの失敗をエラー種別に応じたレスポンスに変換する。
func (h *VoiceHandler) writeMailError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNeedsAuth) {
		writeVoiceError(w, http.StatusUnauthorized, model.NewNeedsAuthError())
		return
	}

	var pErr *model.ProviderError
	if errors.As(err, &pErr) {
		slog.Warn("mail api request rejected", slog.Int("status_code", pErr.StatusCode))
		writeVoiceError(w, http.StatusBadGateway, model.NewProviderFailedError())
		return
	}

	slog.Error("mail api request failed", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// writeVoiceResult はツール呼び出しの成功レスポンスを書き込む。
func writeVoiceResult(w http.ResponseWriter, result map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result": result,
	})
}

// writeVoiceError はツール呼び出しの失敗レスポンスを書き込む。
func writeVoiceError(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}
