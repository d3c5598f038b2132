package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/phonelink/internal/model"
	"github.com/hitoshi/phonelink/internal/notify"
)

// emptyTwiML はTwilioへの応答。返信メッセージはREST API経由で送信するため空を返す。
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// AuthStartLimiter は電話番号ごとの認証リンク発行レート制限のインターフェース。
type AuthStartLimiter interface {
	AllowAuthStart(phoneNumber string) bool
}

// WebhookMetrics はWebhook経由で記録するメトリクスのインターフェース。
type WebhookMetrics interface {
	RecordLinkIssued()
	RecordMessageSent(channel string)
}

// WebhookHandler はTwilioの受信メッセージWebhookを処理する。
// 未接続の送信者には認証リンクを、接続済みの送信者には接続済み案内を返信する。
type WebhookHandler struct {
	broker  CredentialBrokerInterface
	sender  notify.Sender
	limiter AuthStartLimiter
	metrics WebhookMetrics // nilの場合は記録しない
	channel string         // メトリクスに記録する配信チャネル名
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(
	broker CredentialBrokerInterface,
	sender notify.Sender,
	limiter AuthStartLimiter,
	metrics WebhookMetrics,
	channel string,
) *WebhookHandler {
	return &WebhookHandler{
		broker:  broker,
		sender:  sender,
		limiter: limiter,
		metrics: metrics,
		channel: channel,
	}
}

// HandleInbound は受信メッセージを処理する。
// POST /webhook/messaging （Twilio form: From, Body）
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form payload", http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}

	// WhatsApp経由の場合は "whatsapp:+8190..." の形式で届く
	phone := strings.TrimPrefix(from, "whatsapp:")

	// E.164形式でない送信元は処理しない。検証前にブローカーへ渡すと
	// 任意のペイロードでユーザーレコードが作成されてしまう
	if !model.ValidPhone(phone) {
		slog.Info("inbound message from unparseable number", slog.String("from", from))
		writeTwiML(w)
		return
	}

	// 接続状態の確認。有効な資格情報があれば接続済み案内だけ返す
	_, err := h.broker.GetCredential(r.Context(), model.Identity(phone))
	if err == nil {
		h.reply(r, phone, notify.AlreadyAuthedMessage())
		writeTwiML(w)
		return
	}
	if !errors.Is(err, model.ErrNeedsAuth) {
		slog.Error("failed to check credential",
			slog.String("phone_number", phone),
			slog.String("error", err.Error()),
		)
		writeTwiML(w)
		return
	}

	// 未接続: 認証リンクを発行して返信する。SMS送信を伴うため発行レートを制限する
	if h.limiter != nil && !h.limiter.AllowAuthStart(phone) {
		slog.Warn("auth link issuance throttled", slog.String("phone_number", phone))
		writeTwiML(w)
		return
	}

	link, err := h.broker.StartAuthentication(r.Context(), phone)
	if err != nil {
		slog.Error("failed to start authentication",
			slog.String("phone_number", phone),
			slog.String("error", err.Error()),
		)
		writeTwiML(w)
		return
	}

	if h.metrics != nil {
		h.metrics.RecordLinkIssued()
	}

	h.reply(r, phone, notify.AuthLinkMessage(link))
	writeTwiML(w)
}

// reply は送信者へメッセージを返信する。配信失敗はログに残すのみ。
func (h *WebhookHandler) reply(r *http.Request, phone, body string) {
	if h.sender == nil {
		return
	}
	if err := h.sender.Send(r.Context(), phone, body); err != nil {
		slog.Error("failed to send reply",
			slog.String("phone_number", phone),
			slog.String("error", err.Error()),
		)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordMessageSent(h.channel)
	}
}

// writeTwiML はTwilioが期待する空のTwiMLレスポンスを返す。
func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyTwiML))
}
