// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrNeedsAuth は有効な認可情報が存在せず、新しい認証フローが必要なことを示す。
// 期待される制御フローであり、インシデントとしてログに記録してはならない。
var ErrNeedsAuth = errors.New("authentication required")

// ErrReauthRequired はリフレッシュトークンがプロバイダーに拒否され、
// 再同意フローなしでは認可情報を回復できないことを示す。
// 呼び出し側はリフレッシュを再試行せず、新しいリンク発行にフォールバックすること。
var ErrReauthRequired = errors.New("reauthentication required")

// ValidationErrorの原因コード
const (
	ReasonTokenNotFound = "token_not_found"
	ReasonTokenExpired  = "token_expired"
	ReasonTokenUsed     = "token_used"
	ReasonStateMismatch = "state_mismatch"
)

// ValidationError はリンクトークンまたはCSRF stateの検証失敗を表す。
// 期待される制御フローとして呼び出し側に返され、ユーザー向けメッセージに変換される。
type ValidationError struct {
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// NewValidationError は指定された原因コードのValidationErrorを生成する。
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// ProviderError はOAuthプロバイダーの認可・トークンエンドポイントが
// リクエストを拒否したことを表す。認可コードは1回限りのため再試行しない。
type ProviderError struct {
	Op         string // "exchange", "refresh", "userinfo"
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provider, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNeedsAuth      = "NEEDS_AUTH"
	ErrCodeLinkInvalid    = "LINK_INVALID"
	ErrCodeStateMismatch  = "STATE_MISMATCH"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodeInvalidPhone   = "INVALID_PHONE"
	ErrCodeDeliveryFailed = "DELIVERY_FAILED"
)

// NewNeedsAuthError は認証が必要なことを示すエラーを生成する。
func NewNeedsAuthError() *APIError {
	return &APIError{
		Code:     ErrCodeNeedsAuth,
		Message:  "Gmailアカウントが未接続です。",
		Category: "auth",
		Action:   "送信された認証リンクからアカウントを接続してください。",
	}
}

// NewLinkInvalidError はリンクトークンが無効・期限切れ・使用済みの場合のエラーを生成する。
func NewLinkInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeLinkInvalid,
		Message:  "認証リンクが無効か、期限切れです。",
		Category: "validation",
		Action:   "新しい認証リンクをリクエストしてください。リンクの有効期限は15分です。",
	}
}

// NewStateMismatchError はCSRF state不一致エラーを生成する。
func NewStateMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeStateMismatch,
		Message:  "認証リクエストの検証に失敗しました。",
		Category: "validation",
		Action:   "最初から認証をやり直してください。",
	}
}

// NewProviderFailedError はプロバイダー側エラーを生成する。
func NewProviderFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  "認証プロバイダーとの通信に失敗しました。",
		Category: "provider",
		Action:   "しばらく待ってから、新しい認証リンクで再度お試しください。",
	}
}

// NewInvalidPhoneError は電話番号が解析できない場合のエラーを生成する。
func NewInvalidPhoneError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPhone,
		Message:  "電話番号を特定できませんでした。",
		Category: "validation",
		Action:   "国番号付きの電話番号（例: +819012345678）から発信してください。",
	}
}

// NewDeliveryFailedError は認証リンクの配信失敗エラーを生成する。
func NewDeliveryFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeDeliveryFailed,
		Message:  "認証リンクの送信に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
