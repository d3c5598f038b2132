// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/phonelink/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// セッションIDまたは電話番号をキーとしたupsertを提供する。
type UserRepository interface {
	// GetOrCreateBySession はセッションIDでユーザーを取得または作成し、
	// last_loginを更新する。同時初回アクセスでも重複キーエラーにならないよう
	// upsertとして実装される（read-then-insertではない）。
	GetOrCreateBySession(ctx context.Context, sessionID string) (*model.User, error)

	// GetOrCreateByPhone は正規化済み電話番号をキーとした同等のupsert。
	GetOrCreateByPhone(ctx context.Context, phone string) (*model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// SetEmail はユーザーのメールアドレスを更新する。
	SetEmail(ctx context.Context, userID int64, email string) error
}

// CredentialRepository はOAuth認可情報の永続化インターフェース。
// ユーザーごとに最大1件のアクティブな認可情報を保持する。
type CredentialRepository interface {
	// Find は指定ユーザーの認可情報を取得する。存在しない場合はnilを返す。
	Find(ctx context.Context, userID int64) (*model.Credential, error)

	// Replace は既存の認可情報を削除してから新しい認可情報を挿入する。
	// delete+insertを同一トランザクションで実行するため、
	// 並行する読み取りは古い認可情報か新しい認可情報のどちらかを完全な形で観測する。
	Replace(ctx context.Context, cred *model.Credential) error

	// UpdateAccessToken はリフレッシュ後のアクセストークンと有効期限を更新する。
	UpdateAccessToken(ctx context.Context, userID int64, accessToken string, expiry time.Time) error

	// Delete は指定ユーザーの認可情報を削除する。
	// 削除対象が存在した場合はtrueを返す（ログアウトの冪等性のため）。
	Delete(ctx context.Context, userID int64) (bool, error)
}

// LinkTokenRepository はリンクトークンの永続化インターフェース。
// 耐久ストアが唯一の正であり、プロセスメモリに保留トークンを持たない。
type LinkTokenRepository interface {
	// Replace は同一電話番号の既存トークンを削除してから新しいトークンを挿入する。
	// 未使用の旧トークンも恒久的に無効化される（重複リンク防止のための仕様）。
	Replace(ctx context.Context, token *model.LinkToken) error

	// FindUsable は未使用かつ未失効のトークンを取得する。
	// 存在しない・使用済み・期限切れの場合はnilを返す。usedフラグは変更しない。
	FindUsable(ctx context.Context, token string) (*model.LinkToken, error)

	// Find はトークンを使用済み・失効の別なく取得する。
	// 存在しない場合はnilを返す。拒否理由の分類に使用される。
	Find(ctx context.Context, token string) (*model.LinkToken, error)

	// Consume は未使用かつ未失効のトークンをアトミックにused=trueへ遷移させ、
	// 紐づく電話番号を返す。有効性判定とフラグ更新は単一の条件付きUPDATEで行われるため、
	// 並行する複数の消費のうち成功するのは正確に1つだけとなる。
	// 消費できなかった場合は空文字列とfalseを返す。
	Consume(ctx context.Context, token string) (phone string, ok bool, err error)

	// DeleteExpired は期限切れトークンを削除し、削除件数を返す。
	// ストレージ衛生のための処理であり、正確性には寄与しない
	// （期限は検証時に必ず確認される）。並行・反復実行しても安全。
	DeleteExpired(ctx context.Context) (int64, error)
}
