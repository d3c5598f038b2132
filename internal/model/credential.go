package model

import (
	"strings"
	"time"
)

// Credential はユーザー1人につき1件保持されるOAuth認可情報を表す。
// RefreshTokenはプロバイダーがオフラインアクセスを許可しなかった場合は空になる。
type Credential struct {
	UserID       int64
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}

// Expired はアクセストークンが期限切れかどうかを判定する。
// プロバイダー呼び出し中の失効を避けるため、30秒のマージンを持たせる。
func (c *Credential) Expired(now time.Time) bool {
	return !c.Expiry.After(now.Add(30 * time.Second))
}

// HasRefreshToken はリフレッシュトークンを保持しているかどうかを返す。
func (c *Credential) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// ScopeString はDB保存用にスコープをスペース区切りで結合した文字列を返す。
func (c *Credential) ScopeString() string {
	return strings.Join(c.Scopes, " ")
}

// ParseScopes はスペース区切りのスコープ文字列をスライスに分解する。
// 空文字列の場合はnilを返す。
func ParseScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// TokenSet はプロバイダーのトークンエンドポイントから取得した生のトークン一式。
// コード交換およびリフレッシュの結果として返される。
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scopes       []string
}
