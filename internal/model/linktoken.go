package model

import "time"

// LinkTokenTTL はリンクトークンの発行から失効までの期間。
const LinkTokenTTL = 15 * time.Minute

// LinkToken は電話番号と認証試行を1回限りで結びつける短命トークンを表す。
// 同一電話番号への再発行は既存トークンを上書きするため、
// 有効なリンクは常に1つしか存在しない。
type LinkToken struct {
	Token       string
	PhoneNumber string
	Used        bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Usable はトークンが現時点で消費可能かどうかを判定する。
// used済みまたは期限切れのトークンは使用できない。
func (t *LinkToken) Usable(now time.Time) bool {
	return !t.Used && t.ExpiresAt.After(now)
}
