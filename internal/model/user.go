// Package model はドメインモデルを定義する。
package model

import (
	"regexp"
	"time"
)

// phonePattern はE.164形式の電話番号（例: +819012345678）。
var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// User は電話番号またはセッションIDで識別されるサービス利用ユーザーを表す。
// SessionIDとPhoneNumberは少なくとも一方が必ず設定される。
// 空文字列は未設定を意味する。
type User struct {
	ID          int64
	SessionID   string
	PhoneNumber string
	Email       string
	CreatedAt   time.Time
	LastLogin   time.Time
}

// Identity はUserレコードを指し示す識別子（セッションIDまたは電話番号）。
// E.164形式の電話番号は先頭が "+" で始まるため、セッションIDと区別できる。
type Identity string

// IsPhone は識別子が電話番号かどうかを判定する。
func (i Identity) IsPhone() bool {
	return len(i) > 0 && i[0] == '+'
}

// String はerrorメッセージやログ用の文字列表現を返す。
func (i Identity) String() string {
	return string(i)
}

// ValidPhone は文字列がE.164形式の電話番号として妥当かを判定する。
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}
