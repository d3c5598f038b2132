package notify

import "fmt"

// メッセージテンプレート。配信チャネルを問わず共通。

// AuthLinkMessage は認証リンクの案内メッセージを組み立てる。
func AuthLinkMessage(link string) string {
	return fmt.Sprintf("Gmailアカウントを接続するには、こちらのリンクを開いてください。\n%s\n※リンクの有効期限は15分です。お心当たりがない場合は無視してください。", link)
}

// AuthSuccessMessage は認証完了の通知メッセージを返す。
func AuthSuccessMessage() string {
	return "Gmailアカウントの接続が完了しました。メールの確認や送信をお試しください。"
}

// AlreadyAuthedMessage は認証済みユーザーへの案内メッセージを返す。
func AlreadyAuthedMessage() string {
	return "このアカウントはすでに接続済みです。接続し直す場合は一度ログアウトしてください。"
}

// LogoutMessage はログアウト完了の通知メッセージを返す。
func LogoutMessage() string {
	return "Gmailアカウントの接続を解除しました。再度利用するには新しい認証リンクをリクエストしてください。"
}
