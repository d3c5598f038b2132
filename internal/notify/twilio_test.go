package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestTwilioServer(t *testing.T, gotForm *map[string]string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, token, ok := r.BasicAuth()
		if !ok || sid != "AC-test-sid" || token != "test-auth-token" {
			t.Errorf("unexpected basic auth: %q / %q", sid, token)
		}
		if !strings.HasSuffix(r.URL.Path, "/Accounts/AC-test-sid/Messages.json") {
			t.Errorf("unexpected path: %q", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if gotForm != nil {
			*gotForm = map[string]string{
				"To":   r.PostForm.Get("To"),
				"From": r.PostForm.Get("From"),
				"Body": r.PostForm.Get("Body"),
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sid":    "SM-test-message",
			"status": "queued",
		})
	}))
}

func TestTwilioClient_Send_SMS(t *testing.T) {
	var form map[string]string
	server := newTestTwilioServer(t, &form, http.StatusCreated)
	defer server.Close()

	client := NewTwilioClient(TwilioConfig{
		AccountSID: "AC-test-sid",
		AuthToken:  "test-auth-token",
		FromNumber: "+815000000000",
		Channel:    ChannelSMS,
		APIBase:    server.URL,
	})

	err := client.Send(context.Background(), "+818012345678", "hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if form["To"] != "+818012345678" {
		t.Errorf("To = %q, want bare E.164 number", form["To"])
	}
	if form["From"] != "+815000000000" {
		t.Errorf("From = %q, want bare E.164 number", form["From"])
	}
	if form["Body"] != "hello" {
		t.Errorf("Body = %q, want %q", form["Body"], "hello")
	}
}

func TestTwilioClient_Send_WhatsAppPrefixesAddresses(t *testing.T) {
	var form map[string]string
	server := newTestTwilioServer(t, &form, http.StatusCreated)
	defer server.Close()

	client := NewTwilioClient(TwilioConfig{
		AccountSID: "AC-test-sid",
		AuthToken:  "test-auth-token",
		FromNumber: "+815000000000",
		Channel:    ChannelWhatsApp,
		APIBase:    server.URL,
	})

	if err := client.Send(context.Background(), "+818012345678", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if form["To"] != "whatsapp:+818012345678" {
		t.Errorf("To = %q, want whatsapp-prefixed number", form["To"])
	}
	if form["From"] != "whatsapp:+815000000000" {
		t.Errorf("From = %q, want whatsapp-prefixed number", form["From"])
	}
}

func TestTwilioClient_Send_AlreadyPrefixedNumberNotDoubled(t *testing.T) {
	var form map[string]string
	server := newTestTwilioServer(t, &form, http.StatusCreated)
	defer server.Close()

	client := NewTwilioClient(TwilioConfig{
		AccountSID: "AC-test-sid",
		AuthToken:  "test-auth-token",
		FromNumber: "whatsapp:+815000000000",
		Channel:    ChannelWhatsApp,
		APIBase:    server.URL,
	})

	if err := client.Send(context.Background(), "whatsapp:+818012345678", "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if form["To"] != "whatsapp:+818012345678" {
		t.Errorf("To = %q, prefix should not be doubled", form["To"])
	}
	if form["From"] != "whatsapp:+815000000000" {
		t.Errorf("From = %q, prefix should not be doubled", form["From"])
	}
}

func TestTwilioClient_Send_APIErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code":    21211,
			"message": "Invalid 'To' Phone Number",
		})
	}))
	defer server.Close()

	client := NewTwilioClient(TwilioConfig{
		AccountSID: "AC-test-sid",
		AuthToken:  "test-auth-token",
		FromNumber: "+815000000000",
		APIBase:    server.URL,
	})

	err := client.Send(context.Background(), "invalid", "hello")
	if err == nil {
		t.Fatal("expected error from failed delivery")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func TestAuthLinkMessage_ContainsLink(t *testing.T) {
	msg := AuthLinkMessage("https://example.com/auth/gmail?phone_token=abc")
	if !strings.Contains(msg, "https://example.com/auth/gmail?phone_token=abc") {
		t.Errorf("message should contain the link: %q", msg)
	}
	if !strings.Contains(msg, "15分") {
		t.Errorf("message should mention the expiry: %q", msg)
	}
}
