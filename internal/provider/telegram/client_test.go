package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"botfleet/internal/provider"
)

func TestValidateFetchesIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "getMe") {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Demo","username":"demo_bot"}}`)
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, HTTPClient: srv.Client()})
	ident, err := c.Validate(context.Background(), "42:token")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ident.Username != "demo_bot" || ident.ID != 42 || ident.DisplayName != "Demo" {
		t.Fatalf("unexpected identity %+v", ident)
	}
}

func TestValidateRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, HTTPClient: srv.Client()})
	if _, err := c.Validate(context.Background(), "bad:token"); !errors.Is(err, provider.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateEmptyToken(t *testing.T) {
	c := New(Config{})
	if _, err := c.Validate(context.Background(), " "); !errors.Is(err, provider.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestSendMessageRetriesTransientFailure(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":7,"type":"private"}}}`)
	}))
	defer srv.Close()

	c := New(Config{
		APIURL:      srv.URL,
		HTTPClient:  srv.Client(),
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	})
	if err := c.SendMessage(context.Background(), "42:token", 7, "hello"); err != nil {
		t.Fatalf("send after retries: %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSendMessageExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`)
	}))
	defer srv.Close()

	c := New(Config{
		APIURL:      srv.URL,
		HTTPClient:  srv.Client(),
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
	})
	if err := c.SendMessage(context.Background(), "42:token", 7, "hello"); !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
