package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"rada-service/internal/config"
	"rada-service/internal/models"
)

func TestTelegramDeliver(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch {
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			markup, _ := body["reply_markup"].(map[string]interface{})
			rows, _ := markup["inline_keyboard"].([]interface{})
			if len(rows) != 1 {
				t.Errorf("expected one keyboard row, got %v", body["reply_markup"])
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"chat":{"id":1}}}`))
		case strings.HasSuffix(r.URL.Path, "/editMessageText"):
			if body["message_id"] != float64(77) {
				t.Errorf("unexpected message id %v", body["message_id"])
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Telegram.APIURL = srv.URL
	cfg.Telegram.Token = "123:abc"
	c := NewTelegramClient(cfg, zap.NewNop())

	ctx := context.Background()
	id, err := c.SendMessage(ctx, 1, "hi", [][]models.Button{{{Text: "Cancel", Data: "cancel"}}})
	if err != nil || id != 77 {
		t.Fatalf("send: id=%d err=%v", id, err)
	}
	if err := c.Deliver(ctx, 1, models.Reply{Text: "edited", EditMessageID: 77}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := c.AnswerCallbackQuery(ctx, "cb", ""); err == nil {
		t.Fatal("expected API error to surface")
	}
	if len(calls) != 3 || calls[0] != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestTelegramDeliverDropsRejectedURLButtons(t *testing.T) {
	var keyboards [][]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ReplyMarkup struct {
				InlineKeyboard []interface{} `json:"inline_keyboard"`
			} `json:"reply_markup"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		keyboards = append(keyboards, body.ReplyMarkup.InlineKeyboard)
		if len(keyboards) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: inline keyboard button URL 'phoenix:lightning:lnbc1' is invalid: unsupported URL protocol"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":9,"chat":{"id":1}}}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Telegram.APIURL = srv.URL
	cfg.Telegram.Token = "123:abc"
	c := NewTelegramClient(cfg, zap.NewNop())

	err := c.Deliver(context.Background(), 1, models.Reply{
		Text: "pay",
		Keyboard: [][]models.Button{
			{{Text: "Phoenix", URL: "phoenix:lightning:lnbc1"}, {Text: "Muun", URL: "muun:lightning:lnbc1"}},
			{{Text: "Copy", Data: "copy_invoice"}, {Text: "Cancel", Data: "cancel"}},
		},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(keyboards) != 2 {
		t.Fatalf("calls = %d, want 2", len(keyboards))
	}
	if len(keyboards[0]) != 2 || len(keyboards[1]) != 1 {
		t.Errorf("keyboards = %v", keyboards)
	}
}

func TestTelegramDeliverKeepsOtherErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Telegram.APIURL = srv.URL
	c := NewTelegramClient(cfg, zap.NewNop())

	err := c.Deliver(context.Background(), 1, models.Reply{
		Text:     "pay",
		Keyboard: [][]models.Button{{{Text: "Wallet", URL: "lightning:lnbc1"}}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
