package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rada-service/internal/config"
	"rada-service/internal/models"
)

// Telegram Bot API update types, limited to the fields the bot reads.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int    `json:"file_size,omitempty"`
}

type Message struct {
	MessageID int         `json:"message_id"`
	From      *User       `json:"from,omitempty"`
	Chat      Chat        `json:"chat"`
	Text      string      `json:"text,omitempty"`
	Caption   string      `json:"caption,omitempty"`
	Photo     []PhotoSize `json:"photo,omitempty"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// APIError is an ok=false answer from the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// TelegramClient sends bot messages through the Telegram Bot API.
type TelegramClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTelegramClient(cfg *config.Config, logger *zap.Logger) *TelegramClient {
	return &TelegramClient{
		baseURL:    strings.TrimRight(cfg.Telegram.APIURL, "/") + "/bot" + cfg.Telegram.Token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.Named("telegram"),
	}
}

// Deliver sends r to chatID, editing r.EditMessageID in place when set. If the
// Bot API rejects a wallet deep link the message is resent without URL buttons.
func (c *TelegramClient) Deliver(ctx context.Context, chatID int64, r models.Reply) error {
	err := c.deliver(ctx, chatID, r)
	if !buttonURLRejected(err) || !hasURLButtons(r.Keyboard) {
		return err
	}
	c.logger.Warn("URL buttons rejected, resending without them",
		zap.Int64("chat_id", chatID), zap.Error(err))
	r.Keyboard = withoutURLButtons(r.Keyboard)
	return c.deliver(ctx, chatID, r)
}

func (c *TelegramClient) deliver(ctx context.Context, chatID int64, r models.Reply) error {
	if r.EditMessageID != 0 {
		return c.EditMessageText(ctx, chatID, r.EditMessageID, r.Text, r.Keyboard)
	}
	_, err := c.SendMessage(ctx, chatID, r.Text, r.Keyboard)
	return err
}

func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string, keyboard [][]models.Button) (int, error) {
	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if markup := toMarkup(keyboard); markup != nil {
		payload["reply_markup"] = markup
	}

	var msg Message
	if err := c.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

func (c *TelegramClient) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, keyboard [][]models.Button) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if markup := toMarkup(keyboard); markup != nil {
		payload["reply_markup"] = markup
	}
	return c.call(ctx, "editMessageText", payload, nil)
}

func (c *TelegramClient) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]interface{}{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload, nil)
}

func (c *TelegramClient) call(ctx context.Context, method string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return fmt.Errorf("telegram %s: status %d: undecodable response", method, resp.StatusCode)
	}
	if !apiResp.OK {
		c.logger.Warn("Telegram API error",
			zap.String("method", method),
			zap.Int("error_code", apiResp.ErrorCode),
			zap.String("description", apiResp.Description))
		return &APIError{Method: method, Code: apiResp.ErrorCode, Description: apiResp.Description}
	}
	if out != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func toMarkup(keyboard [][]models.Button) *inlineKeyboardMarkup {
	if len(keyboard) == 0 {
		return nil
	}
	markup := &inlineKeyboardMarkup{InlineKeyboard: make([][]inlineKeyboardButton, 0, len(keyboard))}
	for _, row := range keyboard {
		out := make([]inlineKeyboardButton, 0, len(row))
		for _, b := range row {
			out = append(out, inlineKeyboardButton{Text: b.Text, CallbackData: b.Data, URL: b.URL})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, out)
	}
	return markup
}

func buttonURLRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Description), "url")
}

func hasURLButtons(keyboard [][]models.Button) bool {
	for _, row := range keyboard {
		for _, b := range row {
			if b.URL != "" {
				return true
			}
		}
	}
	return false
}

func withoutURLButtons(keyboard [][]models.Button) [][]models.Button {
	out := make([][]models.Button, 0, len(keyboard))
	for _, row := range keyboard {
		kept := make([]models.Button, 0, len(row))
		for _, b := range row {
			if b.URL == "" {
				kept = append(kept, b)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}
