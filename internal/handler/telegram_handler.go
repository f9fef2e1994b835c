package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"rada-service/internal/client"
	"rada-service/internal/models"
	"rada-service/internal/service"
	"rada-service/internal/util"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Conversation is the chat engine the Telegram endpoint dispatches to.
type Conversation interface {
	Admit(ctx context.Context, userID int64) (bool, []models.Reply)
	Start(ctx context.Context, userID int64) ([]models.Reply, error)
	ShowMenu(ctx context.Context, userID int64, messageID int) ([]models.Reply, error)
	Help(ctx context.Context, userID int64) ([]models.Reply, error)
	SelectService(ctx context.Context, userID int64, svc models.ServiceType, messageID int) ([]models.Reply, error)
	HandleText(ctx context.Context, userID int64, text string) ([]models.Reply, error)
	HandlePhoto(ctx context.Context, userID int64) ([]models.Reply, error)
	RefreshQuote(ctx context.Context, userID int64, messageID int) ([]models.Reply, error)
	Confirm(ctx context.Context, userID int64, messageID int) ([]models.Reply, error)
	Cancel(ctx context.Context, userID int64, messageID int) ([]models.Reply, error)
	ExchangeRate(ctx context.Context, userID int64, messageID int) ([]models.Reply, error)
	CopyInvoice(ctx context.Context, userID int64) ([]models.Reply, error)
}

// ChatSender delivers replies and acknowledges button presses.
type ChatSender interface {
	Deliver(ctx context.Context, chatID int64, r models.Reply) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// TelegramHandler receives Bot API updates pushed to the bot webhook. It
// always answers 200 once the secret matches so Telegram does not redeliver.
type TelegramHandler struct {
	conversation Conversation
	sender       ChatSender
	secret       string
	logger       *zap.Logger
}

func NewTelegramHandler(conversation Conversation, sender ChatSender, secret string, logger *zap.Logger) *TelegramHandler {
	logger = logger.Named("telegram")
	if secret == "" {
		logger.Warn("Telegram webhook secret not set; updates are not authenticated")
	}
	return &TelegramHandler{
		conversation: conversation,
		sender:       sender,
		secret:       secret,
		logger:       logger,
	}
}

// HandleUpdate processes one Telegram update.
func (h *TelegramHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		given := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(given), []byte(h.secret)) != 1 {
			h.logger.Warn("Telegram update with bad secret token", util.String("remote_addr", r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized", "Invalid secret token"))
			return
		}
	}

	var update client.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&update); err != nil {
		h.logger.Warn("Undecodable Telegram update", util.ErrorField(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	switch {
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(ctx, update.Message)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *TelegramHandler) handleMessage(ctx context.Context, msg *client.Message) {
	if msg.From == nil || msg.From.IsBot || msg.Chat.Type != "private" {
		return
	}
	userID := msg.From.ID
	if !h.admit(ctx, userID) {
		return
	}

	var (
		replies []models.Reply
		err     error
	)
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/"):
		replies, err = h.command(ctx, userID, text)
	case len(msg.Photo) > 0:
		replies, err = h.conversation.HandlePhoto(ctx, userID)
	case text != "":
		replies, err = h.conversation.HandleText(ctx, userID, text)
	default:
		return
	}
	h.send(ctx, userID, replies, err)
}

func (h *TelegramHandler) command(ctx context.Context, userID int64, text string) ([]models.Reply, error) {
	cmd := strings.Fields(text)[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	switch strings.ToLower(cmd) {
	case "/start":
		return h.conversation.Start(ctx, userID)
	case "/menu":
		return h.conversation.ShowMenu(ctx, userID, 0)
	case "/cancel":
		return h.conversation.Cancel(ctx, userID, 0)
	case "/rate":
		return h.conversation.ExchangeRate(ctx, userID, 0)
	default:
		return h.conversation.Help(ctx, userID)
	}
}

func (h *TelegramHandler) handleCallback(ctx context.Context, cq *client.CallbackQuery) {
	if err := h.sender.AnswerCallbackQuery(ctx, cq.ID, ""); err != nil {
		h.logger.Debug("answerCallbackQuery failed", util.ErrorField(err))
	}
	if cq.From.IsBot {
		return
	}
	userID := cq.From.ID
	if !h.admit(ctx, userID) {
		return
	}

	messageID := 0
	if cq.Message != nil {
		messageID = cq.Message.MessageID
	}

	var (
		replies []models.Reply
		err     error
	)
	switch data := cq.Data; {
	case strings.HasPrefix(data, service.CallbackServicePrefix):
		svc, ok := models.ParseServiceType(strings.TrimPrefix(data, service.CallbackServicePrefix))
		if !ok {
			h.logger.Warn("Unknown service callback", util.UserID(userID), util.String("data", data))
			replies, err = h.conversation.ShowMenu(ctx, userID, messageID)
			break
		}
		replies, err = h.conversation.SelectService(ctx, userID, svc, messageID)
	case data == service.CallbackConfirm:
		replies, err = h.conversation.Confirm(ctx, userID, messageID)
	case data == service.CallbackRefreshRate:
		replies, err = h.conversation.RefreshQuote(ctx, userID, messageID)
	case data == service.CallbackCancel:
		replies, err = h.conversation.Cancel(ctx, userID, messageID)
	case data == service.CallbackMainMenu:
		replies, err = h.conversation.ShowMenu(ctx, userID, messageID)
	case data == service.CallbackHelp:
		replies, err = h.conversation.Help(ctx, userID)
	case data == service.CallbackExchangeRate:
		replies, err = h.conversation.ExchangeRate(ctx, userID, messageID)
	case data == service.CallbackCopyInvoice:
		replies, err = h.conversation.CopyInvoice(ctx, userID)
	default:
		h.logger.Debug("Ignoring unknown callback", util.UserID(userID), util.String("data", data))
		return
	}
	h.send(ctx, userID, replies, err)
}

func (h *TelegramHandler) admit(ctx context.Context, userID int64) bool {
	ok, replies := h.conversation.Admit(ctx, userID)
	if !ok {
		h.send(ctx, userID, replies, nil)
	}
	return ok
}

// send delivers replies in order. Private chat IDs equal user IDs.
func (h *TelegramHandler) send(ctx context.Context, userID int64, replies []models.Reply, err error) {
	if err != nil {
		h.logger.Error("Conversation step failed", util.UserID(userID), util.ErrorField(err))
		replies = []models.Reply{service.FailureReply()}
	}
	for _, reply := range replies {
		if derr := h.sender.Deliver(ctx, userID, reply); derr != nil {
			h.logger.Warn("Failed to deliver reply", util.UserID(userID), util.ErrorField(derr))
			return
		}
	}
}
