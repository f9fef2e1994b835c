package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"rada-service/internal/bucketing"
	"rada-service/internal/metrics"
	"rada-service/internal/models"
	"rada-service/internal/rate"
	"rada-service/internal/repository"
	"rada-service/internal/util"
)

// ConversationConfig holds the payment limits and timings of the chat flow.
type ConversationConfig struct {
	Limits        Limits
	InvoiceExpiry time.Duration
	RateLockTTL   time.Duration
}

// ConversationService is the chat state machine. Each method handles one
// user action, serialised per user, and returns the replies to send.
type ConversationService struct {
	sessions   repository.SessionStore
	index      repository.CorrelationIndex
	quotes     QuoteProvider
	locks      RateLocker
	invoices   InvoiceIssuer
	settlement *SettlementService
	limiter    repository.RateLimiter
	events     EventPublisher
	userLocks  *bucketing.KeyedMutex
	cfg        ConversationConfig
	logger     *zap.Logger
	now        func() time.Time
	newRef     func() string
}

type ConversationOption func(*ConversationService)

func WithConversationClock(now func() time.Time) ConversationOption {
	return func(c *ConversationService) { c.now = now }
}

func WithOrderRefs(gen func() string) ConversationOption {
	return func(c *ConversationService) { c.newRef = gen }
}

func NewConversationService(
	sessions repository.SessionStore,
	index repository.CorrelationIndex,
	quotes QuoteProvider,
	locks RateLocker,
	invoices InvoiceIssuer,
	settlement *SettlementService,
	limiter repository.RateLimiter,
	events EventPublisher,
	userLocks *bucketing.KeyedMutex,
	cfg ConversationConfig,
	logger *zap.Logger,
	opts ...ConversationOption,
) *ConversationService {
	c := &ConversationService{
		sessions:   sessions,
		index:      index,
		quotes:     quotes,
		locks:      locks,
		invoices:   invoices,
		settlement: settlement,
		limiter:    limiter,
		events:     events,
		userLocks:  userLocks,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		newRef:     func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit applies the per-user update rate limit. A limiter error admits the
// update.
func (c *ConversationService) Admit(ctx context.Context, userID int64) (bool, []models.Reply) {
	if c.limiter == nil {
		return true, nil
	}
	ok, err := c.limiter.Allow(ctx, userID)
	if err != nil {
		c.logger.Warn("rate limiter unavailable", zap.Error(err), util.UserID(userID))
		return true, nil
	}
	if !ok {
		return false, []models.Reply{textReply(textRateLimited)}
	}
	return true, nil
}

// Start resets the user's conversation and shows the welcome menu.
func (c *ConversationService) Start(ctx context.Context, userID int64) ([]models.Reply, error) {
	return c.resetTo(ctx, userID, welcomeReply())
}

// ShowMenu resets the conversation and shows the main menu, editing
// messageID when set.
func (c *ConversationService) ShowMenu(ctx context.Context, userID int64, messageID int) ([]models.Reply, error) {
	return c.resetTo(ctx, userID, menuReply(messageID))
}

func (c *ConversationService) Help(ctx context.Context, userID int64) ([]models.Reply, error) {
	return []models.Reply{helpReply()}, nil
}

func (c *ConversationService) resetTo(ctx context.Context, userID int64, reply models.Reply) ([]models.Reply, error) {
	unlock := c.userLocks.LockUser(userID)
	defer unlock()

	sess, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if paymentInProgress(sess) {
		return []models.Reply{textReply(textPaymentInProgress)}, nil
	}
	if err := c.abandonInvoice(ctx, sess); err != nil {
		return nil, err
	}
	sess.Reset()
	if err := c.sessions.Set(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return []models.Reply{reply}, nil
}

// SelectService starts collecting fields for service.
func (c *ConversationService) SelectService(ctx context.Context, userID int64, service models.ServiceType, messageID int) ([]models.Reply, error) {
	if !service.Valid() {
		return []models.Reply{menuReply(0)}, nil
	}

	unlock := c.userLocks.LockUser(userID)
	defer unlock()

	sess, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if paymentInProgress(sess) {
		return []models.Reply{textReply(textPaymentInProgress)}, nil
	}
	if err := c.abandonInvoice(ctx, sess); err != nil {
		return nil, err
	}

	sess.Reset()
	sess.CurrentService = service
	sess.PaymentRequest = models.NewPaymentRequest(service)
	sess.State = models.StateServiceSelected
	if err := c.sessions.Set(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	first, _ := sess.PaymentRequest.NextField()
	return []models.Reply{serviceIntroReply(service, first, c.cfg.Limits, messageID)}, nil
}

// HandleText feeds free text into the field currently being collected.
func (c *ConversationService) HandleText(ctx context.Context, userID int64, text string) ([]models.Reply, error) {
	unlock := c.userLocks.LockUser(userID)
	defer unlock()

	sess, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	switch sess.State {
	case models.StateConfirming:
		return []models.Reply{{Text: textConfirmOrCancel, Keyboard: confirmKeyboard()}}, nil
	case models.StateAwaitingSettlement:
		return c.awaitingReply(sess), nil
	case models.StateServiceSelected, models.StateCollectingField, models.StateAmountPending:
	default:
		return []models.Reply{{Text: textSelectService, Keyboard: mainMenuKeyboard()}}, nil
	}

	req := sess.PaymentRequest
	if req == nil {
		sess.Reset()
		if err := c.sessions.Set(ctx, sess); err != nil {
			return nil, fmt.Errorf("save session: %w", err)
		}
		return []models.Reply{{Text: textSelectService, Keyboard: mainMenuKeyboard()}}, nil
	}

	field, ok := req.NextField()
	if !ok {
		// Complete request outside Confirming: fall through to confirmation.
		return c.enterConfirming(ctx, sess, 0)
	}

	var verr *ValidationError
	if field == models.FieldAmount {
		amount, err := ParseAmount(text, c.cfg.Limits)
		if errors.As(err, &verr) {
			return []models.Reply{invalidInputReply(verr, c.cfg.Limits)}, nil
		}
		req.SetAmount(amount)
	} else {
		value, err := validateField(field, text)
		if errors.As(err, &verr) {
			return []models.Reply{invalidInputReply(verr, c.cfg.Limits)}, nil
		}
		req.SetField(field, value)
	}

	next, more := req.NextField()
	if !more {
		return c.enterConfirming(ctx, sess, 0)
	}
	sess.State = models.StateCollectingField
	if next == models.FieldAmount {
		sess.State = models.StateAmountPending
	}
	if err := c.sessions.Set(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return []models.Reply{promptReply(next, c.cfg.Limits)}, nil
}

// HandlePhoto answers an image upload. QR images are not decoded.
func (c *ConversationService) HandlePhoto(ctx context.Context, userID int64) ([]models.Reply, error) {
	unlock := c.userLocks.LockUser(userID)
	defer unlock()

	sess, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.PaymentRequest != nil {
		if f, ok := sess.PaymentRequest.NextField(); ok && f == models.FieldQRData {
			return []models.Reply{{Text: textQRDecodeUnavailable, Keyboard: cancelKeyboard()}}, nil
		}
	}
	return []models.Reply{{Text: textSelectService, Keyboard: mainMenuKeyboard()}}, nil
}

// enterConfirming moves a complete request to Confirming and renders the
// confirmation at the current rate.
func (c *ConversationService) enterConfirming(ctx context.Context, sess *models.Session, editID int) ([]models.Reply, error) {
	sess.State = models.StateConfirming
	if err := c.sessions.Set(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return []models.Reply{c.confirmation(sess.PaymentRequest, editID)}, nil
}

func (c *ConversationService) confirmation(req *models.PaymentRequest, editID int) models.Reply {
	q, err := c.quotes.Current()
	if err != nil {
		return rateUnavailableReply(editID)
	}
	sats, err := rate.KshToSats(*req.Amount, q.Rate)
	if err != nil {
		return rateUnavailableReply(editID)
	}
	return confirmationReply(req, sats, q, editID)
}

// RefreshQuote re-renders the confirmation at the current rate. Once an
// invoice is issued the rate is locked and the invoice is shown instead.
func (c *ConversationService) RefreshQuote(ctx context.Context, userID int64, messageID int) ([]models.Reply, error) {
	unlock := c.userLocks.LockUser(userID)
	defer unlock()

	sess, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case models.StateConfirming:
		if sess.PaymentRequest == nil || !sess.PaymentRequest.Complete() {
			return []models.Reply{menuReply(messageID)}, nil
		}
		return []models.Reply{c.confirmation(sess.PaymentRequest, messageID)}, nil
	case models.StateAwaitingSettlement:
		return c.awaitingReply(sess), nil
	}
	return []models.Reply{{Text: textSessionExpired, Keyboard: mainMenuKeyboard()}}, nil
}

// Confirm issues the Lightning invoice, locks the rate and indexes the
// invoice before the invoice is shown. A repeated confirm re-sends the
// existing invoice.
func (c *ConversationService) Confirm(ctx context.Context, userID int64, messageID int) ([]models.Reply, error) {
	unlock := c.userLocks.LockUser(userID)
	defer unlock()

	sess, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.State == models.StateAwaitingSettlement && sess.HasInvoice() {
		return c.awaitingReply(sess), nil
	}
	if sess.State != models.StateConfirming || sess.PaymentRequest == nil || !sess.PaymentRequest.Complete() {
		return []models.Reply{{Text: textSessionExpired, Keyboard: mainMenuKeyboard()}}, nil
	}

	req := sess.PaymentRequest
	q, err := c.quotes.Current()
	if err != nil {
		c.logger.Warn("confirm without a live rate", zap.Error(err), util.UserID(userID))
		return []models.Reply{rateUnavailableReply(messageID)}, nil
	}
	sats, err := rate.KshToSats(*req.Amount, q.Rate)
	if err != nil {
		return []models.Reply{rateUnavailableReply(messageID)}, nil
	}

	description := fmt.Sprintf("Rada %s %s", req.Service.Label(), formatKES(*req.Amount))
	inv, err := c.invoices.IssueInvoice(ctx, sats, description, c.cfg.InvoiceExpiry)
	if err != nil {
		metrics.InvoicesIssued.WithLabelValues(string(req.Service), "error").Inc()
		c.logger.Error("failed to issue lightning invoice",
			zap.Error(fmt.Errorf("%w: %v", ErrInvoiceIssuanceFailed, err)),
			util.UserID(userID), zap.Int64("sats", int64(sats)))
		return []models.Reply{{Text: textInvoiceFailed, Keyboard: confirmKeyboard()}}, nil
	}

	lock, err := c.locks.LockAtQuote(*req.Amount, q, inv.InvoiceID, c.cfg.RateLockTTL)
	if err != nil {
		metrics.InvoicesIssued.WithLabelValues(string(req.Service), "lock_error").Inc()
		c.logger.Error("failed to lock rate for issued invoice",
			zap.Error(err), util.UserID(userID), util.InvoiceID(inv.InvoiceID))
		return []models.Reply{{Text: textInvoiceFailed, Keyboard: confirmKeyboard()}}, nil
	}

	if err := c.index.Put(ctx, inv.InvoiceID, userID); err != nil {
		c.locks.Release(inv.InvoiceID)
		metrics.InvoicesIssued.WithLabelValues(string(req.Service), "index_error").Inc()
		c.logger.Error("failed to index invoice", zap.Error(err), util.UserID(userID), util.InvoiceID(inv.InvoiceID))
		return []models.Reply{{Text: textServiceUnavailable, Keyboard: confirmKeyboard()}}, nil
	}

	expiresAt := inv.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(c.cfg.InvoiceExpiry)
	}
	if err := sess.AttachInvoice(inv.InvoiceID, inv.Bolt11, expiresAt, c.newRef(), lock); err != nil {
		c.rollbackInvoice(ctx, inv.InvoiceID)
		return nil, err
	}
	if err := c.sessions.Set(ctx, sess); err != nil {
		c.rollbackInvoice(ctx, inv.InvoiceID)
		return nil, fmt.Errorf("save session: %w", err)
	}

	metrics.InvoicesIssued.WithLabelValues(string(req.Service), "ok").Inc()
	metrics.SettlementTransitions.WithLabelValues(string(models.SettlementInvoiceIssued)).Inc()
	c.events.Publish(newEvent(EventInvoiceIssued, sess, c.now()))
	c.logger.Info("lightning invoice issued",
		util.UserID(userID), util.InvoiceID(inv.InvoiceID),
		zap.String("order_ref", sess.OrderRef),
		zap.String("service", string(req.Service)),
		zap.Int64("sats", int64(lock.SatsAmount)),
		zap.String("kes", lock.KshAmount.StringFixed(2)),
		zap.Time("lock_expires_at", lock.ExpiresAt))

	return []models.Reply{
		{Text: textInvoiceGenerated, EditMessageID: messageID},
		invoiceReply(lock, inv.Bolt11, expiresAt, c.now()),
	}, nil
}

func (c *ConversationService) rollbackInvoice(ctx context.Context, invoiceID string) {
	if err := c.index.Remove(ctx, invoiceID); err != nil {
		c.logger.Warn("failed to remove index entry on rollback", zap.Error(err), util.InvoiceID(invoiceID))
	}
	c.locks.Release(invoiceID)
}

// Cancel clears the session. An unpaid invoice is not retracted at the
// provider; a late payment for it becomes unattributable.
func (c *ConversationService) Cancel(ctx context.Context, userID int64, messageID int) ([]models.Reply, error) {
	unlock := c.userLocks.LockUser(userID)
	defer unlock()

	sess, err := c.sessions.Get(ctx, userID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return []models.Reply{{Text: textNothingToCancel, Keyboard: mainMenuKeyboard(), EditMessageID: messageID}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if paymentInProgress(sess) {
		return []models.Reply{textReply(textPaymentInProgress)}, nil
	}

	if sess.HasInvoice() {
		c.logger.Warn("unpaid invoice abandoned by cancel",
			util.UserID(userID), util.InvoiceID(sess.InvoiceID), zap.String("order_ref", sess.OrderRef))
	}
	c.settlement.Teardown(ctx, sess, "cancelled")
	return []models.Reply{{Text: textCancelled, Keyboard: mainMenuKeyboard(), EditMessageID: messageID}}, nil
}

// ExchangeRate shows the display quote, flagged when stale or fallback.
func (c *ConversationService) ExchangeRate(ctx context.Context, userID int64, messageID int) ([]models.Reply, error) {
	q, err := c.quotes.Display()
	if err != nil {
		return []models.Reply{{Text: textRateUnavailable, Keyboard: backKeyboard(), EditMessageID: messageID}}, nil
	}
	return []models.Reply{exchangeRateReply(q, messageID)}, nil
}

// CopyInvoice resends the open invoice as plain text for wallets without
// deep-link support.
func (c *ConversationService) CopyInvoice(ctx context.Context, userID int64) ([]models.Reply, error) {
	sess, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess.Settlement != models.SettlementInvoiceIssued || !sess.HasInvoice() {
		return c.awaitingOrExpired(sess), nil
	}
	return []models.Reply{copyInvoiceReply(sess.LightningInvoice)}, nil
}

func (c *ConversationService) awaitingOrExpired(sess *models.Session) []models.Reply {
	if sess.State == models.StateAwaitingSettlement {
		return c.awaitingReply(sess)
	}
	return []models.Reply{{Text: textSessionExpired, Keyboard: mainMenuKeyboard()}}
}

func (c *ConversationService) awaitingReply(sess *models.Session) []models.Reply {
	if sess.Settlement == models.SettlementInvoiceIssued && sess.HasInvoice() {
		return []models.Reply{invoiceReply(sess.RateLock, sess.LightningInvoice, sess.InvoiceExpiresAt, c.now())}
	}
	return []models.Reply{textReply(textPaymentInProgress)}
}

// load returns the user's session, or a fresh idle one.
func (c *ConversationService) load(ctx context.Context, userID int64) (*models.Session, error) {
	sess, err := c.sessions.Get(ctx, userID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return models.NewSession(userID, c.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// abandonInvoice drops the index entry and lock of an unpaid invoice before
// the session is reused.
func (c *ConversationService) abandonInvoice(ctx context.Context, sess *models.Session) error {
	if sess.InvoiceID == "" {
		return nil
	}
	c.logger.Warn("unpaid invoice abandoned",
		util.UserID(sess.UserID), util.InvoiceID(sess.InvoiceID), zap.String("order_ref", sess.OrderRef))
	if err := c.index.Remove(ctx, sess.InvoiceID); err != nil {
		return fmt.Errorf("remove invoice index: %w", err)
	}
	c.locks.Release(sess.InvoiceID)
	return nil
}

// paymentInProgress is true once Lightning funds have been accepted.
func paymentInProgress(sess *models.Session) bool {
	return sess.Settlement == models.SettlementLightningConfirmed || sess.Settlement == models.SettlementPayoutRequested
}
