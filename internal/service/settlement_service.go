package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"go.uber.org/zap"

	"rada-service/internal/bucketing"
	"rada-service/internal/metrics"
	"rada-service/internal/models"
	"rada-service/internal/rate"
	"rada-service/internal/repository"
	"rada-service/internal/util"
)

// AckAction tells the webhook caller what a delivery did.
type AckAction string

const (
	AckProcessed              AckAction = "processed"
	AckIgnoredDuplicate       AckAction = "ignored_duplicate"
	AckIgnoredStale           AckAction = "ignored_stale"
	AckIgnoredSessionNotFound AckAction = "ignored_session_not_found"
)

// Ack is the result of one webhook delivery. Every Ack maps to HTTP 200.
type Ack struct {
	Action    AckAction              `json:"action"`
	InvoiceID string                 `json:"invoiceId"`
	State     models.SettlementState `json:"state,omitempty"`
}

// Attribution-risk reasons.
const (
	riskInvoiceNotIndexed = "invoice_not_indexed"
	riskSessionNotFound   = "session_not_found"
	riskSessionExpired    = "session_expired"
)

const defaultPayoutTimeout = 30 * time.Second

// SettlementService drives a session from InvoiceIssued to a terminal state
// from provider webhooks. All mutations of one user's session run under that
// user's keyed lock; the payout call itself runs outside it, after
// PayoutRequested is persisted.
type SettlementService struct {
	sessions      repository.SessionStore
	index         repository.CorrelationIndex
	locks         RateLocker
	payouts       PayoutExecutor
	notifier      *Notifier
	events        EventPublisher
	userLocks     *bucketing.KeyedMutex
	logger        *zap.Logger
	now           func() time.Time
	payoutTimeout time.Duration
}

type SettlementOption func(*SettlementService)

func WithSettlementClock(now func() time.Time) SettlementOption {
	return func(s *SettlementService) { s.now = now }
}

func WithPayoutTimeout(d time.Duration) SettlementOption {
	return func(s *SettlementService) {
		if d > 0 {
			s.payoutTimeout = d
		}
	}
}

func NewSettlementService(
	sessions repository.SessionStore,
	index repository.CorrelationIndex,
	locks RateLocker,
	payouts PayoutExecutor,
	notifier *Notifier,
	events EventPublisher,
	userLocks *bucketing.KeyedMutex,
	logger *zap.Logger,
	opts ...SettlementOption,
) *SettlementService {
	s := &SettlementService{
		sessions:      sessions,
		index:         index,
		locks:         locks,
		payouts:       payouts,
		notifier:      notifier,
		events:        events,
		userLocks:     userLocks,
		logger:        logger,
		now:           time.Now,
		payoutTimeout: defaultPayoutTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleLightningEvent applies a verified Lightning webhook. A paid event
// consumes the rate lock and triggers exactly one payout per invoice.
func (s *SettlementService) HandleLightningEvent(ctx context.Context, ev *models.LightningWebhook) (Ack, error) {
	userID, found, err := s.resolve(ctx, ev.InvoiceID)
	if err != nil {
		return Ack{}, err
	}
	if !found {
		if ev.Status == models.LightningPaid {
			s.attributionRisk(nil, ev.InvoiceID, ev.AmountSats, riskInvoiceNotIndexed)
		} else {
			s.logger.Info("lightning event for unknown invoice",
				util.InvoiceID(ev.InvoiceID), zap.String("status", string(ev.Status)))
		}
		return Ack{Action: AckIgnoredSessionNotFound, InvoiceID: ev.InvoiceID}, nil
	}

	if ev.Status != models.LightningPaid {
		return s.closeInvoice(ctx, userID, ev)
	}

	instr, ack, err := s.acceptPayment(ctx, userID, ev)
	if err != nil || instr == nil {
		return ack, err
	}
	s.executePayout(ctx, userID, *instr)
	return ack, nil
}

// acceptPayment validates a paid event and persists PayoutRequested. It
// returns the instruction to execute, or nil when no payout must happen.
func (s *SettlementService) acceptPayment(ctx context.Context, userID int64, ev *models.LightningWebhook) (*models.PayoutInstruction, Ack, error) {
	unlock := s.userLocks.LockUser(userID)
	defer unlock()

	sess, err := s.liveSession(ctx, userID, ev.InvoiceID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		s.attributionRisk(nil, ev.InvoiceID, ev.AmountSats, riskSessionNotFound)
		return nil, Ack{Action: AckIgnoredSessionNotFound, InvoiceID: ev.InvoiceID}, nil
	}
	if err != nil {
		return nil, Ack{}, err
	}
	if sess.Settlement != models.SettlementInvoiceIssued {
		s.logger.Info("duplicate lightning paid event",
			util.InvoiceID(ev.InvoiceID), util.UserID(userID),
			zap.String("state", string(sess.Settlement)))
		return nil, Ack{Action: AckIgnoredDuplicate, InvoiceID: ev.InvoiceID, State: sess.Settlement}, nil
	}

	now := s.now()
	lock, err := s.locks.Consume(ev.InvoiceID)
	switch {
	case err == nil:
	case errors.Is(err, rate.ErrRateLockNotFound) && sess.RateLock != nil && sess.RateLock.ValidAt(now):
		// Lock table lost (process restart); the session holds the same frozen lock.
		s.logger.Warn("rate lock missing from manager, using session copy", util.InvoiceID(ev.InvoiceID))
		lock = sess.RateLock.Clone()
	default:
		ack, ferr := s.failPaid(ctx, sess, ev, models.ReasonRateLockExpired)
		return nil, ack, ferr
	}

	if ev.AmountSats < lock.SatsAmount {
		s.logger.Warn("lightning payment below invoiced amount",
			util.InvoiceID(ev.InvoiceID),
			zap.Int64("paid_sats", int64(ev.AmountSats)),
			zap.Int64("invoiced_sats", int64(lock.SatsAmount)))
		ack, ferr := s.failPaid(ctx, sess, ev, models.ReasonAmountMismatch)
		return nil, ack, ferr
	}
	if ev.AmountSats > lock.SatsAmount {
		s.logger.Warn("lightning payment above invoiced amount",
			util.InvoiceID(ev.InvoiceID),
			zap.Int64("paid_sats", int64(ev.AmountSats)),
			zap.Int64("invoiced_sats", int64(lock.SatsAmount)))
	}

	updated, err := s.patchSettlement(ctx, userID, ev.InvoiceID, models.SettlementInvoiceIssued, func(cur *models.Session) error {
		cur.Settlement = models.SettlementPayoutRequested
		return cur.RecordOutcome(models.SettlementOutcome{Kind: models.OutcomePaidAwaitingPayout, At: now})
	})
	if err != nil {
		ack, herr := s.patchFailureAck(ev.InvoiceID, err)
		return nil, ack, herr
	}

	s.record(models.SettlementLightningConfirmed, updated, "")
	s.record(models.SettlementPayoutRequested, updated, "")
	s.logger.Info("lightning payment confirmed, requesting payout",
		util.InvoiceID(ev.InvoiceID), util.UserID(userID),
		zap.String("order_ref", updated.OrderRef),
		zap.Int64("sats", int64(lock.SatsAmount)),
		zap.String("kes", lock.KshAmount.StringFixed(2)))

	instr := models.NewPayoutInstruction(updated.PaymentRequest, lock, updated.OrderRef)
	return &instr, Ack{Action: AckProcessed, InvoiceID: ev.InvoiceID, State: updated.Settlement}, nil
}

// failPaid records PayoutFailed for a paid invoice that must not be paid out.
func (s *SettlementService) failPaid(ctx context.Context, sess *models.Session, ev *models.LightningWebhook, reason string) (Ack, error) {
	now := s.now()
	updated, err := s.patchSettlement(ctx, sess.UserID, ev.InvoiceID, models.SettlementInvoiceIssued, func(cur *models.Session) error {
		cur.Settlement = models.SettlementPayoutFailed
		return cur.RecordOutcome(models.SettlementOutcome{Kind: models.OutcomePayoutFailed, Reason: reason, At: now})
	})
	if err != nil {
		return s.patchFailureAck(ev.InvoiceID, err)
	}

	s.attributionRisk(updated, ev.InvoiceID, ev.AmountSats, reason)
	s.record(models.SettlementPayoutFailed, updated, reason)
	s.notifyFailure(updated, reason)
	s.Teardown(ctx, updated, reason)
	return Ack{Action: AckProcessed, InvoiceID: ev.InvoiceID, State: updated.Settlement}, nil
}

// executePayout calls the provider outside the user lock and applies the
// synchronous result.
func (s *SettlementService) executePayout(ctx context.Context, userID int64, instr models.PayoutInstruction) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.payoutTimeout)
	receipt, payoutErr := s.payouts.ExecutePayout(callCtx, instr)
	cancel()

	unlock := s.userLocks.LockUser(userID)
	defer unlock()

	storeCtx := context.WithoutCancel(ctx)
	if payoutErr != nil && payoutOutcomeUnknown(payoutErr) {
		// The provider may still complete the payout; its webhook settles the session.
		metrics.PayoutRequests.WithLabelValues("timeout").Inc()
		s.logger.Error("payout request timed out, awaiting provider webhook",
			zap.Error(payoutErr),
			util.InvoiceID(instr.InvoiceID), util.UserID(userID),
			zap.String("order_ref", instr.Reference),
			zap.String("kes", instr.AmountKes.StringFixed(2)))
		return
	}
	if payoutErr != nil {
		metrics.PayoutRequests.WithLabelValues("error").Inc()
		s.logger.Error("payout request failed after lightning payment",
			zap.Error(fmt.Errorf("%w: %v", ErrPayoutExecutionFailed, payoutErr)),
			util.InvoiceID(instr.InvoiceID), util.UserID(userID),
			zap.String("order_ref", instr.Reference),
			zap.String("kes", instr.AmountKes.StringFixed(2)))

		now := s.now()
		updated, err := s.patchSettlement(storeCtx, userID, instr.InvoiceID, models.SettlementPayoutRequested, func(cur *models.Session) error {
			cur.Settlement = models.SettlementPayoutFailed
			return cur.RecordOutcome(models.SettlementOutcome{
				Kind: models.OutcomePayoutFailed, Reason: models.ReasonPayoutRejected, At: now,
			})
		})
		if err != nil {
			s.logger.Warn("payout failure not recorded", zap.Error(err), util.InvoiceID(instr.InvoiceID))
			return
		}
		s.record(models.SettlementPayoutFailed, updated, models.ReasonPayoutRejected)
		s.notifyFailure(updated, models.ReasonPayoutRejected)
		s.Teardown(storeCtx, updated, models.ReasonPayoutRejected)
		return
	}

	metrics.PayoutRequests.WithLabelValues("accepted").Inc()
	_, err := s.patchSettlement(storeCtx, userID, instr.InvoiceID, models.SettlementPayoutRequested, func(cur *models.Session) error {
		cur.PayoutTransactionID = receipt.TransactionID
		return nil
	})
	if err != nil {
		// The payout webhook can land before the synchronous response.
		s.logger.Debug("payout receipt not recorded", zap.Error(err), util.InvoiceID(instr.InvoiceID))
		return
	}
	s.logger.Info("payout accepted by provider",
		util.InvoiceID(instr.InvoiceID), util.UserID(userID),
		zap.String("transaction_id", receipt.TransactionID))
}

// payoutOutcomeUnknown reports whether a payout call ended without an answer
// from the provider.
func payoutOutcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// closeInvoice handles expired and failed Lightning events.
func (s *SettlementService) closeInvoice(ctx context.Context, userID int64, ev *models.LightningWebhook) (Ack, error) {
	unlock := s.userLocks.LockUser(userID)
	defer unlock()

	sess, err := s.liveSession(ctx, userID, ev.InvoiceID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return Ack{Action: AckIgnoredSessionNotFound, InvoiceID: ev.InvoiceID}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	if sess.Settlement != models.SettlementInvoiceIssued {
		s.logger.Info("stale lightning event",
			util.InvoiceID(ev.InvoiceID),
			zap.String("status", string(ev.Status)),
			zap.String("state", string(sess.Settlement)))
		return Ack{Action: AckIgnoredStale, InvoiceID: ev.InvoiceID, State: sess.Settlement}, nil
	}

	state, kind, text := models.SettlementLightningExpired, models.OutcomeLightningExpired, textLightningExpired
	if ev.Status == models.LightningFailed {
		state, kind, text = models.SettlementLightningFailed, models.OutcomeLightningFailed, textLightningFailed
	}

	now := s.now()
	updated, err := s.patchSettlement(ctx, userID, ev.InvoiceID, models.SettlementInvoiceIssued, func(cur *models.Session) error {
		cur.Settlement = state
		return cur.RecordOutcome(models.SettlementOutcome{Kind: kind, Reason: ev.Error, At: now})
	})
	if err != nil {
		return s.patchFailureAck(ev.InvoiceID, err)
	}

	s.record(state, updated, ev.Error)
	s.notifier.Notify(userID, models.Reply{Text: text, Keyboard: mainMenuKeyboard()})
	s.Teardown(ctx, updated, string(state))
	return Ack{Action: AckProcessed, InvoiceID: ev.InvoiceID, State: state}, nil
}

// HandlePayoutEvent applies a verified payout webhook to a session in
// PayoutRequested.
func (s *SettlementService) HandlePayoutEvent(ctx context.Context, ev *models.PayoutWebhook) (Ack, error) {
	userID, found, err := s.resolve(ctx, ev.InvoiceID)
	if err != nil {
		return Ack{}, err
	}
	if !found {
		s.logger.Warn("payout event for unknown invoice",
			util.InvoiceID(ev.InvoiceID),
			zap.String("status", string(ev.Status)),
			zap.String("transaction_id", ev.TransactionID))
		return Ack{Action: AckIgnoredSessionNotFound, InvoiceID: ev.InvoiceID}, nil
	}

	unlock := s.userLocks.LockUser(userID)
	defer unlock()

	sess, err := s.liveSession(ctx, userID, ev.InvoiceID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return Ack{Action: AckIgnoredSessionNotFound, InvoiceID: ev.InvoiceID}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	switch {
	case sess.Settlement.Terminal():
		return Ack{Action: AckIgnoredDuplicate, InvoiceID: ev.InvoiceID, State: sess.Settlement}, nil
	case sess.Settlement != models.SettlementPayoutRequested:
		s.logger.Warn("payout event before payout was requested",
			util.InvoiceID(ev.InvoiceID), zap.String("state", string(sess.Settlement)))
		return Ack{Action: AckIgnoredStale, InvoiceID: ev.InvoiceID, State: sess.Settlement}, nil
	}

	if sess.PayoutTransactionID != "" && ev.TransactionID != "" && sess.PayoutTransactionID != ev.TransactionID {
		s.logger.Warn("payout event transaction id differs from receipt",
			util.InvoiceID(ev.InvoiceID),
			zap.String("receipt_transaction_id", sess.PayoutTransactionID),
			zap.String("event_transaction_id", ev.TransactionID))
	}

	now := s.now()
	if ev.Status == models.PayoutFailed {
		updated, err := s.patchSettlement(ctx, userID, ev.InvoiceID, models.SettlementPayoutRequested, func(cur *models.Session) error {
			cur.Settlement = models.SettlementPayoutFailed
			return cur.RecordOutcome(models.SettlementOutcome{
				Kind: models.OutcomePayoutFailed, Reason: models.ReasonProviderReported,
				TransactionID: ev.TransactionID, At: now,
			})
		})
		if err != nil {
			return s.patchFailureAck(ev.InvoiceID, err)
		}
		s.logger.Error("provider reported payout failure",
			util.InvoiceID(ev.InvoiceID), util.UserID(userID),
			zap.String("order_ref", updated.OrderRef),
			zap.String("provider_error", ev.Error))
		s.record(models.SettlementPayoutFailed, updated, models.ReasonProviderReported)
		s.notifyFailure(updated, models.ReasonProviderReported)
		s.Teardown(ctx, updated, models.ReasonProviderReported)
		return Ack{Action: AckProcessed, InvoiceID: ev.InvoiceID, State: updated.Settlement}, nil
	}

	updated, err := s.patchSettlement(ctx, userID, ev.InvoiceID, models.SettlementPayoutRequested, func(cur *models.Session) error {
		cur.Settlement = models.SettlementPayoutConfirmed
		if ev.TransactionID != "" {
			cur.PayoutTransactionID = ev.TransactionID
		}
		return cur.RecordOutcome(models.SettlementOutcome{
			Kind:          models.OutcomePayoutSucceeded,
			TransactionID: cur.PayoutTransactionID,
			MpesaReceipt:  ev.MpesaReceiptNumber,
			At:            now,
		})
	})
	if err != nil {
		return s.patchFailureAck(ev.InvoiceID, err)
	}

	if lock := updated.RateLock; lock != nil && !ev.AmountKes.IsZero() && !ev.AmountKes.Equal(lock.KshAmount) {
		s.logger.Warn("payout amount differs from locked amount",
			util.InvoiceID(ev.InvoiceID),
			zap.String("locked_kes", lock.KshAmount.StringFixed(2)),
			zap.String("paid_kes", ev.AmountKes.StringFixed(2)))
	}

	s.record(models.SettlementPayoutConfirmed, updated, "")
	reference := ev.MpesaReceiptNumber
	if reference == "" {
		reference = updated.PayoutTransactionID
	}
	if updated.RateLock != nil && updated.PaymentRequest != nil {
		s.notifier.Notify(userID, models.Reply{
			Text:     paymentSuccessText(updated.RateLock.KshAmount, updated.PaymentRequest.Recipient(), reference),
			Keyboard: backKeyboard(),
		})
	}
	s.Teardown(ctx, updated, string(models.SettlementPayoutConfirmed))
	return Ack{Action: AckProcessed, InvoiceID: ev.InvoiceID, State: updated.Settlement}, nil
}

// Teardown removes the session, its correlation-index entry and its rate lock.
// Callers hold the user's lock.
func (s *SettlementService) Teardown(ctx context.Context, sess *models.Session, reason string) {
	if err := s.sessions.Delete(ctx, sess.UserID); err != nil {
		s.logger.Warn("failed to delete session", zap.Error(err), util.UserID(sess.UserID))
	}
	s.releaseInvoice(ctx, sess)
	s.logger.Info("session torn down",
		util.UserID(sess.UserID),
		util.InvoiceID(sess.InvoiceID),
		zap.String("reason", reason))
}

// ReleaseExpired cleans up after a session the sweeper already evicted.
func (s *SettlementService) ReleaseExpired(ctx context.Context, sess *models.Session) {
	s.releaseInvoice(ctx, sess)
	switch {
	case sess.Settlement == models.SettlementInvoiceIssued:
		s.logger.Warn("session expired with unpaid invoice outstanding",
			util.UserID(sess.UserID), util.InvoiceID(sess.InvoiceID))
		metrics.AttributionRisk.WithLabelValues(riskSessionExpired).Inc()
	case sess.Settlement.InFlight():
		s.attributionRisk(sess, sess.InvoiceID, 0, riskSessionExpired)
	}
}

func (s *SettlementService) releaseInvoice(ctx context.Context, sess *models.Session) {
	if sess.InvoiceID == "" {
		return
	}
	if err := s.index.Remove(ctx, sess.InvoiceID); err != nil {
		s.logger.Warn("failed to remove invoice index entry", zap.Error(err), util.InvoiceID(sess.InvoiceID))
	}
	s.locks.Release(sess.InvoiceID)
}

// resolve maps an invoice to its user through the correlation index.
func (s *SettlementService) resolve(ctx context.Context, invoiceID string) (int64, bool, error) {
	userID, err := s.index.Lookup(ctx, invoiceID)
	if errors.Is(err, repository.ErrInvoiceNotIndexed) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup invoice %s: %w", invoiceID, err)
	}
	return userID, true, nil
}

// liveSession loads the user's session and checks it still owns invoiceID.
// A stale index entry is removed and reported as ErrSessionNotFound.
func (s *SettlementService) liveSession(ctx context.Context, userID int64, invoiceID string) (*models.Session, error) {
	sess, err := s.sessions.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			_ = s.index.Remove(ctx, invoiceID)
		}
		return nil, err
	}
	if sess.InvoiceID != invoiceID {
		s.logger.Warn("index entry points at a session that moved on",
			util.InvoiceID(invoiceID), util.UserID(userID),
			zap.String("session_invoice_id", sess.InvoiceID))
		_ = s.index.Remove(ctx, invoiceID)
		return nil, repository.ErrSessionNotFound
	}
	return sess, nil
}

// patchSettlement applies mutate only if the session still owns invoiceID
// and is in the expected state.
func (s *SettlementService) patchSettlement(ctx context.Context, userID int64, invoiceID string, from models.SettlementState, mutate func(*models.Session) error) (*models.Session, error) {
	return s.sessions.Patch(ctx, userID, func(cur *models.Session) error {
		if cur.InvoiceID != invoiceID || cur.Settlement != from {
			return errStaleSession
		}
		return mutate(cur)
	})
}

func (s *SettlementService) patchFailureAck(invoiceID string, err error) (Ack, error) {
	switch {
	case errors.Is(err, errStaleSession), errors.Is(err, models.ErrOutcomeFinal):
		return Ack{Action: AckIgnoredDuplicate, InvoiceID: invoiceID}, nil
	case errors.Is(err, repository.ErrSessionNotFound):
		return Ack{Action: AckIgnoredSessionNotFound, InvoiceID: invoiceID}, nil
	}
	return Ack{}, fmt.Errorf("update session for invoice %s: %w", invoiceID, err)
}

func (s *SettlementService) record(state models.SettlementState, sess *models.Session, reason string) {
	metrics.SettlementTransitions.WithLabelValues(string(state)).Inc()
	ev := newEvent(string(state), sess, s.now())
	ev.State = string(state)
	ev.Reason = reason
	ev.TransactionID = sess.PayoutTransactionID
	s.events.Publish(ev)
}

func (s *SettlementService) attributionRisk(sess *models.Session, invoiceID string, sats btcutil.Amount, reason string) {
	metrics.AttributionRisk.WithLabelValues(reason).Inc()
	fields := []zap.Field{util.InvoiceID(invoiceID), zap.String("reason", reason), zap.Int64("sats", int64(sats))}
	if sess != nil {
		fields = append(fields, util.UserID(sess.UserID), zap.String("order_ref", sess.OrderRef))
	}
	s.logger.Error("lightning funds received without a payable order", fields...)

	ev := newEvent(EventAttributionRisk, sess, s.now())
	ev.InvoiceID = invoiceID
	ev.Reason = reason
	ev.AttributionRisk = true
	if sats > 0 {
		ev.AmountSats = sats
	}
	s.events.Publish(ev)
}

func (s *SettlementService) notifyFailure(sess *models.Session, reason string) {
	s.notifier.Notify(sess.UserID, models.Reply{
		Text:     paymentFailedText(failureReasonText(reason), sess.OrderRef),
		Keyboard: backKeyboard(),
	})
}
