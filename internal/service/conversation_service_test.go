package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"rada-service/internal/models"
	"rada-service/internal/repository"
)

func TestConversationAirtimeFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.conversation

	replies, err := c.Start(ctx, testUser)
	if err != nil || len(replies) != 1 || len(replies[0].Keyboard) == 0 {
		t.Fatalf("Start = %+v, %v", replies, err)
	}

	replies, err = c.SelectService(ctx, testUser, models.ServiceAirtime, 77)
	if err != nil {
		t.Fatalf("SelectService: %v", err)
	}
	if replies[0].EditMessageID != 77 || !strings.Contains(replies[0].Text, "phone number") {
		t.Errorf("intro reply = %+v", replies[0])
	}
	assertState(t, h, models.StateServiceSelected)

	if _, err := c.HandleText(ctx, testUser, "0712 345 678"); err != nil {
		t.Fatalf("phone: %v", err)
	}
	assertState(t, h, models.StateAmountPending)

	replies, err = c.HandleText(ctx, testUser, "1,000")
	if err != nil {
		t.Fatalf("amount: %v", err)
	}
	assertState(t, h, models.StateConfirming)
	if !strings.Contains(replies[0].Text, "2,299 sats") {
		t.Errorf("confirmation should quote 2,299 sats: %s", replies[0].Text)
	}
	if got := replies[0].Keyboard[0][0].Data; got != CallbackConfirm {
		t.Errorf("first button = %q", got)
	}

	replies, err = c.Confirm(ctx, testUser, 88)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(replies) != 2 || replies[0].EditMessageID != 88 {
		t.Fatalf("confirm replies = %+v", replies)
	}
	invoice := replies[1]
	if !strings.Contains(invoice.Text, "lnbc2299n1test1") {
		t.Errorf("invoice reply missing bolt11: %s", invoice.Text)
	}
	wantURLs := []string{
		"bluewallet:lightning:lnbc2299n1test1", "phoenix:lightning:lnbc2299n1test1",
		"muun:lightning:lnbc2299n1test1", "zeus:lightning:lnbc2299n1test1",
		"lightning:lnbc2299n1test1",
	}
	var urls []string
	for _, row := range invoice.Keyboard {
		for _, b := range row {
			if b.URL != "" {
				urls = append(urls, b.URL)
			}
		}
	}
	if strings.Join(urls, " ") != strings.Join(wantURLs, " ") {
		t.Errorf("wallet button urls = %v", urls)
	}
	if len(invoice.Keyboard[0]) != 2 {
		t.Errorf("wallets should be laid out two per row: %+v", invoice.Keyboard)
	}
	last := invoice.Keyboard[len(invoice.Keyboard)-1]
	if last[0].Data != CallbackCopyInvoice || last[1].Data != CallbackCancel {
		t.Errorf("last row = %+v", last)
	}

	sess, err := h.sessions.Get(ctx, testUser)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != models.StateAwaitingSettlement || sess.Settlement != models.SettlementInvoiceIssued {
		t.Errorf("state = %s / %s", sess.State, sess.Settlement)
	}
	if sess.OrderRef == "" || sess.RateLock == nil || sess.RateLock.SatsAmount != 2299 {
		t.Errorf("session invoice data = %+v", sess)
	}
	if uid, err := h.index.Lookup(ctx, sess.InvoiceID); err != nil || uid != testUser {
		t.Errorf("index lookup = %d, %v", uid, err)
	}
	if lock, ok := h.locks.Get(sess.InvoiceID); !ok || lock.SatsAmount != 2299 {
		t.Errorf("lock = %+v, %v", lock, ok)
	}
	if n := len(h.events.ofType(EventInvoiceIssued)); n != 1 {
		t.Errorf("invoice_issued events = %d", n)
	}
}

func TestConversationPaybillCollectsFieldsInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.conversation

	if _, err := c.SelectService(ctx, testUser, models.ServicePaybill, 0); err != nil {
		t.Fatal(err)
	}
	replies, _ := c.HandleText(ctx, testUser, "888880")
	if !strings.Contains(replies[0].Text, "account number") {
		t.Errorf("after paybill prompt = %s", replies[0].Text)
	}
	assertState(t, h, models.StateCollectingField)

	replies, _ = c.HandleText(ctx, testUser, "ACC001")
	if !strings.Contains(replies[0].Text, "amount") {
		t.Errorf("after account prompt = %s", replies[0].Text)
	}
	assertState(t, h, models.StateAmountPending)

	if _, err := c.HandleText(ctx, testUser, "2500"); err != nil {
		t.Fatal(err)
	}
	sess, _ := h.sessions.Get(ctx, testUser)
	req := sess.PaymentRequest
	if req.PaybillNumber != "888880" || req.AccountNumber != "ACC001" || req.Amount.String() != "2500" {
		t.Errorf("request = %+v", req)
	}
	if req.PhoneNumber != "" || req.TillNumber != "" {
		t.Errorf("foreign fields populated: %+v", req)
	}
}

func TestConversationRejectsInvalidInputWithoutAdvancing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.conversation

	if _, err := c.SelectService(ctx, testUser, models.ServiceSendMoney, 0); err != nil {
		t.Fatal(err)
	}
	replies, err := c.HandleText(ctx, testUser, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(replies[0].Text, "valid Kenyan phone number") {
		t.Errorf("reply = %s", replies[0].Text)
	}
	assertState(t, h, models.StateServiceSelected)

	if _, err := c.HandleText(ctx, testUser, "+254112345678"); err != nil {
		t.Fatal(err)
	}
	replies, _ = c.HandleText(ctx, testUser, "5")
	if !strings.Contains(replies[0].Text, "Minimum amount is KES 10") {
		t.Errorf("below minimum reply = %s", replies[0].Text)
	}
	replies, _ = c.HandleText(ctx, testUser, "150001")
	if !strings.Contains(replies[0].Text, "Maximum amount is KES 150,000") {
		t.Errorf("above maximum reply = %s", replies[0].Text)
	}
	assertState(t, h, models.StateAmountPending)
}

func TestConfirmWithoutLiveRateStaysConfirming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.conversation

	_, _ = c.SelectService(ctx, testUser, models.ServiceGoods, 0)
	_, _ = c.HandleText(ctx, testUser, "123456")
	_, _ = c.HandleText(ctx, testUser, "500")
	h.quotes.fail()

	replies, err := c.Confirm(ctx, testUser, 5)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if replies[0].Text != textRateUnavailable {
		t.Errorf("reply = %s", replies[0].Text)
	}
	if h.invoices.count() != 0 {
		t.Error("invoice issued without a live rate")
	}
	assertState(t, h, models.StateConfirming)

	h.quotes.set("43500000", h.clock.Now())
	replies, err = c.RefreshQuote(ctx, testUser, 5)
	if err != nil || !strings.Contains(replies[0].Text, "You will spend") {
		t.Errorf("RefreshQuote = %+v, %v", replies, err)
	}
}

func TestConfirmInvoiceFailureLeavesNoArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.conversation

	_, _ = c.SelectService(ctx, testUser, models.ServiceAirtime, 0)
	_, _ = c.HandleText(ctx, testUser, "0712345678")
	_, _ = c.HandleText(ctx, testUser, "1000")
	h.invoices.err = errProvider

	replies, err := c.Confirm(ctx, testUser, 0)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if replies[0].Text != textInvoiceFailed {
		t.Errorf("reply = %s", replies[0].Text)
	}
	assertState(t, h, models.StateConfirming)
	if h.index.Len() != 0 || h.locks.Len() != 0 {
		t.Errorf("index=%d locks=%d after failed issuance", h.index.Len(), h.locks.Len())
	}
}

func TestDoubleConfirmResendsSameInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.issueAirtimeInvoice(t, testUser)

	replies, err := h.conversation.Confirm(ctx, testUser, 0)
	if err != nil {
		t.Fatalf("second Confirm: %v", err)
	}
	if h.invoices.count() != 1 {
		t.Errorf("invoices issued = %d, want 1", h.invoices.count())
	}
	if !strings.Contains(replies[0].Text, sess.LightningInvoice) {
		t.Errorf("second confirm should resend invoice: %s", replies[0].Text)
	}
}

func TestCancelClearsSessionIndexAndLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.issueAirtimeInvoice(t, testUser)

	replies, err := h.conversation.Cancel(ctx, testUser, 9)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if replies[0].Text != textCancelled {
		t.Errorf("reply = %s", replies[0].Text)
	}
	if _, err := h.sessions.Get(ctx, testUser); !errors.Is(err, repository.ErrSessionNotFound) {
		t.Errorf("session after cancel: %v", err)
	}
	if _, err := h.index.Lookup(ctx, sess.InvoiceID); !errors.Is(err, repository.ErrInvoiceNotIndexed) {
		t.Errorf("index after cancel: %v", err)
	}
	if h.locks.Len() != 0 {
		t.Errorf("locks after cancel = %d", h.locks.Len())
	}

	replies, _ = h.conversation.Cancel(ctx, testUser, 0)
	if replies[0].Text != textNothingToCancel {
		t.Errorf("second cancel = %s", replies[0].Text)
	}
}

func TestCancelRefusedWhilePayoutInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.issueAirtimeInvoice(t, testUser)
	if _, err := h.settlement.HandleLightningEvent(ctx, h.paid(sess.InvoiceID, 2299)); err != nil {
		t.Fatal(err)
	}

	replies, err := h.conversation.Cancel(ctx, testUser, 0)
	if err != nil {
		t.Fatal(err)
	}
	if replies[0].Text != textPaymentInProgress {
		t.Errorf("reply = %s", replies[0].Text)
	}
	got, _ := h.sessions.Get(ctx, testUser)
	if got == nil || got.Settlement != models.SettlementPayoutRequested {
		t.Errorf("session changed by refused cancel: %+v", got)
	}
}

func TestSelectServiceAbandonsUnpaidInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.issueAirtimeInvoice(t, testUser)

	if _, err := h.conversation.SelectService(ctx, testUser, models.ServicePochi, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.index.Lookup(ctx, sess.InvoiceID); !errors.Is(err, repository.ErrInvoiceNotIndexed) {
		t.Errorf("old invoice still indexed: %v", err)
	}
	got, _ := h.sessions.Get(ctx, testUser)
	if got.InvoiceID != "" || got.RateLock != nil || got.CurrentService != models.ServicePochi {
		t.Errorf("session = %+v", got)
	}
}

func TestHandlePhotoForQRScan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.conversation.SelectService(ctx, testUser, models.ServiceQRScan, 0)
	replies, err := h.conversation.HandlePhoto(ctx, testUser)
	if err != nil {
		t.Fatal(err)
	}
	if replies[0].Text != textQRDecodeUnavailable {
		t.Errorf("reply = %s", replies[0].Text)
	}
	assertState(t, h, models.StateServiceSelected)
}

func TestExchangeRateFlagsFallback(t *testing.T) {
	h := newHarness(t)
	h.quotes.fail()

	replies, err := h.conversation.ExchangeRate(context.Background(), testUser, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(replies[0].Text, "indicative rate") {
		t.Errorf("fallback quote not flagged: %s", replies[0].Text)
	}
}

func assertState(t *testing.T, h *harness, want models.ConversationState) {
	t.Helper()
	sess, err := h.sessions.Get(context.Background(), testUser)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != want {
		t.Fatalf("state = %s, want %s", sess.State, want)
	}
}

func TestCopyInvoiceResendsOpenInvoice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	replies, err := h.conversation.CopyInvoice(ctx, testUser)
	if err != nil {
		t.Fatalf("CopyInvoice without session: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != textSessionExpired {
		t.Errorf("replies without invoice = %+v", replies)
	}

	sess := h.issueAirtimeInvoice(t, testUser)
	replies, err = h.conversation.CopyInvoice(ctx, testUser)
	if err != nil {
		t.Fatalf("CopyInvoice: %v", err)
	}
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "<code>"+sess.LightningInvoice+"</code>") {
		t.Errorf("replies = %+v", replies)
	}

	if _, err := h.settlement.HandleLightningEvent(ctx, h.paid(sess.InvoiceID, 2299)); err != nil {
		t.Fatalf("HandleLightningEvent: %v", err)
	}
	// Once paid the invoice is no longer offered.
	replies, err = h.conversation.CopyInvoice(ctx, testUser)
	if err != nil {
		t.Fatalf("CopyInvoice after payment: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != textPaymentInProgress {
		t.Errorf("paid invoice offered again: %+v", replies)
	}
}
