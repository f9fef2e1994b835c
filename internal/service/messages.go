package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"rada-service/internal/models"
	"rada-service/internal/rate"
	"rada-service/internal/util"
)

// Callback data sent by inline keyboard buttons.
const (
	CallbackServicePrefix = "service_"
	CallbackConfirm       = "confirm_payment"
	CallbackRefreshRate   = "refresh_rate"
	CallbackCancel        = "cancel"
	CallbackMainMenu      = "main_menu"
	CallbackHelp          = "help"
	CallbackExchangeRate  = "exchange_rate"
	CallbackCopyInvoice   = "copy_invoice"
)

// lightningWallets get a deep-link button under each invoice, two per row.
var lightningWallets = []struct {
	name   string
	icon   string
	scheme string
}{
	{"BlueWallet", "🔵", "bluewallet:lightning:"},
	{"Phoenix", "🔥", "phoenix:lightning:"},
	{"Muun", "🌙", "muun:lightning:"},
	{"Zeus", "⚡", "zeus:lightning:"},
}

var serviceIcons = map[models.ServiceType]string{
	models.ServiceAirtime:   "📱",
	models.ServicePaybill:   "🏢",
	models.ServiceGoods:     "🛒",
	models.ServiceSendMoney: "💸",
	models.ServicePochi:     "💰",
	models.ServiceQRScan:    "📷",
}

const welcomeText = `🚀 <b>Welcome to Rada!</b>

Pay M-Pesa with Bitcoin Lightning.

<b>How it works:</b>
1️⃣ Choose a service
2️⃣ Enter payment details
3️⃣ Pay the Lightning invoice
4️⃣ M-Pesa payment is sent

Choose a service below 👇`

const helpText = `ℹ️ <b>Rada Help</b>

<b>Services:</b>
📱 Buy Airtime
🏢 Paybill
🛒 Buy Goods
💸 Send Money
💰 Lipa na Pochi
📷 Scan QR

<b>Steps:</b>
1. Select a service from the menu
2. Follow the prompts
3. Confirm the payment at the locked rate
4. Pay the Lightning invoice from any Lightning wallet

<b>Commands:</b> /start /menu /rate /cancel /help`

const (
	textMenu                = "🏠 <b>Main menu</b>\n\nChoose a service 👇"
	textServiceUnavailable  = "⚠️ Service temporarily unavailable. Please try again later."
	textRateUnavailable     = "⚠️ The exchange rate is temporarily unavailable. Tap <b>Refresh Rate</b> to try again."
	textInvoiceFailed       = "❌ We could not create a Lightning invoice. Please try again."
	textSessionExpired      = "⏰ Your session has expired. Please start again."
	textRateLimited         = "🐢 You're sending messages too fast. Please wait a moment."
	textCancelled           = "❌ Payment cancelled."
	textNothingToCancel     = "Nothing to cancel."
	textPaymentInProgress   = "⏳ Your Lightning payment was received and the M-Pesa payout is in progress. You'll be notified when it completes."
	textConfirmOrCancel     = "Please tap <b>Confirm</b> to continue or <b>Cancel</b> to start over."
	textSelectService       = "Please choose a service from the menu first."
	textQRDecodeUnavailable = "📷 QR images can't be read yet. Please paste the QR code text instead."
	textInvoiceGenerated    = "✅ Invoice generated. Pay it below to complete the payment."
	textLightningExpired    = "⏰ The Lightning invoice expired before it was paid. No funds were taken. Please start again."
	textLightningFailed     = "❌ The Lightning payment failed. No funds were taken. Please start again."
)

var fieldPrompts = map[models.Field]string{
	models.FieldPhoneNumber:   "📱 <b>Enter phone number</b>\n\nFormat: 0712345678 or +254712345678",
	models.FieldPaybillNumber: "🏢 <b>Enter paybill number</b>\n\nFormat: 5-7 digits, e.g. 123456",
	models.FieldAccountNumber: "📋 <b>Enter account number</b>\n\nUsually your name or account reference, e.g. ACC001",
	models.FieldTillNumber:    "🛒 <b>Enter till number</b>\n\nFormat: 5-7 digits, e.g. 123456",
	models.FieldQRData:        "📷 <b>Enter QR data</b>\n\nPaste the text encoded in the merchant's QR code.",
}

func mainMenuKeyboard() [][]models.Button {
	rows := make([][]models.Button, 0, len(models.Services)/2+2)
	for i := 0; i < len(models.Services); i += 2 {
		row := []models.Button{serviceButton(models.Services[i])}
		if i+1 < len(models.Services) {
			row = append(row, serviceButton(models.Services[i+1]))
		}
		rows = append(rows, row)
	}
	rows = append(rows, []models.Button{
		{Text: "📊 Exchange Rate", Data: CallbackExchangeRate},
		{Text: "ℹ️ Help", Data: CallbackHelp},
	})
	return rows
}

func serviceButton(s models.ServiceType) models.Button {
	return models.Button{Text: serviceIcons[s] + " " + s.Label(), Data: CallbackServicePrefix + string(s)}
}

func backKeyboard() [][]models.Button {
	return [][]models.Button{{{Text: "🏠 Main Menu", Data: CallbackMainMenu}}}
}

func cancelKeyboard() [][]models.Button {
	return [][]models.Button{{{Text: "❌ Cancel", Data: CallbackCancel}}}
}

func confirmKeyboard() [][]models.Button {
	return [][]models.Button{
		{{Text: "✅ Confirm", Data: CallbackConfirm}, {Text: "🔄 Refresh Rate", Data: CallbackRefreshRate}},
		{{Text: "❌ Cancel", Data: CallbackCancel}},
	}
}

func invoiceKeyboard(bolt11 string) [][]models.Button {
	var rows [][]models.Button
	for i := 0; i < len(lightningWallets); i += 2 {
		var row []models.Button
		for _, w := range lightningWallets[i:min(i+2, len(lightningWallets))] {
			row = append(row, models.Button{Text: w.icon + " " + w.name, URL: w.scheme + bolt11})
		}
		rows = append(rows, row)
	}
	return append(rows,
		[]models.Button{{Text: "⚡ Other Wallet", URL: "lightning:" + bolt11}},
		[]models.Button{{Text: "📋 Copy Invoice", Data: CallbackCopyInvoice}, {Text: "❌ Cancel", Data: CallbackCancel}},
	)
}

func copyInvoiceReply(bolt11 string) models.Reply {
	return models.Reply{Text: "📋 <code>" + bolt11 + "</code>\n\nPaste into any Lightning wallet."}
}

func welcomeReply() models.Reply {
	return models.Reply{Text: welcomeText, Keyboard: mainMenuKeyboard()}
}

func menuReply(editID int) models.Reply {
	return models.Reply{Text: textMenu, Keyboard: mainMenuKeyboard(), EditMessageID: editID}
}

func helpReply() models.Reply {
	return models.Reply{Text: helpText, Keyboard: backKeyboard()}
}

func textReply(text string) models.Reply {
	return models.Reply{Text: text}
}

// FailureReply is sent when an update could not be handled at all.
func FailureReply() models.Reply {
	return models.Reply{Text: textServiceUnavailable, Keyboard: backKeyboard()}
}

func serviceIntroReply(s models.ServiceType, first models.Field, limits Limits, editID int) models.Reply {
	text := fmt.Sprintf("%s <b>%s</b>\n\n%s", serviceIcons[s], s.Label(), promptText(first, limits))
	return models.Reply{Text: text, Keyboard: cancelKeyboard(), EditMessageID: editID}
}

func promptReply(f models.Field, limits Limits) models.Reply {
	return models.Reply{Text: promptText(f, limits), Keyboard: cancelKeyboard()}
}

func promptText(f models.Field, limits Limits) string {
	if f == models.FieldAmount {
		return fmt.Sprintf("💰 <b>Enter amount in KES</b>\n\nMinimum: %s\nMaximum: %s\nExample: 1000",
			formatKES(limits.Min), formatKES(limits.Max))
	}
	return fieldPrompts[f]
}

func invalidInputReply(verr *ValidationError, limits Limits) models.Reply {
	text := "❌ " + util.SanitizeInput(verr.Message) + "\n\n" + promptText(verr.Field, limits)
	return models.Reply{Text: text, Keyboard: cancelKeyboard()}
}

func confirmationReply(req *models.PaymentRequest, sats btcutil.Amount, q rate.Quote, editID int) models.Reply {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>Confirm %s</b>\n\n", serviceIcons[req.Service], req.Service.Label())
	switch req.Service {
	case models.ServicePaybill:
		fmt.Fprintf(&b, "<b>Paybill:</b> %s\n<b>Account:</b> %s\n", req.PaybillNumber, util.SanitizeInput(req.AccountNumber))
	case models.ServiceGoods:
		fmt.Fprintf(&b, "<b>Till:</b> %s\n", req.TillNumber)
	case models.ServiceQRScan:
		fmt.Fprintf(&b, "<b>QR:</b> <code>%s</code>\n", util.SanitizeInput(truncate(req.QRData, 48)))
	case models.ServiceSendMoney:
		fmt.Fprintf(&b, "<b>Recipient:</b> %s\n", req.PhoneNumber)
	default:
		fmt.Fprintf(&b, "<b>Phone:</b> %s\n", req.PhoneNumber)
	}
	fmt.Fprintf(&b, "<b>Amount:</b> %s\n\n", formatKES(*req.Amount))
	b.WriteString(rateLine(q))
	fmt.Fprintf(&b, "\n\n💸 <b>You will spend:</b> %s\n\nThe rate is locked when you confirm.", formatSats(sats))
	return models.Reply{Text: b.String(), Keyboard: confirmKeyboard(), EditMessageID: editID}
}

func rateUnavailableReply(editID int) models.Reply {
	return models.Reply{
		Text: textRateUnavailable,
		Keyboard: [][]models.Button{
			{{Text: "🔄 Refresh Rate", Data: CallbackRefreshRate}},
			{{Text: "❌ Cancel", Data: CallbackCancel}},
		},
		EditMessageID: editID,
	}
}

func invoiceReply(lock *models.RateLock, bolt11 string, expiresAt time.Time, now time.Time) models.Reply {
	text := fmt.Sprintf("⚡ <b>Pay %s</b>\n\n<b>Lightning invoice:</b>\n<code>%s</code>\n\n<b>Amount:</b> %s\nRate locked at %s per BTC. Expires in %s.",
		formatSats(lock.SatsAmount), bolt11, formatKES(lock.KshAmount), formatKES(lock.Rate), formatRemaining(expiresAt.Sub(now)))
	return models.Reply{Text: text, Keyboard: invoiceKeyboard(bolt11)}
}

func paymentSuccessText(ksh decimal.Decimal, recipient, transactionID string) string {
	return fmt.Sprintf("✅ <b>Payment successful!</b>\n\n<b>%s sent to %s</b>\n<b>Transaction ID:</b> %s\n\nThank you for using Rada 🚀",
		formatKES(ksh), util.SanitizeInput(recipient), util.SanitizeInput(transactionID))
}

func paymentFailedText(reason string, ref string) string {
	return fmt.Sprintf("❌ <b>Payment failed</b>\n\n<b>Reason:</b> %s\n\nYour Lightning payment was received. Please contact support with reference <code>%s</code> for a refund.",
		util.SanitizeInput(reason), util.SanitizeInput(ref))
}

func exchangeRateReply(q rate.Quote, editID int) models.Reply {
	text := "📊 <b>Current Exchange Rate</b>\n\n" + rateLine(q) +
		"\n<b>Last updated:</b> " + q.UpdatedAt.UTC().Format("2006-01-02 15:04:05 MST")
	if q.Fallback {
		text += "\n\n⚠️ Live rate unavailable. This is an indicative rate; payments are paused until the live rate returns."
	} else if q.Stale {
		text += "\n\n⚠️ This rate is out of date; payments are paused until it refreshes."
	}
	return models.Reply{
		Text: text,
		Keyboard: [][]models.Button{
			{{Text: "🔄 Refresh", Data: CallbackExchangeRate}},
			{{Text: "🏠 Main Menu", Data: CallbackMainMenu}},
		},
		EditMessageID: editID,
	}
}

func rateLine(q rate.Quote) string {
	return fmt.Sprintf("<b>1 KES = %s sats</b>\n<b>1 BTC = %s</b>", q.SatsPerKes().StringFixed(2), formatKES(q.Rate))
}

func failureReasonText(reason string) string {
	switch reason {
	case models.ReasonRateLockExpired:
		return "the invoice was paid after the rate lock expired"
	case models.ReasonAmountMismatch:
		return "the amount paid did not match the invoice"
	case models.ReasonPayoutRejected:
		return "the M-Pesa payout could not be started"
	default:
		return "the M-Pesa payout failed"
	}
}

// formatKES renders "KES 1,000" or "KES 1,000.50".
func formatKES(d decimal.Decimal) string {
	s := d.StringFixed(2)
	s = strings.TrimSuffix(s, ".00")
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac, hasFrac := strings.Cut(s, ".")
	out := groupThousands(intPart)
	if hasFrac {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return "KES " + out
}

func formatSats(a btcutil.Amount) string {
	return groupThousands(fmt.Sprintf("%d", int64(a))) + " sats"
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
