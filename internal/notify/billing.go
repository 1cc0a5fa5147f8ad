package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/kabar/internal/db"
	"github.com/lalithlochan/kabar/internal/templates"
)

// BillingReader loads the records behind invoice and payment events.
type BillingReader interface {
	GetInvoice(ctx context.Context, id int64) (*db.Invoice, error)
	GetPayment(ctx context.Context, id int64) (*db.Payment, error)
	ListBankAccounts(ctx context.Context) ([]db.BankAccount, error)
}

// DocumentGenerator renders a payment receipt and returns its storage
// reference.
type DocumentGenerator interface {
	ReceiptPDF(ctx context.Context, inv *db.Invoice, p *db.Payment) (string, error)
}

var errNoBilling = errors.New("billing reader is not configured")

// NotifyInvoiceCreated queues the new-invoice notice with payment
// instructions.
func (s *Service) NotifyInvoiceCreated(ctx context.Context, invoiceID int64, channels ...string) ([]uuid.UUID, error) {
	inv, err := s.invoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	vars := s.bankVars(ctx)
	vars["invoice_number"] = inv.Number
	vars["amount"] = templates.FormatCurrency(inv.TotalAmount)
	vars["due_date"] = templates.FormatDate(inv.DueDate)
	vars["period"] = templates.FormatPeriod(inv.Period)

	return s.QueueNotification(ctx, Request{
		CustomerID: &inv.CustomerID,
		InvoiceID:  &inv.ID,
		Type:       db.TypeInvoiceCreated,
		Channels:   channels,
		Variables:  vars,
	})
}

// NotifyInvoiceOverdue queues a high-priority overdue notice for the
// remaining balance.
func (s *Service) NotifyInvoiceOverdue(ctx context.Context, invoiceID int64, channels ...string) ([]uuid.UUID, error) {
	inv, err := s.invoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	days := int(math.Floor(s.now().Sub(inv.DueDate).Hours() / 24))
	if days < 0 {
		days = 0
	}

	vars := s.bankVars(ctx)
	vars["invoice_number"] = inv.Number
	vars["amount"] = templates.FormatCurrency(inv.RemainingAmount)
	vars["due_date"] = templates.FormatDate(inv.DueDate)
	vars["period"] = templates.FormatPeriod(inv.Period)
	vars["days_overdue"] = strconv.Itoa(days)

	return s.QueueNotification(ctx, Request{
		CustomerID: &inv.CustomerID,
		InvoiceID:  &inv.ID,
		Type:       db.TypeInvoiceOverdue,
		Channels:   channels,
		Variables:  vars,
		Priority:   db.PriorityHigh,
	})
}

// NotifyInvoiceReminder queues a due-date reminder for the remaining balance.
func (s *Service) NotifyInvoiceReminder(ctx context.Context, invoiceID int64, channels ...string) ([]uuid.UUID, error) {
	inv, err := s.invoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	period := "-"
	if inv.Period != "" {
		period = templates.FormatPeriod(inv.Period)
	}

	vars := s.bankVars(ctx)
	vars["invoice_number"] = inv.Number
	vars["amount"] = templates.FormatCurrency(inv.RemainingAmount)
	vars["due_date"] = templates.FormatDate(inv.DueDate)
	vars["period"] = period

	return s.QueueNotification(ctx, Request{
		CustomerID: &inv.CustomerID,
		InvoiceID:  &inv.ID,
		Type:       db.TypeInvoiceReminder,
		Channels:   channels,
		Variables:  vars,
	})
}

// NotifyPaymentReceived queues a receipt and dispatches it immediately.
// A payment that leaves a balance is a payment_partial notice. A settled
// invoice gets the receipt PDF attached when one can be generated.
func (s *Service) NotifyPaymentReceived(ctx context.Context, paymentID int64, channels ...string) ([]uuid.UUID, error) {
	if s.deps.Billing == nil {
		return nil, errNoBilling
	}

	p, err := s.deps.Billing.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("load payment %d: %w", paymentID, err)
	}
	inv, err := s.invoice(ctx, p.InvoiceID)
	if err != nil {
		return nil, err
	}

	notifType := db.TypePaymentReceived
	if inv.RemainingAmount > 0 {
		notifType = db.TypePaymentPartial
	}

	vars := paymentVars(inv, p)

	var attachment string
	if notifType == db.TypePaymentReceived && s.deps.Documents != nil {
		ref, err := s.deps.Documents.ReceiptPDF(ctx, inv, p)
		if err != nil {
			s.logger.Warn("receipt pdf unavailable, sending text only",
				zap.Int64("payment_id", p.ID),
				zap.Error(err),
			)
		} else {
			attachment = ref
		}
	}

	return s.QueueNotification(ctx, Request{
		CustomerID:      &inv.CustomerID,
		InvoiceID:       &inv.ID,
		PaymentID:       &p.ID,
		Type:            notifType,
		Channels:        channels,
		Variables:       vars,
		AttachmentPath:  attachment,
		SendImmediately: true,
	})
}

func paymentVars(inv *db.Invoice, p *db.Payment) map[string]string {
	method := p.Method
	if method == "" {
		method = "Tunai"
	}
	if p.Notes != "" {
		method += "\n📝 " + p.Notes
	}

	month := templates.FormatMonth(p.PaidAt)
	if inv.Period != "" {
		month = templates.FormatPeriod(inv.Period)
	}

	due := "-"
	if !inv.DueDate.IsZero() {
		due = templates.FormatDate(inv.DueDate)
	}

	return map[string]string{
		"invoice_number":   inv.Number,
		"billing_month":    month,
		"amount":           templates.FormatCurrency(p.Amount),
		"paid_amount":      templates.FormatCurrency(p.Amount),
		"total_amount":     templates.FormatCurrency(inv.TotalAmount),
		"remaining_amount": templates.FormatCurrency(inv.RemainingAmount),
		"payment_method":   method,
		"payment_date":     templates.FormatDate(p.PaidAt),
		"due_date":         due,
		"notes":            p.Notes,
	}
}

func (s *Service) invoice(ctx context.Context, id int64) (*db.Invoice, error) {
	if s.deps.Billing == nil {
		return nil, errNoBilling
	}
	inv, err := s.deps.Billing.GetInvoice(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load invoice %d: %w", id, err)
	}
	return inv, nil
}

// bankVars renders the company bank settings. Without configured accounts
// a placeholder account is shown so templates never render blank.
func (s *Service) bankVars(ctx context.Context) map[string]string {
	accounts, err := s.deps.Billing.ListBankAccounts(ctx)
	if err != nil {
		s.logger.Warn("bank accounts unavailable", zap.Error(err))
	}
	if len(accounts) == 0 {
		holder := s.cfg.CompanyName
		if holder == "" {
			holder = "Provider"
		}
		accounts = []db.BankAccount{{BankName: "BCA", AccountNumber: "-", AccountName: holder}}
	}

	return map[string]string{
		"bank_name":           accounts[0].BankName,
		"bank_account_number": accounts[0].AccountNumber,
		"bank_account_name":   accounts[0].AccountName,
		"bank_list":           BankList(accounts),
	}
}

// BankList formats accounts for a chat message.
func BankList(accounts []db.BankAccount) string {
	parts := make([]string, 0, len(accounts))
	for _, a := range accounts {
		parts = append(parts, fmt.Sprintf("🏦 *%s*\n💳 %s\n👤 %s", a.BankName, a.AccountNumber, a.AccountName))
	}
	return strings.Join(parts, "\n\n")
}
