package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrTemplateNotFound     = errors.New("notification template not found")
	ErrTemplateInactive     = errors.New("notification template inactive")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrProofNotFound        = errors.New("payment proof not found")
	ErrInvoiceSettled       = errors.New("invoice already settled")
	ErrNameAlreadyChanged   = errors.New("customer name already changed once")
)

// Notification is one persisted notification queue entry
type Notification struct {
	ID             uuid.UUID  `json:"id"`
	CustomerID     *int64     `json:"customer_id,omitempty"`
	InvoiceID      *int64     `json:"invoice_id,omitempty"`
	PaymentID      *int64     `json:"payment_id,omitempty"`
	Type           string     `json:"notification_type"`
	Channel        string     `json:"channel"`
	TemplateCode   string     `json:"template_code"`
	Recipient      *string    `json:"recipient,omitempty"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	AttachmentPath *string    `json:"attachment_path,omitempty"`
	Status         string     `json:"status"`
	Priority       string     `json:"priority"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Channel constants
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelPush     = "push"
)

// Priority constants
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Notification types
const (
	TypeInvoiceCreated         = "invoice_created"
	TypeInvoiceSent            = "invoice_sent"
	TypeInvoiceOverdue         = "invoice_overdue"
	TypeInvoiceReminder        = "invoice_reminder"
	TypeInvoiceDueToday        = "invoice_due_today"
	TypePaymentReceived        = "payment_received"
	TypePaymentPartial         = "payment_partial"
	TypePaymentFailed          = "payment_failed"
	TypePaymentDebt            = "payment_debt"
	TypePaymentReminder        = "payment_reminder"
	TypePaymentDeferment       = "payment_deferment"
	TypePaymentShortageWarning = "payment_shortage_warning"
	TypeServiceBlocked         = "service_blocked"
	TypeServiceUnblocked       = "service_unblocked"
	TypeIsolationWarning       = "isolation_warning"
	TypePreBlockWarning        = "pre_block_warning"
	TypeCustomerCreated        = "customer_created"
	TypeCustomerDeleted        = "customer_deleted"
	TypeBroadcast              = "broadcast"
	TypeTechnicianJob          = "technician_job"
)

// DefaultMaxRetries is used when a row is inserted without one.
const DefaultMaxRetries = 3

// PriorityRank orders priorities for the sweep: high first.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// ValidChannel reports whether c is a deliverable channel.
func ValidChannel(c string) bool {
	switch c {
	case ChannelWhatsApp, ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// Template is a notification template
type Template struct {
	ID                 int64     `json:"id"`
	Code               string    `json:"template_code"`
	Name               string    `json:"template_name"`
	Type               string    `json:"notification_type"`
	Channel            string    `json:"channel"`
	TitleTemplate      string    `json:"title_template"`
	BodyTemplate       string    `json:"message_template"`
	Variables          []string  `json:"variables"`
	IsActive           bool      `json:"is_active"`
	Priority           string    `json:"priority"`
	ScheduleDaysBefore *int      `json:"schedule_days_before,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Customer holds the contact fields the notification and chat paths need
type Customer struct {
	ID          int64     `json:"id"`
	Code        string    `json:"customer_code"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Email       string    `json:"email"`
	Address     string    `json:"address"`
	Status      string    `json:"status"`
	BillingMode string    `json:"billing_mode"`
	DeviceID    string    `json:"device_id,omitempty"`
	NameChanged bool      `json:"name_changed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Invoice is a billing invoice
type Invoice struct {
	ID              int64     `json:"id"`
	CustomerID      int64     `json:"customer_id"`
	Number          string    `json:"invoice_number"`
	Period          string    `json:"period"`
	TotalAmount     int64     `json:"total_amount"`
	PaidAmount      int64     `json:"paid_amount"`
	RemainingAmount int64     `json:"remaining_amount"`
	DueDate         time.Time `json:"due_date"`
	Status          string    `json:"status"`
}

// Payment is a recorded payment against an invoice
type Payment struct {
	ID        int64     `json:"id"`
	InvoiceID int64     `json:"invoice_id"`
	Amount    int64     `json:"amount"`
	Method    string    `json:"payment_method"`
	Notes     string    `json:"notes"`
	PaidAt    time.Time `json:"payment_date"`
}

// BankAccount is a company bank account shown in payment instructions
type BankAccount struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// Role is what an inbound sender is allowed to do
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleCustomer   Role = "customer"
	RoleGuest      Role = "guest"
)

// IsStaff reports whether the role may run technician commands.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleTechnician
}

// Contact is a staff member reachable over chat
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Role  Role   `json:"role"`
}

// PrepaidPackage is a purchasable prepaid plan
type PrepaidPackage struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Price        int64  `json:"price"`
	DurationDays int    `json:"duration_days"`
	Speed        string `json:"speed"`
}

// PaymentRequest is a pending prepaid purchase awaiting transfer
type PaymentRequest struct {
	ID          uuid.UUID `json:"id"`
	CustomerID  int64     `json:"customer_id"`
	PackageID   int64     `json:"package_id"`
	UniqueCode  int       `json:"unique_code"`
	BaseAmount  int64     `json:"base_amount"`
	TotalAmount int64     `json:"total_amount"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Proof statuses
const (
	ProofAutoApproved = "auto_approved"
	ProofManualReview = "manual_review"
	ProofRejected     = "rejected"
)

// PaymentProof is a persisted payment-proof decision
type PaymentProof struct {
	ID             uuid.UUID  `json:"id"`
	CustomerID     int64      `json:"customer_id"`
	InvoiceID      *int64     `json:"invoice_id,omitempty"`
	RequestID      *uuid.UUID `json:"payment_request_id,omitempty"`
	Status         string     `json:"status"`
	ExtractedTotal int64      `json:"extracted_amount"`
	Confidence     float64    `json:"confidence"`
	ProofHash      string     `json:"proof_hash"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Ticket statuses
const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "resolved"
)

// Ticket is a field trouble ticket
type Ticket struct {
	ID          int64      `json:"id"`
	Number      string     `json:"ticket_number"`
	CustomerID  *int64     `json:"customer_id,omitempty"`
	Subject     string     `json:"subject"`
	Status      string     `json:"status"`
	AssignedTo  *string    `json:"assigned_to,omitempty"`
	ResolveNote *string    `json:"resolve_note,omitempty"`
	PhotoRef    *string    `json:"photo_ref,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RegistrationRequest is a new-customer signup collected over chat
type RegistrationRequest struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarises the notification queue over a window
type Stats struct {
	Since     time.Time        `json:"since"`
	Total     int64            `json:"total"`
	ByStatus  map[string]int64 `json:"by_status"`
	ByType    map[string]int64 `json:"by_type"`
	ByChannel map[string]int64 `json:"by_channel"`
}
