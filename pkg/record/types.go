// Package record defines the tamper-evident invoice record entity, the
// snapshot contract that feeds it, and the error taxonomy the engine
// surfaces to callers.
package record

import (
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/money"
)

// Type distinguishes registrations from cancellations.
type Type string

const (
	TypeRegistration Type = "alta"
	TypeCancellation Type = "anulacion"
)

// InvoiceType is the AEAT invoice classification code.
type InvoiceType string

const (
	InvoiceF1 InvoiceType = "F1" // standard invoice
	InvoiceF2 InvoiceType = "F2" // simplified invoice
	InvoiceF3 InvoiceType = "F3" // invoice substituting simplified
	InvoiceR1 InvoiceType = "R1" // rectifying, art. 80.1-2
	InvoiceR2 InvoiceType = "R2" // rectifying, art. 80.3
	InvoiceR3 InvoiceType = "R3" // rectifying, art. 80.4
	InvoiceR4 InvoiceType = "R4" // rectifying, other
	InvoiceR5 InvoiceType = "R5" // rectifying simplified
)

// Status is the transmission lifecycle of a record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusTransmitted Status = "transmitted"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusError       Status = "error"
	StatusRetry       Status = "retry"
)

// Final reports whether the status forbids further mutation of identity,
// amount, hash and timestamp fields.
func (s Status) Final() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Record is a single entry of the per-issuer hash chain. Identity, amount,
// hash and timestamp fields are immutable once persisted; only the
// transmission-side fields may be patched afterwards.
type Record struct {
	ID             string `json:"id"`
	SequenceNumber int64  `json:"sequence_number"`
	RecordType     Type   `json:"record_type"`

	IssuerNIF  string `json:"issuer_nif"`
	IssuerName string `json:"issuer_name"`

	InvoiceNumber string      `json:"invoice_number"`
	InvoiceDate   time.Time   `json:"invoice_date"`
	InvoiceType   InvoiceType `json:"invoice_type"`
	Description   string      `json:"description,omitempty"`

	BaseAmount  money.Amount `json:"base_amount"`
	TaxRate     money.Amount `json:"tax_rate"`
	TaxAmount   money.Amount `json:"tax_amount"`
	TotalAmount money.Amount `json:"total_amount"`

	PreviousHash  string `json:"previous_hash"`
	RecordHash    string `json:"record_hash"`
	IsFirstRecord bool   `json:"is_first_record"`

	GenerationTimestamp time.Time `json:"generation_timestamp"`

	Status                Status     `json:"status"`
	TransmissionTimestamp *time.Time `json:"transmission_timestamp,omitempty"`
	RetryCount            int        `json:"retry_count"`
	NextRetryAt           *time.Time `json:"next_retry_at,omitempty"`
	AuthorityCode         string     `json:"authority_code,omitempty"`
	AuthorityMessage      string     `json:"authority_message,omitempty"`
	AuthorityCSV          string     `json:"authority_csv,omitempty"`

	QRURL      string `json:"qr_url,omitempty"`
	XMLContent string `json:"xml_content,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransmissionPatch is the restricted field set the transmission worker may
// update on a persisted record.
type TransmissionPatch struct {
	Status                Status
	TransmissionTimestamp *time.Time
	RetryCount            *int
	NextRetryAt           *time.Time
	AuthorityCode         *string
	AuthorityMessage      *string
	AuthorityCSV          *string
	XMLContent            *string
}

// InvoiceView is the fully-typed snapshot the invoice adapter yields to the
// builder. Amounts arrive already rounded to two decimals.
type InvoiceView struct {
	IssuerNIF     string
	IssuerName    string
	InvoiceNumber string
	InvoiceDate   time.Time
	InvoiceType   InvoiceType
	Description   string
	BaseAmount    money.Amount
	TaxRate       money.Amount
	TaxAmount     money.Amount
	TotalAmount   money.Amount
}
