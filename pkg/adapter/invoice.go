// Package adapter is the narrow contract through which external invoicing
// events enter the record engine. The builder consumes only the typed
// snapshot; the sales domain never reaches past it.
package adapter

import (
	"fmt"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/money"
	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// InvoiceSource yields a fully-typed, validated invoice snapshot. Amounts
// are rounded to two decimals half-up exactly once, here.
type InvoiceSource interface {
	Snapshot() (record.InvoiceView, error)
}

// InvoiceEvent adapts a standard invoice from the sales domain. Monetary
// values arrive as decimal strings to avoid lossy float hand-offs.
type InvoiceEvent struct {
	IssuerNIF     string
	IssuerName    string
	InvoiceNumber string
	InvoiceDate   time.Time
	InvoiceType   record.InvoiceType
	Description   string
	BaseAmount    string
	TaxRate       string
	TaxAmount     string
	TotalAmount   string
}

// Snapshot validates and rounds the event into an InvoiceView.
func (e InvoiceEvent) Snapshot() (record.InvoiceView, error) {
	if e.IssuerNIF == "" {
		return record.InvoiceView{}, record.ErrInvalidNIF
	}
	invoiceType := e.InvoiceType
	if invoiceType == "" {
		invoiceType = record.InvoiceF1
	}

	base, err := money.Parse(e.BaseAmount)
	if err != nil {
		return record.InvoiceView{}, fmt.Errorf("%w: base %q", record.ErrInvalidAmount, e.BaseAmount)
	}
	rate, err := money.Parse(e.TaxRate)
	if err != nil {
		return record.InvoiceView{}, fmt.Errorf("%w: tax rate %q", record.ErrInvalidAmount, e.TaxRate)
	}
	tax, err := money.Parse(e.TaxAmount)
	if err != nil {
		return record.InvoiceView{}, fmt.Errorf("%w: tax %q", record.ErrInvalidAmount, e.TaxAmount)
	}
	total, err := money.Parse(e.TotalAmount)
	if err != nil {
		return record.InvoiceView{}, fmt.Errorf("%w: total %q", record.ErrInvalidAmount, e.TotalAmount)
	}

	return record.InvoiceView{
		IssuerNIF:     e.IssuerNIF,
		IssuerName:    e.IssuerName,
		InvoiceNumber: e.InvoiceNumber,
		InvoiceDate:   e.InvoiceDate,
		InvoiceType:   invoiceType,
		Description:   e.Description,
		BaseAmount:    base,
		TaxRate:       rate,
		TaxAmount:     tax,
		TotalAmount:   total,
	}, nil
}

// SalesEvent adapts a completed point-of-sale ticket into a simplified (F2)
// invoice snapshot. Only the total and the tax rate are known; base and tax
// are derived.
type SalesEvent struct {
	IssuerNIF   string
	IssuerName  string
	TicketID    string
	CompletedAt time.Time
	TaxRate     string
	TotalAmount string
}

// Snapshot derives base and tax from the gross total at the given rate,
// rounding half-up at two decimals.
func (e SalesEvent) Snapshot() (record.InvoiceView, error) {
	if e.IssuerNIF == "" {
		return record.InvoiceView{}, record.ErrInvalidNIF
	}
	total, err := money.Parse(e.TotalAmount)
	if err != nil {
		return record.InvoiceView{}, fmt.Errorf("%w: total %q", record.ErrInvalidAmount, e.TotalAmount)
	}
	rate, err := money.Parse(e.TaxRate)
	if err != nil {
		return record.InvoiceView{}, fmt.Errorf("%w: tax rate %q", record.ErrInvalidAmount, e.TaxRate)
	}

	// base = total / (1 + rate), in cents with half-up division.
	denominator := 10000 + rate.Cents // rate is a percentage with two decimals
	baseCents := (total.Cents*10000 + denominator/2) / denominator
	base := money.FromCents(baseCents)
	tax := total.Sub(base)

	return record.InvoiceView{
		IssuerNIF:     e.IssuerNIF,
		IssuerName:    e.IssuerName,
		InvoiceNumber: e.TicketID,
		InvoiceDate:   e.CompletedAt,
		InvoiceType:   record.InvoiceF2,
		Description:   "Factura simplificada",
		BaseAmount:    base,
		TaxRate:       rate,
		TaxAmount:     tax,
		TotalAmount:   total,
	}, nil
}
