// Package hashchain derives the SHA-256 fingerprint of invoice records over
// the exact canonical byte string the tax authority specifies, and validates
// chain linkage between consecutive records.
//
// Reference: Veri-Factu especificaciones huella/hash de registros v0.1.2.
package hashchain

import (
	"fmt"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// FormatDate renders a date as DD-MM-YYYY.
func FormatDate(t time.Time) string {
	return t.Format("02-01-2006")
}

// FormatTimestamp renders an instant as YYYY-MM-DDTHH:MM:SS±HH:MM. The
// offset colon is mandatory and UTC renders as +00:00, never Z.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05-07:00")
}

// Localize attaches loc to an instant before canonical formatting. The
// canonicalizer never formats a naive instant.
func Localize(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc)
}

// CanonicalString assembles the byte string hashed for a record. Field order
// and separators are fixed by the AEAT specification; registrations hash the
// invoice type and amounts, cancellations do not. The previous hash of the
// first record is the literal empty string.
func CanonicalString(r *record.Record) string {
	if r.RecordType == record.TypeCancellation {
		return fmt.Sprintf(
			"IDEmisorFactura=%s&NumSerieFactura=%s&FechaExpedicionFactura=%s&Huella=%s&FechaHoraHusoGenRegistro=%s",
			r.IssuerNIF,
			r.InvoiceNumber,
			FormatDate(r.InvoiceDate),
			r.PreviousHash,
			FormatTimestamp(r.GenerationTimestamp),
		)
	}
	return fmt.Sprintf(
		"IDEmisorFactura=%s&NumSerieFactura=%s&FechaExpedicionFactura=%s&TipoFactura=%s&CuotaTotal=%s&ImporteTotal=%s&Huella=%s&FechaHoraHusoGenRegistro=%s",
		r.IssuerNIF,
		r.InvoiceNumber,
		FormatDate(r.InvoiceDate),
		r.InvoiceType,
		r.TaxAmount,
		r.TotalAmount,
		r.PreviousHash,
		FormatTimestamp(r.GenerationTimestamp),
	)
}
