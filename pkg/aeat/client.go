// Package aeat is the wire adapter to the Spanish tax authority's
// VERI*FACTU SOAP services: record submission, cancellation, last-records
// query and connection probing over mutual-TLS HTTPS.
//
// The package handles socket-level retry of transient server failures;
// logical retry policy lives in the contingency manager.
package aeat

import (
	"context"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// Production and testing submission endpoints.
const (
	EndpointProduction = "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SusuFactFSSWS/SistemaFacturacion"
	EndpointTesting    = "https://prewww2.aeat.es/wlpl/TIKE-CONT/ws/SusuFactFSSWS/SistemaFacturacion"
)

// SOAPAction header values per operation.
const (
	ActionRegistration = `"SuministroFacturas"`
	ActionCancellation = `"AnulacionFacturas"`
	ActionQuery        = `"ConsultaFacturas"`
)

// Timeouts per transmission attempt. The authority can be slow to answer,
// so the read bound is generous; probes use much shorter bounds.
const (
	ConnectTimeout = 30 * time.Second
	ReadTimeout    = 120 * time.Second
	ProbeTimeout   = 10 * time.Second
)

// SubmitStatus is the outcome class of a submission.
type SubmitStatus string

const (
	SubmitSuccess        SubmitStatus = "success"
	SubmitRejected       SubmitStatus = "rejected"
	SubmitTransportError SubmitStatus = "transport_error"
)

// TransportKind narrows a transport failure.
type TransportKind string

const (
	TransportTimeout    TransportKind = "timeout"
	TransportConnection TransportKind = "connection"
	TransportTLS        TransportKind = "tls"
	TransportParse      TransportKind = "parse"
)

// SubmitOutcome is the parsed result of a submission. Exactly one of the
// three statuses applies; Transport is set only for transport errors and
// CSV only on success.
type SubmitOutcome struct {
	Status    SubmitStatus
	Code      string
	Message   string
	CSV       string
	Transport TransportKind
	At        time.Time
}

// QueryRecord is one entry of the authority's last-records answer.
type QueryRecord struct {
	InvoiceNumber string
	InvoiceDate   time.Time
	RecordType    record.Type
	RecordHash    string
	IssuerNIF     string
	TotalAmount   string
	CSV           string
}

// QueryOutcome is the parsed result of a last-records query. Records come
// ordered by invoice date descending.
type QueryOutcome struct {
	OK      bool
	Code    string
	Message string
	Records []QueryRecord
}

// SubmitKind selects the submission operation.
type SubmitKind string

const (
	KindRegistration SubmitKind = "alta"
	KindCancellation SubmitKind = "anulacion"
)

// Client is the transmission capability set. Real and Mock satisfy the same
// contract; all calls block on network and honor context cancellation.
type Client interface {
	Submit(ctx context.Context, xmlContent string, kind SubmitKind) (SubmitOutcome, error)
	QueryLastRecords(ctx context.Context, issuerNIF string, year, limit int) (QueryOutcome, error)
	LastHash(ctx context.Context, issuerNIF string) (string, error)
	ProbeConnection(ctx context.Context) (bool, string)
	Close() error
}
