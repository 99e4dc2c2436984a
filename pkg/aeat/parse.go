package aeat

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/record"
)

// Response parsing is tolerant of namespaces: elements are matched by local
// name only, because the authority has shipped several prefix layouts.

// parseSubmitResponse extracts EstadoEnvio, the error code/description and
// the CSV acknowledgement from a submission response body.
func parseSubmitResponse(body []byte, at time.Time) (SubmitOutcome, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	var (
		estado, code, message, csv string
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if estado == "" && code == "" {
				return SubmitOutcome{}, fmt.Errorf("parse response: %w", err)
			}
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "EstadoEnvio":
			estado = elementText(dec)
		case "CodigoErrorRegistro":
			code = elementText(dec)
		case "DescripcionErrorRegistro":
			message = elementText(dec)
		case "CSV":
			csv = elementText(dec)
		}
	}

	if estado == "Correcto" {
		if code == "" {
			code = "OK"
			message = "record submitted successfully"
		}
		return SubmitOutcome{Status: SubmitSuccess, Code: code, Message: message, CSV: csv, At: at}, nil
	}
	if estado != "" || code != "" {
		return SubmitOutcome{Status: SubmitRejected, Code: code, Message: message, At: at}, nil
	}
	return SubmitOutcome{}, fmt.Errorf("response carries no EstadoEnvio")
}

// parseQueryResponse extracts the RegistroRespuestaConsulta entries of a
// last-records answer, sorted by invoice date descending.
func parseQueryResponse(body []byte) (QueryOutcome, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))

	var records []QueryRecord
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "RegistroRespuestaConsulta" {
			continue
		}
		if rec, ok := parseQueryRecord(dec, start); ok {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].InvoiceDate.After(records[j].InvoiceDate)
	})
	return QueryOutcome{
		OK:      true,
		Code:    "OK",
		Message: fmt.Sprintf("%d records found", len(records)),
		Records: records,
	}, nil
}

// parseQueryRecord consumes one RegistroRespuestaConsulta subtree.
func parseQueryRecord(dec *xml.Decoder, start xml.StartElement) (QueryRecord, bool) {
	var (
		rec   QueryRecord
		depth = 1
	)
	rec.RecordType = record.TypeRegistration
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return QueryRecord{}, false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "NumSerieFactura":
				rec.InvoiceNumber = elementText(dec)
				depth--
			case "FechaExpedicionFactura":
				rec.InvoiceDate = parseWireDate(elementText(dec))
				depth--
			case "Huella":
				rec.RecordHash = elementText(dec)
				depth--
			case "NIF", "IDEmisorFactura":
				rec.IssuerNIF = elementText(dec)
				depth--
			case "ImporteTotal":
				rec.TotalAmount = elementText(dec)
				depth--
			case "CSV":
				rec.CSV = elementText(dec)
				depth--
			case "TipoRegistro":
				if elementText(dec) == "A" {
					rec.RecordType = record.TypeCancellation
				}
				depth--
			}
		case xml.EndElement:
			depth--
		}
	}
	if rec.InvoiceNumber == "" || rec.RecordHash == "" {
		return QueryRecord{}, false
	}
	return rec, true
}

// elementText reads the character data up to the element's end tag.
func elementText(dec *xml.Decoder) string {
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return strings.TrimSpace(sb.String())
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			return strings.TrimSpace(sb.String())
		case xml.StartElement:
			// Nested element inside a scalar field; skip it.
			_ = dec.Skip()
		}
	}
}

// parseWireDate reads the authority's DD-MM-YYYY date form; an unparsable
// value falls back to the zero time rather than failing the whole record.
func parseWireDate(s string) time.Time {
	t, err := time.Parse("02-01-2006", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
