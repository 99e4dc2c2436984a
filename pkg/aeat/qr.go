package aeat

import (
	"net/url"
	"time"

	"github.com/veritax-labs/verifactu-core/pkg/money"
)

// QRBaseURL is the authority's invoice verification endpoint rendered into
// invoice QR codes.
const QRBaseURL = "https://www2.agenciatributaria.gob.es/wlpl/TIKE-CONT/ValidarQR"

// QRURL builds the verification URL for an invoice. Parameter order is
// fixed by the AEAT layout (nif, numserie, fecha, importe); only the values
// are escaped.
func QRURL(issuerNIF, invoiceNumber string, invoiceDate time.Time, total money.Amount) string {
	return QRBaseURL +
		"?nif=" + url.QueryEscape(issuerNIF) +
		"&numserie=" + url.QueryEscape(invoiceNumber) +
		"&fecha=" + url.QueryEscape(invoiceDate.Format("02-01-2006")) +
		"&importe=" + url.QueryEscape(total.String())
}
