package aeat

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/pkcs12"

	"github.com/veritax-labs/verifactu-core/pkg/record"
	"github.com/veritax-labs/verifactu-core/pkg/store"
)

// RealClient talks to the authority over mutual-TLS HTTPS with a pooled
// connection and bounded retry of transient 5xx answers.
type RealClient struct {
	endpoint   string
	issuerName string
	httpClient *http.Client
	maxRetries uint64
	logger     *slog.Logger
}

// NewRealClient loads the PKCS#12 credential and builds the session. The
// environment selects the endpoint; Close releases pooled connections.
func NewRealClient(certificatePath, certificatePassword string, env store.Environment, issuerName string) (*RealClient, error) {
	cert, err := loadPKCS12(certificatePath, certificatePassword)
	if err != nil {
		return nil, err
	}

	endpoint := EndpointTesting
	if env == store.EnvProduction {
		endpoint = EndpointProduction
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout: ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: ReadTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	return &RealClient{
		endpoint:   endpoint,
		issuerName: issuerName,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   ConnectTimeout + ReadTimeout,
		},
		maxRetries: 3,
		logger:     slog.Default().With("component", "aeat", "endpoint", endpoint),
	}, nil
}

// loadPKCS12 decodes a .p12/.pfx credential into a TLS client certificate.
func loadPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: read credential: %v", record.ErrCertificateInvalid, err)
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: decode PKCS#12: %v", record.ErrCertificateInvalid, err)
	}
	if time.Now().After(cert.NotAfter) {
		return tls.Certificate{}, fmt.Errorf("%w: not valid after %s", record.ErrCertificateExpired, cert.NotAfter.Format(time.RFC3339))
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// Submit posts a rendered record envelope. Transient server failures (HTTP
// 5xx and socket errors) are retried with exponential backoff before being
// reported as a transport outcome; logical rejections are never retried.
func (c *RealClient) Submit(ctx context.Context, xmlContent string, kind SubmitKind) (SubmitOutcome, error) {
	action := ActionRegistration
	if kind == KindCancellation {
		action = ActionCancellation
	}
	c.logger.Info("submitting record", "kind", kind)

	body, err := c.post(ctx, action, xmlContent)
	if err != nil {
		return transportOutcome(err), nil
	}
	outcome, err := parseSubmitResponse(body, time.Now())
	if err != nil {
		return SubmitOutcome{Status: SubmitTransportError, Transport: TransportParse, Message: err.Error(), At: time.Now()}, nil
	}
	return outcome, nil
}

// QueryLastRecords asks the authority for the issuer's most recent records
// of the fiscal year.
func (c *RealClient) QueryLastRecords(ctx context.Context, issuerNIF string, year, limit int) (QueryOutcome, error) {
	if year == 0 {
		year = time.Now().Year()
	}
	if limit <= 0 {
		limit = 10
	}
	envelope, err := RenderQuery(issuerNIF, c.issuerName, year, limit)
	if err != nil {
		return QueryOutcome{}, err
	}

	body, err := c.post(ctx, ActionQuery, envelope)
	if err != nil {
		out := transportOutcome(err)
		return QueryOutcome{OK: false, Code: string(out.Transport), Message: out.Message}, nil
	}
	outcome, err := parseQueryResponse(body)
	if err != nil {
		return QueryOutcome{OK: false, Code: string(TransportParse), Message: err.Error()}, nil
	}
	return outcome, nil
}

// LastHash returns the fingerprint of the issuer's newest authority record,
// or the empty string when the authority holds none.
func (c *RealClient) LastHash(ctx context.Context, issuerNIF string) (string, error) {
	out, err := c.QueryLastRecords(ctx, issuerNIF, 0, 1)
	if err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("query last records: %s", out.Message)
	}
	if len(out.Records) == 0 {
		return "", nil
	}
	return out.Records[0].RecordHash, nil
}

// ProbeConnection checks endpoint reachability with a short bound.
func (c *RealClient) ProbeConnection(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.endpoint, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, classify(err).message
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return false, fmt.Sprintf("server error: %d", resp.StatusCode)
	}
	return true, "connection successful"
}

// Close releases pooled connections.
func (c *RealClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// post sends one SOAP request, retrying transient failures.
func (c *RealClient) post(ctx context.Context, soapAction, xmlContent string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader([]byte(xmlContent)))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", soapAction)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("http %d from authority", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("http %d from authority", resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

type classified struct {
	kind    TransportKind
	message string
}

// classify maps a transport error onto the outcome taxonomy.
func classify(err error) classified {
	var (
		netErr       net.Error
		tlsRecordErr tls.RecordHeaderError
		certErr      x509.CertificateInvalidError
		unknownAuth  x509.UnknownAuthorityError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return classified{TransportTimeout, err.Error()}
	case errors.As(err, &netErr) && netErr.Timeout():
		return classified{TransportTimeout, err.Error()}
	case errors.As(err, &tlsRecordErr), errors.As(err, &certErr), errors.As(err, &unknownAuth):
		return classified{TransportTLS, err.Error()}
	default:
		return classified{TransportConnection, err.Error()}
	}
}

func transportOutcome(err error) SubmitOutcome {
	c := classify(err)
	return SubmitOutcome{
		Status:    SubmitTransportError,
		Transport: c.kind,
		Message:   c.message,
		At:        time.Now(),
	}
}
