package aeat

import (
	"context"
	"sync"
	"time"
)

// MockClient satisfies Client with a scriptable outcome sequence. Tests and
// air-gapped deployments use it in place of the real session.
type MockClient struct {
	mu sync.Mutex

	// script is consumed one outcome per Submit; when empty, the sticky
	// failure applies, and with neither, submissions succeed with a
	// generated CSV.
	script  []SubmitOutcome
	failure *SubmitOutcome

	// QueryRecords is returned by QueryLastRecords.
	QueryRecords []QueryRecord
	QueryFails   bool
	QueryMessage string

	ProbeOK bool

	Submitted []string
	closed    bool
}

// NewMockClient returns a mock that accepts everything.
func NewMockClient() *MockClient {
	return &MockClient{ProbeOK: true}
}

// ScriptOutcomes queues outcomes returned by successive Submit calls.
func (m *MockClient) ScriptOutcomes(outcomes ...SubmitOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, outcomes...)
}

// SetFailure makes every subsequent submission a rejection with the code.
func (m *MockClient) SetFailure(code, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = &SubmitOutcome{Status: SubmitRejected, Code: code, Message: message}
}

// SetSuccess clears a sticky failure.
func (m *MockClient) SetSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = nil
}

func (m *MockClient) Submit(ctx context.Context, xmlContent string, kind SubmitKind) (SubmitOutcome, error) {
	if err := ctx.Err(); err != nil {
		return SubmitOutcome{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Submitted = append(m.Submitted, xmlContent)
	if len(m.script) > 0 {
		out := m.script[0]
		m.script = m.script[1:]
		if out.At.IsZero() {
			out.At = time.Now()
		}
		return out, nil
	}
	if m.failure != nil {
		out := *m.failure
		out.At = time.Now()
		return out, nil
	}
	return SubmitOutcome{
		Status:  SubmitSuccess,
		Code:    "OK",
		Message: "record submitted successfully",
		CSV:     "CSV-MOCK-0001",
		At:      time.Now(),
	}, nil
}

func (m *MockClient) QueryLastRecords(ctx context.Context, issuerNIF string, year, limit int) (QueryOutcome, error) {
	if err := ctx.Err(); err != nil {
		return QueryOutcome{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueryFails {
		msg := m.QueryMessage
		if msg == "" {
			msg = "authority unavailable"
		}
		return QueryOutcome{OK: false, Code: "CONNECTION_ERROR", Message: msg}, nil
	}
	records := m.QueryRecords
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return QueryOutcome{OK: true, Code: "OK", Records: records}, nil
}

func (m *MockClient) LastHash(ctx context.Context, issuerNIF string) (string, error) {
	out, err := m.QueryLastRecords(ctx, issuerNIF, 0, 1)
	if err != nil || !out.OK || len(out.Records) == 0 {
		return "", err
	}
	return out.Records[0].RecordHash, nil
}

func (m *MockClient) ProbeConnection(ctx context.Context) (bool, string) {
	if m.ProbeOK {
		return true, "connection successful"
	}
	return false, "connection failed"
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
