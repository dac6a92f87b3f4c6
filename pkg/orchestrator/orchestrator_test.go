package orchestrator

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/approval"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/audit"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/forwarder"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/idempotency"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/risk"
	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/store"
)

type fakeScope struct {
	svc *store.Service
	err error
}

func (f *fakeScope) Resolve(ctx context.Context, agentID, targetURL string) (*store.Service, error) {
	return f.svc, f.err
}

type fakeServices struct {
	svc *store.Service
}

func (f *fakeServices) ServiceByID(ctx context.Context, serviceID string) (*store.Service, error) {
	return f.svc, nil
}

type fakeInjector struct{}

func (fakeInjector) Inject(ctx context.Context, svc *store.Service, headers http.Header) (http.Header, error) {
	out := headers.Clone()
	out.Set("Authorization", "Bearer injected")
	return out, nil
}

type fakeIdem struct {
	openResult *idempotency.Result
	openErr    error
	completed  bool
	failed     bool
}

func (f *fakeIdem) Open(ctx context.Context, agentID, key, fingerprint string) (*idempotency.Result, error) {
	return f.openResult, f.openErr
}
func (f *fakeIdem) Complete(ctx context.Context, recordID string, status int, headers http.Header, body []byte) error {
	f.completed = true
	return nil
}
func (f *fakeIdem) Fail(ctx context.Context, recordID string) error {
	f.failed = true
	return nil
}

type fakeRisk struct {
	assessment risk.Assessment
}

func (f *fakeRisk) Assess(ctx context.Context, req risk.Request) risk.Assessment {
	return f.assessment
}

type fakeApprovals struct {
	actionID string
	entry    *approval.Entry
	executed bool
	failMark bool
}

func (f *fakeApprovals) Enqueue(ctx context.Context, agentID, serviceID, method, targetURL string, headers http.Header, body []byte, intent string, riskScore float64, riskExplanation string) (string, error) {
	return f.actionID, nil
}
func (f *fakeApprovals) Fetch(ctx context.Context, actionID string) (*approval.Entry, error) {
	return f.entry, nil
}
func (f *fakeApprovals) MarkExecuted(ctx context.Context, actionID string, status int, headers http.Header, body []byte) error {
	if f.failMark {
		return approval.ErrTransitionFailed
	}
	f.executed = true
	return nil
}

type fakeForwarder struct {
	resp   *forwarder.Response
	err    error
	called bool
}

func (f *fakeForwarder) Forward(ctx context.Context, method, targetURL string, headers http.Header, body []byte) (*forwarder.Response, error) {
	f.called = true
	return f.resp, f.err
}

type fakeAudit struct {
	records []audit.Record
}

func (f *fakeAudit) Append(ctx context.Context, r audit.Record) {
	f.records = append(f.records, r)
}

func testService() *store.Service {
	return &store.Service{ServiceID: "svc-1", BaseURL: "https://api.host.tld/", AuthKind: store.AuthKindBearer}
}

func TestProxyRequestExecutesLowRisk(t *testing.T) {
	idem := &fakeIdem{openResult: &idempotency.Result{Outcome: idempotency.OutcomeNew, RecordID: "rec-1"}}
	aud := &fakeAudit{}
	o := New(
		&fakeServices{svc: testService()},
		&fakeScope{svc: testService()},
		fakeInjector{},
		idem,
		&fakeRisk{assessment: risk.Assessment{Score: 0.1, Blocked: false}},
		&fakeApprovals{},
		&fakeForwarder{resp: &forwarder.Response{StatusCode: 200, Body: []byte("ok")}},
		aud,
	)

	res, err := o.ProxyRequest(context.Background(), Request{
		AgentID: "agent-1", Method: http.MethodPost, TargetURL: "https://api.host.tld/x",
		Headers: http.Header{}, IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 200, res.StatusCode)
	assert.True(t, idem.completed)
	assert.Len(t, aud.records, 1)
}

func TestProxyRequestRequiresIdempotencyKeyForPost(t *testing.T) {
	o := New(&fakeServices{svc: testService()}, &fakeScope{svc: testService()}, fakeInjector{},
		&fakeIdem{}, &fakeRisk{}, &fakeApprovals{}, &fakeForwarder{}, &fakeAudit{})

	_, err := o.ProxyRequest(context.Background(), Request{
		AgentID: "agent-1", Method: http.MethodPost, TargetURL: "https://api.host.tld/x", Headers: http.Header{},
	})
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)
}

func TestProxyRequestReplaysCachedResponse(t *testing.T) {
	idem := &fakeIdem{openResult: &idempotency.Result{
		Outcome: idempotency.OutcomeReplay, CachedStatus: 200, CachedHeaders: http.Header{}, CachedBody: []byte("cached"),
	}}
	o := New(&fakeServices{svc: testService()}, &fakeScope{svc: testService()}, fakeInjector{},
		idem, &fakeRisk{}, &fakeApprovals{}, &fakeForwarder{}, &fakeAudit{})

	res, err := o.ProxyRequest(context.Background(), Request{
		AgentID: "agent-1", Method: http.MethodPost, TargetURL: "https://api.host.tld/x",
		Headers: http.Header{}, IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), res.Body)
}

func TestProxyRequestRejectsInFlight(t *testing.T) {
	idem := &fakeIdem{openResult: &idempotency.Result{Outcome: idempotency.OutcomeInFlight}}
	o := New(&fakeServices{svc: testService()}, &fakeScope{svc: testService()}, fakeInjector{},
		idem, &fakeRisk{}, &fakeApprovals{}, &fakeForwarder{}, &fakeAudit{})

	_, err := o.ProxyRequest(context.Background(), Request{
		AgentID: "agent-1", Method: http.MethodPost, TargetURL: "https://api.host.tld/x",
		Headers: http.Header{}, IdempotencyKey: "key-1",
	})
	assert.ErrorIs(t, err, ErrIdempotencyInFlight)
}

func TestProxyRequestEnqueuesHighRisk(t *testing.T) {
	idem := &fakeIdem{openResult: &idempotency.Result{Outcome: idempotency.OutcomeNew, RecordID: "rec-1"}}
	approvals := &fakeApprovals{actionID: "action-1"}
	o := New(&fakeServices{svc: testService()}, &fakeScope{svc: testService()}, fakeInjector{},
		idem, &fakeRisk{assessment: risk.Assessment{Score: 0.9, Blocked: true}}, approvals, &fakeForwarder{}, &fakeAudit{})

	res, err := o.ProxyRequest(context.Background(), Request{
		AgentID: "agent-1", Method: http.MethodPost, TargetURL: "https://api.host.tld/x",
		Headers: http.Header{}, IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, res.Outcome)
	assert.Equal(t, "action-1", res.ActionID)
	assert.Equal(t, http.StatusPreconditionRequired, res.StatusCode)
	assert.True(t, idem.failed, "a blocked call never fulfilled the request, so the record is marked errored, not completed, so a retry after approval re-enters the pipeline")
	assert.False(t, idem.completed)
}

func TestExecuteApprovedRunsOnce(t *testing.T) {
	entry := &approval.Entry{
		ActionID: "action-1", AgentID: "agent-1", ServiceID: "svc-1", Method: http.MethodPost,
		TargetURL: "https://api.host.tld/x", Status: approval.StatusApproved, StrippedHeaders: http.Header{},
	}
	approvals := &fakeApprovals{entry: entry}
	o := New(&fakeServices{svc: testService()}, &fakeScope{}, fakeInjector{}, &fakeIdem{}, &fakeRisk{},
		approvals, &fakeForwarder{resp: &forwarder.Response{StatusCode: 201, Body: []byte("done")}}, &fakeAudit{})

	res, err := o.ExecuteApproved(context.Background(), "action-1")
	require.NoError(t, err)
	assert.Equal(t, 201, res.StatusCode)
	assert.True(t, approvals.executed)
}

func TestExecuteApprovedReturnsTooEarlyWhilePending(t *testing.T) {
	entry := &approval.Entry{ActionID: "action-1", Status: approval.StatusPending}
	o := New(&fakeServices{svc: testService()}, &fakeScope{}, fakeInjector{}, &fakeIdem{}, &fakeRisk{},
		&fakeApprovals{entry: entry}, &fakeForwarder{}, &fakeAudit{})

	_, err := o.ExecuteApproved(context.Background(), "action-1")
	assert.ErrorIs(t, err, ErrApprovalPending)
}

func TestExecuteApprovedRejectsDeniedEntry(t *testing.T) {
	entry := &approval.Entry{ActionID: "action-1", Status: approval.StatusDenied}
	o := New(&fakeServices{svc: testService()}, &fakeScope{}, fakeInjector{}, &fakeIdem{}, &fakeRisk{},
		&fakeApprovals{entry: entry}, &fakeForwarder{}, &fakeAudit{})

	_, err := o.ExecuteApproved(context.Background(), "action-1")
	assert.ErrorIs(t, err, ErrApprovalNotReady)
}

func TestExecuteApprovedRejectsExpiredEntry(t *testing.T) {
	entry := &approval.Entry{ActionID: "action-1", Status: approval.StatusExpired}
	o := New(&fakeServices{svc: testService()}, &fakeScope{}, fakeInjector{}, &fakeIdem{}, &fakeRisk{},
		&fakeApprovals{entry: entry}, &fakeForwarder{}, &fakeAudit{})

	_, err := o.ExecuteApproved(context.Background(), "action-1")
	assert.ErrorIs(t, err, ErrApprovalNotReady)
}

func TestExecuteApprovedReplaysCachedResponseWhenAlreadyExecuted(t *testing.T) {
	entry := &approval.Entry{
		ActionID:      "action-1",
		Status:        approval.StatusExecuted,
		CachedStatus:  sql.NullInt64{Int64: 201, Valid: true},
		CachedHeaders: http.Header{"X-Cached": []string{"yes"}},
		CachedBody:    []byte("already done"),
	}
	forward := &fakeForwarder{}
	o := New(&fakeServices{svc: testService()}, &fakeScope{}, fakeInjector{}, &fakeIdem{}, &fakeRisk{},
		&fakeApprovals{entry: entry}, forward, &fakeAudit{})

	res, err := o.ExecuteApproved(context.Background(), "action-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, res.Outcome)
	assert.Equal(t, 201, res.StatusCode)
	assert.Equal(t, []byte("already done"), res.Body)
}

func TestExecuteApprovedNeverForwardsPastItsExpiryWindow(t *testing.T) {
	entry := &approval.Entry{
		ActionID: "action-1", ServiceID: "svc-1", Method: http.MethodPost,
		TargetURL: "https://api.host.tld/x", Status: approval.StatusApproved, StrippedHeaders: http.Header{},
		ApprovalExpiresAt: sql.NullTime{Time: time.Now().Add(-2 * time.Second), Valid: true},
	}
	forward := &fakeForwarder{resp: &forwarder.Response{StatusCode: 200, Body: []byte("should never ship")}}
	o := New(&fakeServices{svc: testService()}, &fakeScope{}, fakeInjector{}, &fakeIdem{}, &fakeRisk{},
		&fakeApprovals{entry: entry}, forward, &fakeAudit{})

	_, err := o.ExecuteApproved(context.Background(), "action-1")
	assert.ErrorIs(t, err, ErrApprovalNotReady)
	assert.False(t, forward.called, "a row whose window already closed must never reach the forwarder, even while its status still reads APPROVED")
}

func TestExecuteApprovedDiscardsResponseOnExpiryRace(t *testing.T) {
	entry := &approval.Entry{
		ActionID: "action-1", ServiceID: "svc-1", Method: http.MethodPost,
		TargetURL: "https://api.host.tld/x", Status: approval.StatusApproved, StrippedHeaders: http.Header{},
	}
	o := New(&fakeServices{svc: testService()}, &fakeScope{}, fakeInjector{}, &fakeIdem{}, &fakeRisk{},
		&fakeApprovals{entry: entry, failMark: true},
		&fakeForwarder{resp: &forwarder.Response{StatusCode: 200, Body: []byte("too late")}}, &fakeAudit{})

	_, err := o.ExecuteApproved(context.Background(), "action-1")
	assert.ErrorIs(t, err, ErrApprovalNotReady)
}
