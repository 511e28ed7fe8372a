package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hakobi/internal/auth"
	"github.com/ashita-ai/hakobi/internal/blob"
	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/mcp"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/notify"
	"github.com/ashita-ai/hakobi/internal/ratelimit"
	"github.com/ashita-ai/hakobi/internal/server"
	"github.com/ashita-ai/hakobi/internal/testutil"
)

type env struct {
	srv    *httptest.Server
	jwt    *auth.JWTManager
	store  *testutil.MemStore
	tenant uuid.UUID
}

func newEnv(t *testing.T, limiter ratelimit.Limiter) *env {
	t.Helper()
	logger := testutil.TestLogger()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	blobs, err := blob.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "blobs.db"), 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	local := notify.NewLocal(64)
	notifier := notify.New(logger, 0, local)
	broker := server.NewBroker(local, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go broker.Start(ctx)
	t.Cleanup(cancel)

	store := testutil.NewMemStore()
	engine := lifecycle.New(lifecycle.Config{
		Store:     store,
		Publisher: notifier,
		Blobs:     blobs,
		Logger:    logger,
	})

	srv := server.New(server.ServerConfig{
		Engine:              engine,
		Reader:              store,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Blobs:               blobs,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcp.New(engine, store, logger, "test").MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 4096,
		MaxBlobBytes:        1024,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{srv: ts, jwt: jwtMgr, store: store, tenant: uuid.New()}
}

func (e *env) token(t *testing.T, actorID string, role model.Role) string {
	t.Helper()
	tok, _, err := e.jwt.IssueToken(actorID, e.tenant, role)
	require.NoError(t, err)
	return tok
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) data(t *testing.T, into any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(r.body, &env), string(r.body))
	require.NoError(t, json.Unmarshal(env.Data, into), string(r.body))
}

func (r response) errorCode(t *testing.T) string {
	t.Helper()
	var e model.APIError
	require.NoError(t, json.Unmarshal(r.body, &e), string(r.body))
	return e.Error.Code
}

func (e *env) do(t *testing.T, method, path, token string, body any) response {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rdr = bytes.NewReader(b)
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: out}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	e := newEnv(t, nil)
	resp := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.status)

	var h model.HealthResponse
	resp.data(t, &h)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.NotEmpty(t, resp.header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.header.Get("X-Content-Type-Options"))
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, nil)

	resp := e.do(t, http.MethodGet, "/v1/requests", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)
	assert.Equal(t, model.ErrCodeUnauthorized, resp.errorCode(t))

	resp = e.do(t, http.MethodGet, "/v1/requests", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestRoleGates(t *testing.T) {
	e := newEnv(t, nil)
	courier := e.token(t, "courier-1", model.RoleCourier)
	reader := e.token(t, "reader-1", model.RoleReader)
	admin := e.token(t, "admin-1", model.RoleAdmin)

	body := model.CreateRequestInput{MaterialType: "glass", FillLevel: 50}
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/requests", courier, body).status)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/v1/requests", reader, body).status)
	assert.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/requests", admin, body).status)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/requests", reader, nil).status)
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	requester := e.token(t, "req-1", model.RoleRequester)
	manager := e.token(t, "mgr-1", model.RoleFinalizer)
	courier := e.token(t, "courier-1", model.RoleCourier)

	resp := e.do(t, http.MethodPost, "/v1/requests", requester,
		model.CreateRequestInput{MaterialType: "paper", FillLevel: 90, Urgency: model.UrgencyHigh})
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	var req model.Request
	resp.data(t, &req)
	assert.Equal(t, model.RequestPending, req.Status)
	assert.Equal(t, "/v1/requests/"+req.ID.String(), resp.header.Get("Location"))

	resp = e.do(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/assign", manager, model.AssignInput{CourierID: "courier-1"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	var a model.Assignment
	resp.data(t, &a)
	assert.Equal(t, model.AssignmentAssigned, a.Status)

	base := "/v1/assignments/" + a.ID.String()
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, base+"/start", courier, nil).status)

	resp = e.do(t, http.MethodPost, "/v1/blobs", courier, []byte("photo of the bin"))
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	var br model.BlobResponse
	resp.data(t, &br)
	assert.True(t, strings.HasPrefix(br.Ref, blob.RefPrefix))

	resp = e.do(t, http.MethodPost, base+"/pickup", courier, map[string]any{
		"evidence_ref": br.Ref,
		"quantity":     map[string]any{"value": 12.5, "unit": "kg"},
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	resp.data(t, &a)
	assert.Equal(t, model.AssignmentPickedUp, a.Status)
	require.NotNil(t, a.PickedUpAt)

	resp = e.do(t, http.MethodPost, base+"/delivery", courier, nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))

	// Genuine work makes the assignment immutable.
	resp = e.do(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/assign", manager, model.AssignInput{CourierID: "courier-2"})
	assert.Equal(t, http.StatusConflict, resp.status)

	resp = e.do(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/finalize", manager,
		model.FinalizeInput{Outcome: model.OutcomeCompleted, Note: "weighed at depot"})
	require.Equal(t, http.StatusCreated, resp.status, string(resp.body))
	var p model.ProcessedRecord
	resp.data(t, &p)
	require.NotNil(t, p.CourierID)
	assert.Equal(t, "courier-1", *p.CourierID)

	resp = e.do(t, http.MethodPost, "/v1/processed/"+p.ID.String()+"/courier", manager, model.ReassignInput{CourierID: "courier-2"})
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, model.ErrCodeImmutableAssignment, resp.errorCode(t))

	resp = e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String()+"/timeline", requester, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var tl model.Timeline
	resp.data(t, &tl)
	assert.Equal(t, model.ClassGenuine, tl.Classification)
	assert.Equal(t, []model.StepKind{
		model.StepCreated, model.StepAssigned, model.StepStarted,
		model.StepPickedUp, model.StepDelivered, model.StepProcessed,
	}, tl.Kinds())

	resp = e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String()+"/ledger", requester, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Contains(t, string(resp.body), br.Ref)

	resp = e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String()+"/integrity", requester, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var rep struct {
		Checked  int         `json:"checked"`
		Tampered []uuid.UUID `json:"tampered"`
		Root     string      `json:"root"`
	}
	resp.data(t, &rep)
	assert.Equal(t, 6, rep.Checked)
	assert.Empty(t, rep.Tampered)
	assert.NotEmpty(t, rep.Root)

	resp = e.do(t, http.MethodGet, "/v1/blobs/"+strings.TrimPrefix(br.Ref, blob.RefPrefix), requester, nil)
	require.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, "photo of the bin", string(resp.body))

	// The finalized request leaves active views.
	resp = e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String(), requester, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)

	resp = e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String()+"/events?limit=100", requester, nil)
	require.Equal(t, http.StatusOK, resp.status)
	var list struct {
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
		Limit   int  `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(resp.body, &list))
	assert.Equal(t, 6, list.Total)
	assert.False(t, list.HasMore)
	assert.Equal(t, 100, list.Limit)
}

func TestRetroactiveCourierOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	requester := e.token(t, "req-1", model.RoleRequester)
	manager := e.token(t, "mgr-1", model.RoleFinalizer)

	var req model.Request
	e.do(t, http.MethodPost, "/v1/requests", requester, model.CreateRequestInput{MaterialType: "metal", FillLevel: 40}).data(t, &req)

	var p model.ProcessedRecord
	resp := e.do(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/finalize", manager, model.FinalizeInput{Outcome: model.OutcomeCompleted})
	require.Equal(t, http.StatusCreated, resp.status)
	resp.data(t, &p)

	resp = e.do(t, http.MethodPost, "/v1/processed/"+p.ID.String()+"/courier", manager, model.ReassignInput{CourierID: "courier-9"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	resp.data(t, &p)
	require.NotNil(t, p.CourierID)
	assert.Equal(t, "courier-9", *p.CourierID)

	var tl model.Timeline
	e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String()+"/timeline", manager, nil).data(t, &tl)
	assert.Equal(t, model.ClassRetroactive, tl.Classification)
	assert.Contains(t, tl.Kinds(), model.StepRetroactiveCourier)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, nil)
	requester := e.token(t, "req-1", model.RoleRequester)
	manager := e.token(t, "mgr-1", model.RoleFinalizer)

	resp := e.do(t, http.MethodPost, "/v1/requests", requester, model.CreateRequestInput{FillLevel: 150})
	assert.Equal(t, http.StatusBadRequest, resp.status)
	assert.Equal(t, model.ErrCodeInvalidInput, resp.errorCode(t))

	resp = e.do(t, http.MethodPost, "/v1/requests", requester, `{"material_type":"glass","surprise":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = e.do(t, http.MethodPost, "/v1/requests", requester, `{"material_type":"`+strings.Repeat("x", 5000)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.status)
	assert.Equal(t, model.ErrCodeTooLarge, resp.errorCode(t))

	resp = e.do(t, http.MethodGet, "/v1/requests/not-a-uuid", requester, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = e.do(t, http.MethodGet, "/v1/requests/"+uuid.NewString(), requester, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
	assert.Equal(t, model.ErrCodeNotFound, resp.errorCode(t))

	resp = e.do(t, http.MethodGet, "/v1/requests?status=lost", requester, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)

	var req model.Request
	e.do(t, http.MethodPost, "/v1/requests", requester, model.CreateRequestInput{MaterialType: "glass", FillLevel: 10}).data(t, &req)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/cancel", requester, nil).status)

	resp = e.do(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/finalize", manager, model.FinalizeInput{Outcome: model.OutcomeRejected})
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, model.ErrCodeInvalidState, resp.errorCode(t))
}

func TestConfirmationRequiredOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	requester := e.token(t, "req-1", model.RoleRequester)
	manager := e.token(t, "mgr-1", model.RoleFinalizer)
	courier := e.token(t, "courier-1", model.RoleCourier)

	var req model.Request
	e.do(t, http.MethodPost, "/v1/requests", requester, model.CreateRequestInput{MaterialType: "glass", FillLevel: 10}).data(t, &req)
	var a model.Assignment
	e.do(t, http.MethodPost, "/v1/requests/"+req.ID.String()+"/assign", manager, model.AssignInput{CourierID: "courier-1"}).data(t, &a)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/v1/assignments/"+a.ID.String()+"/pickup", courier,
		map[string]any{"evidence_ref": "https://photos.example/1.jpg"}).status)

	proof := "/v1/assignments/" + a.ID.String() + "/proof"
	resp := e.do(t, http.MethodPost, proof, courier, map[string]any{"stage": "pickup", "evidence_ref": "https://photos.example/2.jpg"})
	assert.Equal(t, http.StatusConflict, resp.status)
	assert.Equal(t, model.ErrCodeConfirmationRequired, resp.errorCode(t))

	resp = e.do(t, http.MethodPost, proof, courier, map[string]any{"stage": "pickup", "evidence_ref": "https://photos.example/2.jpg", "confirm": true})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	var rec model.ProofRecord
	resp.data(t, &rec)
	require.NotNil(t, rec.EvidenceRef)
	assert.Equal(t, "https://photos.example/2.jpg", *rec.EvidenceRef)
}

func TestTenantIsolationOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	requester := e.token(t, "req-1", model.RoleRequester)

	var req model.Request
	e.do(t, http.MethodPost, "/v1/requests", requester, model.CreateRequestInput{MaterialType: "glass", FillLevel: 10}).data(t, &req)

	other, _, err := e.jwt.IssueToken("req-1", uuid.New(), model.RoleRequester)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String(), other, nil).status)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/requests/"+req.ID.String()+"/timeline", other, nil).status)
}

func TestBlobLimits(t *testing.T) {
	e := newEnv(t, nil)
	courier := e.token(t, "courier-1", model.RoleCourier)

	resp := e.do(t, http.MethodPost, "/v1/blobs", courier, []byte{})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = e.do(t, http.MethodPost, "/v1/blobs", courier, bytes.Repeat([]byte("x"), 2048))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.status)

	resp = e.do(t, http.MethodGet, "/v1/blobs/zz", courier, nil)
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestRateLimitedActor(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = lim.Close() })
	e := newEnv(t, lim)
	reader := e.token(t, "reader-1", model.RoleReader)
	admin := e.token(t, "admin-1", model.RoleAdmin)

	for range 2 {
		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/requests", reader, nil).status)
	}
	resp := e.do(t, http.MethodGet, "/v1/requests", reader, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.status)
	assert.Equal(t, model.ErrCodeRateLimited, resp.errorCode(t))

	for range 5 {
		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/v1/requests", admin, nil).status)
	}
}

func TestSubscribeStreamsTenantChanges(t *testing.T) {
	e := newEnv(t, nil)
	requester := e.token(t, "req-1", model.RoleRequester)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/subscribe?access_token="+requester, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	var created model.Request
	e.do(t, http.MethodPost, "/v1/requests", requester, model.CreateRequestInput{MaterialType: "glass", FillLevel: 10}).data(t, &created)

	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "\n\n") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Contains(t, got.String(), "event: request.create")
	assert.Contains(t, got.String(), created.ID.String())
}

func TestMCPOverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	reader := e.token(t, "reader-1", model.RoleReader)
	requester := e.token(t, "req-1", model.RoleRequester)

	var req model.Request
	e.do(t, http.MethodPost, "/v1/requests", requester, model.CreateRequestInput{MaterialType: "glass", FillLevel: 10}).data(t, &req)

	c, err := mcpclient.NewStreamableHttpClient(e.srv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + reader}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	init, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hakobi", init.ServerInfo.Name)

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 5)

	res, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "hakobi_timeline",
			Arguments: map[string]any{"request_id": req.ID.String()},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, "timeline tool returned error: %v", res.Content)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, req.ID.String())
}
