package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"MailRota/internal/email"
	"MailRota/internal/health"
	"MailRota/internal/memstore"
	"MailRota/internal/models"
	"MailRota/internal/progress"
	"MailRota/internal/queue"
	"MailRota/internal/sender"
	"MailRota/internal/worker"
)

type testServer struct {
	srv     *httptest.Server
	store   *memstore.Store
	batches chan worker.Batch
	fail    error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{store: memstore.New(), batches: make(chan worker.Batch, 1)}
	log := zap.NewNop()

	q := queue.New(ts.store, queue.DefaultRetryPolicy(), log)
	reg := sender.NewRegistry(ts.store, ts.store, log)
	require.NoError(t, reg.Seed(context.Background(), []models.SenderAccount{
		{Email: "a@example.com", DailyLimit: 5, IsPrimary: true},
		{Email: "b@example.com", DailyLimit: 5},
	}))
	rot := sender.NewRotation(reg)
	mon := health.NewMonitor(ts.store, health.DefaultConfig(), log)

	transport := email.TransportFunc(func(context.Context, models.SenderAccount, email.Message) error {
		return ts.fail
	})
	proc := worker.NewProcessor(worker.Config{
		Queue: q, Registry: reg, Rotation: rot, Health: mon, Transport: transport, Logger: log,
	})

	h := &Handler{
		Queue:     q,
		Registry:  reg,
		Rotation:  rot,
		Health:    mon,
		Progress:  progress.NewAggregator(ts.store),
		Processor: proc,
		Batches:   ts.batches,
		BatchSize: 50,
		Log:       log,
	}
	ts.srv = httptest.NewServer(NewRouter(h))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return ts.send(t, req)
}

func (ts *testServer) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	out, ok := raw.(map[string]any)
	if !ok {
		out = map[string]any{"items": raw}
	}
	return resp.StatusCode, out
}

func (ts *testServer) enqueue(t *testing.T, recipient string) string {
	t.Helper()
	code, body := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"campaign_id":     4,
		"recipient_email": recipient,
		"subject":         "Partnership",
		"body":            "<p>hi</p>",
	})
	require.Equal(t, http.StatusAccepted, code, body)
	return body["id"].(string)
}

func TestEnqueueAndProcess(t *testing.T) {
	ts := newTestServer(t)
	id := ts.enqueue(t, "r@example.com")

	code, body := ts.do(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["queued"])
	assert.EqualValues(t, 0, body["sent"])

	code, body = ts.do(t, http.MethodPost, "/api/queue/process?max=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["sent"])

	code, body = ts.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sent", body["status"])
	assert.Equal(t, "a@example.com", body["sender_email"])

	code, body = ts.do(t, http.MethodGet, "/api/senders/a@example.com", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 4, body["remaining"])

	code, body = ts.do(t, http.MethodGet, "/api/campaigns/4/progress", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["sent"])
	assert.EqualValues(t, 1, body["completion_rate"])
}

func TestEnqueueValidation(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"campaign_id":     4,
		"recipient_email": "nope",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "RecipientEmail")
	assert.Contains(t, fields, "Subject")

	code, _ = ts.do(t, http.MethodPost, "/api/tasks", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTaskAdminActions(t *testing.T) {
	ts := newTestServer(t)
	id := ts.enqueue(t, "r@example.com")

	code, body := ts.do(t, http.MethodPost, "/api/tasks/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", body["status"])

	code, _ = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "queued", body["status"])

	code, body = ts.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])

	code, body = ts.do(t, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "task not found", body["error"])
}

func TestSenderAdministration(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/senders/a@example.com/suspend", map[string]string{"reason": "spam complaints"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "suspended", body["status"])

	code, body = ts.do(t, http.MethodGet, "/api/health/unhealthy", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = ts.do(t, http.MethodGet, "/api/senders/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["eligible_senders"])
	assert.EqualValues(t, 1, body["suspended_senders"])

	code, body = ts.do(t, http.MethodPost, "/api/senders/a@example.com/reactivate", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	code, _ = ts.do(t, http.MethodPost, "/api/senders/b@example.com/disable", nil)
	require.Equal(t, http.StatusOK, code)
	code, body = ts.do(t, http.MethodPost, "/api/senders/a@example.com/disable", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "last enabled")

	code, body = ts.do(t, http.MethodPost, "/api/senders/b@example.com/primary", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_primary"])

	code, _ = ts.do(t, http.MethodPost, "/api/senders/ghost@example.com/reset-counters", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestProcessAsyncAndBusyPool(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodPost, "/api/queue/process?async=true&max=7", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.EqualValues(t, 7, body["max"])

	code, _ = ts.do(t, http.MethodPost, "/api/queue/process?async=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	b := <-ts.batches
	assert.Equal(t, 7, b.MaxTasks)

	code, _ = ts.do(t, http.MethodPost, "/api/queue/process?max=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProcessRecordsPermanentFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.fail = &textproto.Error{Code: 550, Msg: "no such user"}
	id := ts.enqueue(t, "gone@example.com")

	code, body := ts.do(t, http.MethodPost, "/api/queue/process", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["permanent"])

	_, body = ts.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	assert.Equal(t, "failed_permanent", body["status"])
}

func TestStuckEndpoints(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/queue/stuck", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	code, body = ts.do(t, http.MethodPost, "/api/queue/release-stuck", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["released"])
}

func TestImportCampaignCSV(t *testing.T) {
	ts := newTestServer(t)
	csv := strings.Join([]string{
		"Email,FirstName,Sender",
		"ann@example.com,Ann,",
		"bob@example.com,Bob,b@example.com",
		"not-an-email,Nope,",
	}, "\n")

	q := url.Values{}
	q.Set("subject", "Hi {{.FirstName}}")
	q.Set("body", "<p>Hello {{.FirstName}}</p>")
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/campaigns/9/import?"+q.Encode(), strings.NewReader(csv))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/csv")

	code, body := ts.send(t, req)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.EqualValues(t, 2, body["enqueued"])
	skipped := body["skipped"].([]any)
	require.Len(t, skipped, 1)
	assert.EqualValues(t, 4, skipped[0].(map[string]any)["line"])

	ids := body["task_ids"].([]any)
	_, task := ts.do(t, http.MethodGet, "/api/tasks/"+ids[1].(string), nil)
	assert.Equal(t, "Hi Bob", task["subject"])
	assert.Equal(t, "<p>Hello Bob</p>", task["body"])
	assert.Equal(t, "b@example.com", task["sender_email"])
	assert.Equal(t, true, task["pinned_sender"])

	code, body = ts.do(t, http.MethodGet, "/api/campaigns", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["items"], 1)
}

func TestImportCampaignMultipart(t *testing.T) {
	ts := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("subject", "Quick note"))
	require.NoError(t, mw.WriteField("body", "<p>{{.site}}</p>"))
	fw, err := mw.CreateFormFile("file", "list.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("email,site,scheduled_at\nann@example.com,example.org," +
		time.Now().Add(time.Hour).UTC().Format(time.RFC3339) + "\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/campaigns/3/import", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	code, body := ts.send(t, req)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.EqualValues(t, 1, body["enqueued"])

	// scheduled in the future, so nothing is due yet
	_, body = ts.do(t, http.MethodPost, "/api/queue/process", nil)
	assert.EqualValues(t, 0, body["processed"])

	code, _ = ts.do(t, http.MethodPost, "/api/campaigns/abc/import", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthViewsDoNotSuspend(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 6; i++ {
		ts.store.RecordAttempt(models.DeliveryAttempt{
			ID:          uuid.NewString(),
			TaskID:      uuid.NewString(),
			SenderEmail: "a@example.com",
			Outcome:     models.StatusFailed,
			CreatedAt:   time.Now().Add(-time.Minute),
		})
	}

	for i := 0; i < 4; i++ {
		code, body := ts.do(t, http.MethodGet, "/api/health/unhealthy", nil)
		require.Equal(t, http.StatusOK, code)
		assert.EqualValues(t, 1, body["count"])

		code, body = ts.do(t, http.MethodGet, "/api/health/senders/a@example.com", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "critical", body["status"])
	}

	_, body := ts.do(t, http.MethodGet, "/api/senders/a@example.com", nil)
	assert.Equal(t, false, body["suspended"])

	for i := 0; i < 3; i++ {
		code, _ := ts.do(t, http.MethodPost, "/api/health/check", nil)
		require.Equal(t, http.StatusOK, code)
	}
	_, body = ts.do(t, http.MethodGet, "/api/senders/a@example.com", nil)
	assert.Equal(t, true, body["suspended"])
}
