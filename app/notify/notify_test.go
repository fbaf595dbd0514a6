package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/soloq/app/store"
)

func TestNewService_NoWebhook(t *testing.T) {
	svc, err := NewService(Params{})
	require.NoError(t, err)
	assert.Nil(t, svc)
}

func TestNewService_BadTemplate(t *testing.T) {
	_, err := NewService(Params{WebhookURL: "http://example.com", ErrorTemplate: "{{.Blah"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't parse error template")
}

func TestService_MakeMessage(t *testing.T) {
	svc, err := newService(Params{OnError: true, OnCompletion: true, Host: "worker1"}, &fakeSender{})
	require.NoError(t, err)

	tbl := []struct {
		name string
		rec  store.JobRecord
		msg  string
		ok   bool
	}{
		{name: "failed", rec: store.JobRecord{JobID: "j1", EndpointName: "ep", Status: store.StatusFailed,
			EndedAt: "2026-10-15T10:00:00.000Z", FailureReason: "exit status 1"},
			msg: "soloq job j1 (ep) failed on worker1 at 2026-10-15T10:00:00.000Z: exit status 1", ok: true},
		{name: "canceled", rec: store.JobRecord{JobID: "j2", EndpointName: "ep", Status: store.StatusCanceled,
			EndedAt: "2026-10-15T10:00:00.000Z", FailureReason: "canceled_by_request"},
			msg: "soloq job j2 (ep) canceled on worker1 at 2026-10-15T10:00:00.000Z: canceled_by_request", ok: true},
		{name: "completed", rec: store.JobRecord{JobID: "j3", EndpointName: "ep", Status: store.StatusCompleted,
			EndedAt: "2026-10-15T10:00:00.000Z"},
			msg: "soloq job j3 (ep) completed on worker1 at 2026-10-15T10:00:00.000Z", ok: true},
		{name: "running", rec: store.JobRecord{JobID: "j4", EndpointName: "ep", Status: store.StatusRunning}},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok, err := svc.MakeMessage(tt.rec)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.msg, msg)
		})
	}

	svc, err = newService(Params{OnError: false, OnCompletion: false}, &fakeSender{})
	require.NoError(t, err)
	_, ok, err := svc.MakeMessage(store.JobRecord{JobID: "j1", Status: store.StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok, "errors disabled")
	_, ok, err = svc.MakeMessage(store.JobRecord{JobID: "j1", Status: store.StatusCompleted})
	require.NoError(t, err)
	assert.False(t, ok, "completion disabled")
}

func TestService_CustomTemplate(t *testing.T) {
	svc, err := newService(Params{OnCompletion: true, CompletionTemplate: "done {{.EndpointName}}"}, &fakeSender{})
	require.NoError(t, err)
	msg, ok, err := svc.MakeMessage(store.JobRecord{JobID: "j1", EndpointName: "ep", Status: store.StatusCompleted})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "done ep", msg)

	svc, err = newService(Params{OnError: true, ErrorTemplate: "{{.Missing}}"}, &fakeSender{})
	require.NoError(t, err)
	_, _, err = svc.MakeMessage(store.JobRecord{JobID: "j1", Status: store.StatusFailed})
	assert.Error(t, err)
}

func TestService_OnJobComplete(t *testing.T) {
	sender := &fakeSender{}
	svc, err := newService(Params{WebhookURL: "http://example.com/hook", OnError: true, Timeout: time.Second, Host: "h"}, sender)
	require.NoError(t, err)

	svc.OnJobStart(store.JobRecord{JobID: "j0", Status: store.StatusRunning})
	svc.OnJobComplete(store.JobRecord{JobID: "j1", EndpointName: "ep", Status: store.StatusFailed, EndedAt: "t1", FailureReason: "boom"})
	svc.OnJobComplete(store.JobRecord{JobID: "j2", EndpointName: "ep", Status: store.StatusCompleted, EndedAt: "t2"})
	svc.Close()

	assert.Equal(t, []string{"http://example.com/hook soloq job j1 (ep) failed on h at t1: boom"}, sender.sent())

	sender.err = errors.New("send failed")
	svc.OnJobComplete(store.JobRecord{JobID: "j3", EndpointName: "ep", Status: store.StatusCanceled, EndedAt: "t3"})
	svc.Close() // send error logged only
}

func TestService_Webhook(t *testing.T) {
	var mu sync.Mutex
	var body, header string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		body, header = string(data), r.Header.Get("X-Token")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	svc, err := NewService(Params{WebhookURL: ts.URL, Headers: []string{"X-Token:secret"}, OnCompletion: true, Host: "h"})
	require.NoError(t, err)
	require.NotNil(t, svc)
	svc.OnJobComplete(store.JobRecord{JobID: "j1", EndpointName: "ep", Status: store.StatusCompleted, EndedAt: "t1"})
	svc.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "soloq job j1 (ep) completed on h at t1", body)
	assert.Equal(t, "secret", header)
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, destination, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, destination+" "+text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}
