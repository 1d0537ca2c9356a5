package jobqueue_test

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/casper2020/casper-http-gateway/internal/gateway"
	"github.com/casper2020/casper-http-gateway/internal/jobqueue"
	"github.com/casper2020/casper-http-gateway/internal/model"
)

type fakeClient struct {
	mu        sync.Mutex
	handlers  map[string]func(jobqueue.Job)
	published []struct {
		topic   string
		payload []byte
	}
	done chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]func(jobqueue.Job){}, done: make(chan struct{}, 8)}
}

func (f *fakeClient) Subscribe(tube string, handler func(jobqueue.Job)) error {
	f.mu.Lock()
	f.handlers[tube] = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Publish(replyTopic string, payload []byte) error {
	f.mu.Lock()
	f.published = append(f.published, struct {
		topic   string
		payload []byte
	}{replyTopic, payload})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) deliver(tube string, payload string) {
	f.mu.Lock()
	h := f.handlers[tube]
	f.mu.Unlock()
	h(jobqueue.Job{Tube: tube, Payload: []byte(payload)})
}

func discardLogger() *zerolog.Logger {
	l := zerolog.New(ioutil.Discard)
	return &l
}

func waitPublishes(t *testing.T, f *fakeClient, n int) {
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for publish %d/%d", i+1, n)
		}
	}
}

func TestWorkerHappyPathPublishesProgressThenDone(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"u":1}`))
	}))
	defer api.Close()

	provider := &model.ProviderConfig{
		ID:          "acme",
		Type:        model.Storageless,
		Storageless: &model.StoragelessConfig{Tokens: model.Tokens{Type: "Bearer", Access: "static"}},
	}
	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{provider}, ""))

	fc := newFakeClient()
	w := jobqueue.NewWorker(fc, d, discardLogger(), nil)
	require.NoError(t, w.Subscribe([]string{"acme"}))

	payload, err := json.Marshal(map[string]interface{}{
		"id": 42, "tube": "acme", "ttr": 5, "validity": 0,
		"http": map[string]interface{}{"method": "GET", "url": api.URL + "/me"},
	})
	require.NoError(t, err)

	fc.deliver("acme", string(payload))
	waitPublishes(t, fc, 2)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.published, 2)

	var progress map[string]interface{}
	require.NoError(t, json.Unmarshal(fc.published[0].payload, &progress))
	require.Equal(t, "DoingIt", progress["step"])
	require.Equal(t, "InProgress", progress["status"])
	require.EqualValues(t, 42, progress["__id__"])

	var done map[string]interface{}
	require.NoError(t, json.Unmarshal(fc.published[1].payload, &done))
	require.Equal(t, "Done", done["step"])
	require.Equal(t, "Completed", done["status"])
	require.EqualValues(t, 200, done["code"])
	require.Equal(t, map[string]interface{}{"u": float64(1)}, done["body"])
	require.Equal(t, "application/json", done["content-type"])
}

func TestWorkerMissingHTTPURLRejectsWithoutTouchingDispatcher(t *testing.T) {
	provider := &model.ProviderConfig{
		ID:          "acme",
		Type:        model.Storageless,
		Storageless: &model.StoragelessConfig{},
	}
	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{provider}, ""))

	fc := newFakeClient()
	w := jobqueue.NewWorker(fc, d, discardLogger(), nil)
	require.NoError(t, w.Subscribe([]string{"acme"}))

	payload, err := json.Marshal(map[string]interface{}{"id": 7, "tube": "acme"})
	require.NoError(t, err)

	fc.deliver("acme", string(payload))
	waitPublishes(t, fc, 1)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.published, 1)

	var done map[string]interface{}
	require.NoError(t, json.Unmarshal(fc.published[0].payload, &done))
	require.Equal(t, "Done", done["step"])
	require.Equal(t, "Failed", done["status"])
	require.EqualValues(t, 400, done["code"])
}
