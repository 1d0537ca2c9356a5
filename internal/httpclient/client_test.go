package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/casper2020/casper-http-gateway/internal/model"
	"github.com/stretchr/testify/require"
)

func TestClientGETSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Trace", "1,2")
		w.Write([]byte(`{"u":1}`))
	}))
	defer ts.Close()

	c, err := New(Options{})
	require.NoError(t, err)

	done := make(chan *Value, 1)
	c.GET(context.Background(), ts.URL, nil, model.Timeouts{}, Callbacks{
		OnSuccess: func(v *Value) { done <- v },
	}, nil)

	v := <-done
	require.Equal(t, 200, v.Code)
	require.Equal(t, `{"u":1}`, v.Body)
	require.Equal(t, "1,2", v.Headers["X-Trace"])
}

func TestClientRedactsAuthorizationInTrace(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer ts.Close()

	c, err := New(Options{})
	require.NoError(t, err)

	var seenHeaders map[string]string
	trace := &TraceHooks{
		Redact: true,
		LogRequest: func(method, url string, headers map[string]string, body string) {
			seenHeaders = headers
		},
	}

	done := make(chan *Value, 1)
	c.GET(context.Background(), ts.URL, map[string]string{"Authorization": "Bearer secret"}, model.Timeouts{}, Callbacks{
		OnSuccess: func(v *Value) { done <- v },
	}, trace)
	<-done

	require.Equal(t, "***", seenHeaders["Authorization"])
}
