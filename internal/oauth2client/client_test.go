package oauth2client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/casper2020/casper-http-gateway/internal/httpclient"
	"github.com/casper2020/casper-http-gateway/internal/model"
	"github.com/stretchr/testify/require"
)

func TestClientCredentialsGrant(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token_type":"Bearer","access_token":"A1","refresh_token":"R1","expires_in":3600}`))
	}))
	defer ts.Close()

	hc, err := httpclient.New(httpclient.Options{})
	require.NoError(t, err)
	c := New(hc, &model.OAuth2HTTPConfig{TokenURL: ts.URL, ClientID: "id", ClientSecret: "secret"}, nil)

	done := make(chan *model.Tokens, 1)
	c.ClientCredentialsGrant(context.Background(), false, false, model.Timeouts{}, GrantCallbacks{
		OnSuccess: func(tok *model.Tokens, v *httpclient.Value) { done <- tok },
		OnFailure: func(e *httpclient.Exception) { t.Fatal(e) },
	})

	tok := <-done
	require.Equal(t, "A1", tok.Access)
	require.Equal(t, "R1", tok.Refresh)
}

// A redirect from the token endpoint carries no token JSON to parse; it
// must surface through OnSuccess with the raw Value (status intact)
// rather than fail as a parse-error Exception.
func TestClientCredentialsGrant302SurfacesAsValue(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(302)
	}))
	defer ts.Close()

	hc, err := httpclient.New(httpclient.Options{})
	require.NoError(t, err)
	c := New(hc, &model.OAuth2HTTPConfig{TokenURL: ts.URL, ClientID: "id", ClientSecret: "secret"}, nil)

	done := make(chan *httpclient.Value, 1)
	c.ClientCredentialsGrant(context.Background(), false, false, model.Timeouts{}, GrantCallbacks{
		OnSuccess: func(tok *model.Tokens, v *httpclient.Value) {
			require.Nil(t, tok)
			done <- v
		},
		OnFailure: func(e *httpclient.Exception) { t.Fatal(e) },
	})

	v := <-done
	require.Equal(t, 302, v.Code)
}

func TestDoRefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int32
	apiCalls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token_type":"Bearer","access_token":"A2","refresh_token":"R2","expires_in":3600}`))
		case "/api":
			apiCalls++
			if r.Header.Get("Authorization") == "Bearer A0" {
				w.WriteHeader(401)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer ts.Close()

	hc, err := httpclient.New(httpclient.Options{})
	require.NoError(t, err)
	c := New(hc, &model.OAuth2HTTPConfig{TokenURL: ts.URL + "/token", ClientID: "id", ClientSecret: "secret"}, nil)

	tokens := &model.Tokens{Type: "Bearer", Access: "A0", Refresh: "R0"}

	refreshed := make(chan struct{}, 1)
	done := make(chan *httpclient.Value, 1)
	c.Do(context.Background(), "GET", ts.URL+"/api", nil, "", model.Timeouts{}, tokens, 401, RequestCallbacks{
		OnSuccess:         func(v *httpclient.Value) { done <- v },
		OnFailure:         func(e *httpclient.Exception) { t.Fatal(e) },
		OnTokensRefreshed: func(*model.Tokens) { refreshed <- struct{}{} },
	})

	v := <-done
	<-refreshed
	require.Equal(t, 200, v.Code)
	require.Equal(t, "A2", tokens.Access)
	require.Equal(t, int32(1), calls.Load())
}
