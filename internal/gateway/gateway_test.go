package gateway_test

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/casper2020/casper-http-gateway/internal/gateway"
	"github.com/casper2020/casper-http-gateway/internal/model"
	"github.com/casper2020/casper-http-gateway/internal/shaping"
)

type memCacheStore struct {
	entries map[string][]byte
	puts    int32
	gets    int32
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{entries: map[string][]byte{}}
}

func (m *memCacheStore) Put(uri string, _ time.Duration, data []byte) error {
	atomic.AddInt32(&m.puts, 1)
	m.entries[uri] = append([]byte(nil), data...)
	return nil
}

func (m *memCacheStore) Get(uri string) ([]byte, bool, error) {
	atomic.AddInt32(&m.gets, 1)
	data, ok := m.entries[uri]
	if !ok {
		return nil, false, fmt.Errorf("no entry for %q", uri)
	}
	return data, true, nil
}

func discardLogger() *zerolog.Logger {
	l := zerolog.New(ioutil.Discard)
	return &l
}

func jsonHandler(t *testing.T, code int, body interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if body != nil {
			require.NoError(t, json.NewEncoder(w).Encode(body))
		}
	}
}

func storageProvider(id, storageURL, tokenURL string) *model.ProviderConfig {
	return &model.ProviderConfig{
		ID:   id,
		Type: model.Storage,
		HTTP: model.OAuth2HTTPConfig{TokenURL: tokenURL, ClientID: "cid", ClientSecret: "secret"},
		Grant: model.GrantConfig{
			Kind: model.GrantClientCredentials,
		},
		Storage: &model.StorageConfig{EndpointTokens: storageURL},
	}
}

func push(t *testing.T, d *gateway.Dispatcher, rcid string, params *model.Parameters) *model.Response {
	ch := make(chan *model.Response, 1)
	err := d.Push(model.Tracking{RCID: rcid, UA: "test", RJID: rcid}, params, func(r *model.Response) { ch <- r })
	require.NoError(t, err)
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for job completion")
		return nil
	}
}

func httpParams(id, providerID, url string) *model.Parameters {
	return &model.Parameters{
		ID:         id,
		ProviderID: providerID,
		Type:       model.RequestTypeHTTP,
		HTTP: &model.HTTPRequest{
			Method:   "GET",
			URL:      url,
			Headers:  map[string]string{},
			Timeouts: model.Timeouts{Request: 2 * time.Second},
		},
	}
}

// S1 — Storage happy path.
func TestStorageHappyPath(t *testing.T) {
	var sawAuth string
	var storeHits, apiHits int32

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&storeHits, 1)
		jsonHandler(t, 200, map[string]string{"token_type": "Bearer", "access_token": "A1", "refresh_token": "R1"})(w, r)
	}))
	defer store.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		sawAuth = r.Header.Get("Authorization")
		jsonHandler(t, 200, map[string]int{"u": 1})(w, r)
	}))
	defer api.Close()

	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{storageProvider("acme", store.URL, store.URL)}, ""))

	resp := push(t, d, "r1", httpParams("1", "acme", api.URL+"/me"))

	require.Equal(t, int32(1), atomic.LoadInt32(&storeHits))
	require.Equal(t, int32(1), atomic.LoadInt32(&apiHits))
	require.Equal(t, "Bearer A1", sawAuth)
	require.Equal(t, uint16(200), resp.Code)
}

// S2 — Storage, no tokens, client_credentials restart.
func TestStorageNoTokensClientCredentialsRestart(t *testing.T) {
	var storeHits, tokenHits, apiHits int32
	var saveBody map[string]interface{}

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			atomic.AddInt32(&storeHits, 1)
			w.WriteHeader(404)
			return
		}
		atomic.AddInt32(&tokenHits, 1)
		body, _ := ioutil.ReadAll(r.Body)
		_ = json.Unmarshal(body, &saveBody)
		jsonHandler(t, 200, nil)(w, r)
	}))
	defer store.Close()

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenHits, 1)
		jsonHandler(t, 200, map[string]string{"token_type": "Bearer", "access_token": "A2", "refresh_token": "R2"})(w, r)
	}))
	defer token.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		jsonHandler(t, 200, map[string]int{"u": 1})(w, r)
	}))
	defer api.Close()

	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{storageProvider("acme", store.URL, token.URL)}, ""))

	resp := push(t, d, "r2", httpParams("2", "acme", api.URL+"/me"))

	require.Equal(t, int32(1), atomic.LoadInt32(&storeHits))
	require.Equal(t, int32(1), atomic.LoadInt32(&apiHits))
	require.Equal(t, uint16(200), resp.Code)
}

// S3 — 401 forces refresh via the existing refresh token.
func TestStorage401ForcesRefresh(t *testing.T) {
	var apiCalls int32

	store := httptest.NewServer(jsonHandler(t, 200, map[string]string{"token_type": "Bearer", "access_token": "A0", "refresh_token": "R0"}))
	defer store.Close()

	var sawRefreshToken string
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		sawRefreshToken = string(body)
		jsonHandler(t, 200, map[string]string{"token_type": "Bearer", "access_token": "A1", "refresh_token": "R1"})(w, r)
	}))
	defer token.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&apiCalls, 1)
		if n == 1 {
			w.WriteHeader(401)
			return
		}
		jsonHandler(t, 200, map[string]int{"u": 1})(w, r)
	}))
	defer api.Close()

	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{storageProvider("acme", store.URL, token.URL)}, ""))

	resp := push(t, d, "r3", httpParams("3", "acme", api.URL+"/me"))

	require.Equal(t, int32(2), atomic.LoadInt32(&apiCalls))
	require.Contains(t, sawRefreshToken, "refresh_token=R0")
	require.Equal(t, uint16(200), resp.Code)
}

// S4 — 302 at the token endpoint synthesizes a 500 unsupported_response.
func TestTokenEndpoint302Synthesizes500(t *testing.T) {
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	}))
	defer store.Close()

	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(302)
	}))
	defer token.Close()

	api := httptest.NewServer(jsonHandler(t, 200, map[string]int{"u": 1}))
	defer api.Close()

	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{storageProvider("acme", store.URL, token.URL)}, ""))

	resp := push(t, d, "r4", httpParams("4", "acme", api.URL+"/me"))

	require.Equal(t, uint16(500), resp.Code)
	require.Equal(t, "unsupported_response", fmt.Sprintf("%v", resp.JSON.(map[string]interface{})["error"]))
}

// Invariant 1 / DuplicateRequest — a second Push with the same rcid while
// the first is still in flight is rejected.
func TestDuplicatePushRejected(t *testing.T) {
	release := make(chan struct{})
	var closeOnce int32
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		jsonHandler(t, 200, map[string]string{"token_type": "Bearer", "access_token": "A1", "refresh_token": "R1"})(w, r)
	}))
	defer store.Close()

	api := httptest.NewServer(jsonHandler(t, 200, map[string]int{"u": 1}))
	defer api.Close()

	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{storageProvider("acme", store.URL, store.URL)}, ""))

	ch := make(chan *model.Response, 1)
	require.NoError(t, d.Push(model.Tracking{RCID: "dup", UA: "t", RJID: "dup"}, httpParams("5", "acme", api.URL+"/me"), func(r *model.Response) { ch <- r }))

	err := d.Push(model.Tracking{RCID: "dup", UA: "t", RJID: "dup"}, httpParams("5", "acme", api.URL+"/me"), func(r *model.Response) {})
	require.Error(t, err)

	if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
		close(release)
	}
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("first push never completed")
	}
}

// S6 — evaluator templating computes the request body.
func TestEvaluatorTemplatesRequestBody(t *testing.T) {
	var seenBody string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := ioutil.ReadAll(r.Body)
		seenBody = string(body)
		jsonHandler(t, 200, map[string]int{"u": 1})(w, r)
	}))
	defer api.Close()

	provider := &model.ProviderConfig{
		ID:   "tmpl",
		Type: model.Storageless,
		Grant: model.GrantConfig{
			Kind: model.GrantClientCredentials,
		},
		Storageless: &model.StoragelessConfig{Tokens: model.Tokens{Type: "Bearer", Access: "static"}},
	}

	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{provider}, ""))

	params := &model.Parameters{
		ID:         "6",
		ProviderID: "tmpl",
		Type:       model.RequestTypeHTTP,
		HTTP: &model.HTTPRequest{
			Method:   "POST",
			URL:      api.URL + "/sign",
			Headers:  map[string]string{},
			Timeouts: model.Timeouts{Request: 2 * time.Second},
			Template: &model.Template{
				Expr: `({value: $.payload.value})`,
				Data: map[string]interface{}{"value": "hello"},
			},
		},
	}

	resp := push(t, d, "r6", params)
	require.Equal(t, uint16(200), resp.Code)
	require.JSONEq(t, `{"value":"hello"}`, seenBody)
}

// A successful PerformRequest with a cache URI configured is written to
// the cache; a second Push for the same URI is served from the cache
// without a second outbound call.
func TestResponseCacheServesSecondRequestWithoutOutboundCall(t *testing.T) {
	var apiHits int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		jsonHandler(t, 200, map[string]int{"u": 1})(w, r)
	}))
	defer api.Close()

	provider := &model.ProviderConfig{
		ID:          "cached",
		Type:        model.Storageless,
		Storageless: &model.StoragelessConfig{Tokens: model.Tokens{Type: "Bearer", Access: "static"}},
	}
	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{provider}, ""))

	cache := newMemCacheStore()
	d.SetCacheStore(cache)

	params := func(id string) *model.Parameters {
		p := httpParams(id, "cached", api.URL+"/me")
		p.HTTP.Response = &model.HTTPResponse{URI: "cache://me", Validity: int64(time.Minute)}
		return p
	}

	resp1 := push(t, d, "c1", params("c1"))
	require.Equal(t, uint16(200), resp1.Code)
	require.Equal(t, int32(1), atomic.LoadInt32(&apiHits))
	require.Equal(t, int32(1), atomic.LoadInt32(&cache.puts))

	resp2 := push(t, d, "c2", params("c2"))
	require.Equal(t, uint16(200), resp2.Code)
	require.Equal(t, int32(1), atomic.LoadInt32(&apiHits), "second request must be served from cache")
	require.JSONEq(t, `{"u":1}`, resp2.Body)
}

// §4.5: when HTTPResponse.url is set alongside uri, the served payload is
// replaced with a reference to it instead of the real body once the body
// has been written to the cache.
func TestResponseCacheReplacesBodyWithURLReference(t *testing.T) {
	api := httptest.NewServer(jsonHandler(t, 200, map[string]int{"u": 1}))
	defer api.Close()

	provider := &model.ProviderConfig{
		ID:          "offload",
		Type:        model.Storageless,
		Storageless: &model.StoragelessConfig{Tokens: model.Tokens{Type: "Bearer", Access: "static"}},
	}
	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{provider}, ""))

	cache := newMemCacheStore()
	d.SetCacheStore(cache)

	params := httpParams("u1", "offload", api.URL+"/me")
	params.HTTP.Response = &model.HTTPResponse{
		URI:      "cache://payload-1",
		URL:      "https://cdn.example.com/payload-1",
		Validity: int64(time.Minute),
	}

	resp := push(t, d, "u1", params)
	require.Equal(t, uint16(200), resp.Code)
	require.Equal(t, int32(1), atomic.LoadInt32(&cache.puts))
	require.JSONEq(t, `{"u":1}`, string(cache.entries["cache://payload-1"]))
	require.JSONEq(t, `{"url":"https://cdn.example.com/payload-1"}`, resp.Body)
}

// A provider's tmp_config.base_url fills in HTTPResponse.URL (and
// tmp_config.validity fills in HTTPResponse.Validity) when a job names
// only a cache URI, per spec.md §3's tmp_config field.
func TestTmpConfigSuppliesResponseURLDefault(t *testing.T) {
	api := httptest.NewServer(jsonHandler(t, 200, map[string]int{"u": 1}))
	defer api.Close()

	provider := &model.ProviderConfig{
		ID:          "defaulted",
		Type:        model.Storageless,
		TmpConfig:   model.TmpConfig{Validity: int64(time.Minute), BaseURL: "https://cdn.example.com/"},
		Storageless: &model.StoragelessConfig{Tokens: model.Tokens{Type: "Bearer", Access: "static"}},
	}
	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{provider}, ""))

	cache := newMemCacheStore()
	d.SetCacheStore(cache)

	params := httpParams("d1", "defaulted", api.URL+"/me")
	params.HTTP.Response = &model.HTTPResponse{URI: "cache://payload-2"}

	resp := push(t, d, "d1", params)
	require.Equal(t, uint16(200), resp.Code)
	require.JSONEq(t, `{"url":"https://cdn.example.com/payload-2"}`, resp.Body)
}

// An interceptor expression rewrites the response body before it is
// published or cached.
func TestInterceptorRewritesResponseBody(t *testing.T) {
	api := httptest.NewServer(jsonHandler(t, 200, map[string]int{"u": 1}))
	defer api.Close()

	provider := &model.ProviderConfig{
		ID:          "intercepted",
		Type:        model.Storageless,
		Storageless: &model.StoragelessConfig{Tokens: model.Tokens{Type: "Bearer", Access: "static"}},
	}
	d := gateway.NewDispatcher(discardLogger(), gateway.QueueDepths{})
	require.NoError(t, d.Setup([]*model.ProviderConfig{provider}, ""))

	params := httpParams("i1", "intercepted", api.URL+"/me")
	params.HTTP.Response = &model.HTTPResponse{
		Interceptor: &model.Interceptor{V8Expr: `({doubled: $.response.u * 2})`},
	}

	resp := push(t, d, "i1", params)
	require.Equal(t, uint16(200), resp.Code)
	require.JSONEq(t, `{"doubled":2}`, resp.Body)
}

var _ shaping.CacheStore = (*memCacheStore)(nil)
