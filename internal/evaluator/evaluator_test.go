package evaluator

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	log := zerolog.Nop()
	e := New(&log, Base64RFC4648)
	require.NoError(t, e.Load("", nil))
	return e
}

func TestEvaluateSimpleExpression(t *testing.T) {
	e := newTestEvaluator(t)

	v, err := e.Evaluate(map[string]interface{}{"name": "acme"}, "$.name")
	require.NoError(t, err)
	require.Equal(t, "acme", v)
}

func TestEvaluateNowUTCISO8601(t *testing.T) {
	e := newTestEvaluator(t)

	v, err := e.Evaluate(nil, "NowUTCISO8601()")
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok)
	require.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, s)
}

func TestEvaluateExceptionSurfacesAsEvaluationError(t *testing.T) {
	e := newTestEvaluator(t)

	_, err := e.Evaluate(nil, "throw new Error('boom')")
	require.Error(t, err)
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	require.Contains(t, evalErr.Message, "boom")
}

func TestRSASignSHA256Deterministic(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))

	e := newTestEvaluator(t)
	v1, err := e.Evaluate(map[string]interface{}{"payload": "hello", "pem": pemKey}, "RSASignSHA256($.payload, $.pem)")
	require.NoError(t, err)
	v2, err := e.Evaluate(map[string]interface{}{"payload": "hello", "pem": pemKey}, "RSASignSHA256($.payload, $.pem)")
	require.NoError(t, err)

	// PKCS1v15 signatures are deterministic for a fixed key and message.
	require.Equal(t, v1, v2)
	require.NotEmpty(t, v1)
}
