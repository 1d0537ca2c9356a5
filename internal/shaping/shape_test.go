package shaping

import (
	"testing"

	"github.com/casper2020/casper-http-gateway/internal/model"
	"github.com/stretchr/testify/require"
)

func TestShapeStructuredParsesJSONBody(t *testing.T) {
	resp := &model.Response{Code: 200, ContentType: "application/json", Body: `{"u":1}`}
	out, err := Shape(resp, false)
	require.NoError(t, err)
	body, ok := out["body"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(1), body["u"])
}

func TestShapeStructuredKeepsNonJSONBodyAsString(t *testing.T) {
	resp := &model.Response{Code: 200, ContentType: "text/plain", Body: "hello"}
	out, err := Shape(resp, false)
	require.NoError(t, err)
	require.Equal(t, "hello", out["body"])
}

func TestShapePrimitiveFramesResponse(t *testing.T) {
	resp := &model.Response{Code: 200, ContentType: "application/json", Body: `{"u":1}`}
	out, err := Shape(resp, true)
	require.NoError(t, err)
	data, ok := out["data"].(string)
	require.True(t, ok)

	code, ct, body, _, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, uint16(200), code)
	require.Equal(t, "application/json", ct)
	require.Equal(t, `{"u":1}`, body)
}

type stubEvaluator struct {
	result interface{}
	err    error
}

func (s *stubEvaluator) Evaluate(object interface{}, expression string) (interface{}, error) {
	return s.result, s.err
}

func TestInterceptReplacesBody(t *testing.T) {
	resp := &model.Response{Code: 200, ContentType: "application/json", Body: `{"u":1}`}
	eval := &stubEvaluator{result: map[string]interface{}{"wrapped": true}}

	err := Intercept(eval, resp, &model.Interceptor{V8Expr: "$.response"})
	require.NoError(t, err)
	require.JSONEq(t, `{"wrapped":true}`, resp.Body)
}

func TestInterceptNoOpWhenNil(t *testing.T) {
	resp := &model.Response{Code: 200, Body: "unchanged"}
	err := Intercept(&stubEvaluator{}, resp, nil)
	require.NoError(t, err)
	require.Equal(t, "unchanged", resp.Body)
}
