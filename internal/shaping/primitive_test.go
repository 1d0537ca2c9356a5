package shaping

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameParseRoundTrip(t *testing.T) {
	cases := []struct {
		code    uint16
		ct      string
		body    string
		headers []HeaderKV
	}{
		{200, "application/json", `{"u":1}`, nil},
		{200, "application/json", `{"k":"a,b"}`, []HeaderKV{{Name: "X-Trace", Value: "1,2"}}},
		{500, "text/plain", "comma,in,body,,,", []HeaderKV{{Name: "A", Value: "1"}, {Name: "B", Value: "x,y,z"}}},
		{204, "", "", nil},
	}

	for _, c := range cases {
		frame := Frame(c.code, c.ct, c.body, c.headers)
		gotCode, gotCT, gotBody, gotHeaders, err := Parse(frame)
		require.NoError(t, err)
		require.Equal(t, c.code, gotCode)
		require.Equal(t, c.ct, gotCT)
		require.Equal(t, c.body, gotBody)
		require.Equal(t, len(c.headers), len(gotHeaders))
		for i := range c.headers {
			require.Equal(t, c.headers[i], gotHeaders[i])
		}
	}
}

// TestFrameS5Scenario exercises spec.md §8 scenario S5.
func TestFrameS5Scenario(t *testing.T) {
	frame := Frame(200, "application/json", `{"k":"a,b"}`, []HeaderKV{{Name: "X-Trace", Value: "1,2"}})
	require.Equal(t, "!200,16,application/json,11,"+`{"k":"a,b"}`+",11,X-Trace:1,2", frame)

	code, ct, body, headers, err := Parse(frame)
	require.NoError(t, err)
	require.Equal(t, uint16(200), code)
	require.Equal(t, "application/json", ct)
	require.Equal(t, `{"k":"a,b"}`, body)
	require.Equal(t, []HeaderKV{{Name: "X-Trace", Value: "1,2"}}, headers)
}
