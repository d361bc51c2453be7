package engine

import (
	"testing"

	"github.com/joeycumines/goofy/internal/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) endpoint.URL {
	t.Helper()
	u, err := endpoint.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRequestTemplate_defaults(t *testing.T) {
	tmpl := newRequestTemplate(mustURL(t, "http://Example.com/path?q=1"), nil)
	assert.Equal(t,
		"GET /path?q=1 HTTP/1.0\r\nHost: example.com\r\nUser-Agent: Goofy 0.0\r\n\r\n",
		string(tmpl.appendRequest(nil, false, 7)),
	)
}

func TestRequestTemplate_headersInOrder(t *testing.T) {
	tmpl := newRequestTemplate(mustURL(t, "http://a.test/"), []string{"X-One: 1", "Accept: */*"})
	assert.Equal(t,
		"GET / HTTP/1.0\r\nX-One: 1\r\nAccept: */*\r\nHost: a.test\r\nUser-Agent: Goofy 0.0\r\n\r\n",
		string(tmpl.appendRequest(nil, false, 0)),
	)
}

func TestRequestTemplate_operatorOverrides(t *testing.T) {
	tmpl := newRequestTemplate(mustURL(t, "http://a.test/"), []string{"HOST: b.test", "user-agent: bench"})
	assert.Equal(t,
		"GET / HTTP/1.0\r\nHOST: b.test\r\nuser-agent: bench\r\n\r\n",
		string(tmpl.appendRequest(nil, false, 0)),
	)
}

func TestRequestTemplate_unique(t *testing.T) {
	plain := newRequestTemplate(mustURL(t, "http://a.test/x"), nil)
	assert.Equal(t,
		"GET /x?cnt=42 HTTP/1.0\r\nHost: a.test\r\nUser-Agent: Goofy 0.0\r\n\r\n",
		string(plain.appendRequest(nil, true, 42)),
	)

	query := newRequestTemplate(mustURL(t, "http://a.test/x?y=1"), nil)
	assert.Equal(t,
		"GET /x?y=1&cnt=43 HTTP/1.0\r\nHost: a.test\r\nUser-Agent: Goofy 0.0\r\n\r\n",
		string(query.appendRequest(nil, true, 43)),
	)
}

func TestRequestTemplate_appendReusesBuffer(t *testing.T) {
	tmpl := newRequestTemplate(mustURL(t, "http://a.test/"), nil)
	buf := make([]byte, 0, 256)
	first := tmpl.appendRequest(buf[:0], true, 1)
	second := tmpl.appendRequest(buf[:0], true, 2)
	assert.Equal(t, &first[0], &second[0])
	assert.Contains(t, string(second), "cnt=2 ")
	assert.LessOrEqual(t, len(second), tmpl.maxLen())
}
