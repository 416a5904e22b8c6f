package webhook

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidURL(t *testing.T) {
	for _, u := range []string{
		"http://example.com/answer/",
		"https://example.com:8080/a?b=c",
		"http://127.0.0.1:5000/",
		"http://localhost/x",
		"example.com/no-scheme",
	} {
		assert.True(t, ValidURL(u), u)
	}
	for _, u := range []string{"", "not a url", "::bad::"} {
		assert.False(t, ValidURL(u), u)
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "http://x.example.com/a+b", NormalizeURL("  http://x.example.com/a b "))
}

func TestSignatureIsDeterministic(t *testing.T) {
	params := url.Values{}
	params.Set("To", "1002")
	params.Set("From", "5550100")

	sig := Signature("token", "http://x.example.com/answer/", params)
	assert.NotEmpty(t, sig)
	assert.Equal(t, sig, Signature("token", "http://x.example.com/answer/", params))

	assert.NotEqual(t, sig, Signature("other-token", "http://x.example.com/answer/", params))
	assert.NotEqual(t, sig, Signature("token", "http://x.example.com/hangup/", params))

	changed := url.Values{}
	changed.Set("To", "1003")
	changed.Set("From", "5550100")
	assert.NotEqual(t, sig, Signature("token", "http://x.example.com/answer/", changed))
}

func TestFetchPostSignsAndSendsForm(t *testing.T) {
	var gotSig, gotTo, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotSig = r.Header.Get(SignatureHeader)
		r.ParseForm()
		gotTo = r.PostFormValue("To")
		w.Write([]byte("<Response></Response>"))
	}))
	defer srv.Close()

	c := NewClient("MAXXXXXXXXXXXXXXXXXX", "token", nil)
	params := url.Values{}
	params.Set("To", "1002")

	body, err := c.Fetch(srv.URL, params, "POST")
	require.NoError(t, err)
	assert.Equal(t, "<Response></Response>", string(body))
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "1002", gotTo)
	assert.Equal(t, Signature("token", srv.URL, params), gotSig)
}

func TestFetchGetAppendsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("CallUUID")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient("", "", nil)
	params := url.Values{}
	params.Set("CallUUID", "uuid-1")

	_, err := c.Fetch(srv.URL, params, "GET")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", gotQuery)
}

func TestFetchReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient("", "", nil)
	_, err := c.Fetch(srv.URL, nil, "POST")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFetchWithoutTokenSkipsSignature(t *testing.T) {
	var hasSig bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasSig = r.Header[SignatureHeader]
	}))
	defer srv.Close()

	c := NewClient("", "", nil)
	_, err := c.Fetch(srv.URL, nil, "POST")
	require.NoError(t, err)
	assert.False(t, hasSig)
}
