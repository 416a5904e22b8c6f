package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, reload func() error) *API {
	t.Helper()
	return NewAPI(newTestManager(t), reload, nil)
}

func postForm(t *testing.T, h http.Handler, path string, form url.Values, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth {
		req.SetBasicAuth("MAXXXXXXXXXXXXXXXXXX", "token")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestAuthRejectsMissingCredentials(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)

	rec := postForm(t, router, "/v0.1/Call/", url.Values{}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth("MAXXXXXXXXXXXXXXXXXX", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAcceptsValidCredentials(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)
	req := httptest.NewRequest("GET", "/", nil)
	req.SetBasicAuth("MAXXXXXXXXXXXXXXXXXX", "token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthIPAllowlist(t *testing.T) {
	router := newTestAPI(t, nil).Router("", "", []string{"10.0.0.1"})
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:4444"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.RemoteAddr = "10.0.0.1:4444"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallValidation(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)

	rec := postForm(t, router, "/v0.1/Call/", url.Values{}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
	assert.Equal(t, "Mandatory Parameters Missing", payload["Message"])

	form := url.Values{}
	form.Set("From", "5550100")
	form.Set("To", "1002")
	form.Set("Gateways", "sofia/gateway/gw1")
	form.Set("AnswerUrl", "not a url")
	rec = postForm(t, router, "/v0.1/Call/", form, true)
	payload = decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
	assert.Equal(t, "Answer URL is not Valid", payload["Message"])
}

func TestCallExecutes(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)

	form := url.Values{}
	form.Set("From", "5550100")
	form.Set("To", "1002")
	form.Set("Gateways", "sofia/gateway/gw1")
	form.Set("AnswerUrl", "http://x.example.com/answer/")
	rec := postForm(t, router, "/v0.1/Call/", form, true)
	payload := decodeEnvelope(t, rec)
	assert.Equal(t, true, payload["Success"])
	assert.Equal(t, "Call Request Executed", payload["Message"])
	assert.NotEmpty(t, payload["RequestUUID"])
}

func TestBulkCallValidation(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)

	form := url.Values{}
	form.Set("From", "5550100")
	form.Set("To", "1002,1003")
	form.Set("Gateways", "gw1,gw2")
	form.Set("AnswerUrl", "http://x.example.com/answer/")
	form.Set("Delimiter", ",")
	rec := postForm(t, router, "/v0.1/BulkCall/", form, true)
	payload := decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
	assert.Equal(t, "Delimiter cannot be ','", payload["Message"])

	form.Set("Delimiter", ">")
	form.Set("To", "1002>1003")
	form.Set("Gateways", "gw1")
	rec = postForm(t, router, "/v0.1/BulkCall/", form, true)
	payload = decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
	assert.Equal(t, "'To' parameter length does not match 'Gateways' length", payload["Message"])

	form.Set("To", "1002")
	rec = postForm(t, router, "/v0.1/BulkCall/", form, true)
	payload = decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
	assert.Equal(t, "BulkCall should be used for at least 2 numbers", payload["Message"])
}

func TestBulkCallExecutes(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)

	form := url.Values{}
	form.Set("From", "5550100")
	form.Set("To", "1002>1003")
	form.Set("Gateways", "gw1>gw2")
	form.Set("AnswerUrl", "http://x.example.com/answer/")
	form.Set("Delimiter", ">")
	rec := postForm(t, router, "/v0.1/BulkCall/", form, true)
	payload := decodeEnvelope(t, rec)
	assert.Equal(t, true, payload["Success"])
	ids, ok := payload["RequestUUID"].([]any)
	require.True(t, ok)
	assert.Len(t, ids, 2)
}

func TestGroupCallValidatesConfirmSound(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)

	form := url.Values{}
	form.Set("From", "5550100")
	form.Set("To", "1002>1003")
	form.Set("Gateways", "gw1>gw2")
	form.Set("AnswerUrl", "http://x.example.com/answer/")
	form.Set("Delimiter", ">")
	form.Set("ConfirmSound", "::bad::")
	rec := postForm(t, router, "/v0.1/GroupCall/", form, true)
	payload := decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
	assert.Equal(t, "ConfirmSound is not Valid", payload["Message"])
}

func TestScheduleHangupValidation(t *testing.T) {
	router := newTestAPI(t, nil).Router("MAXXXXXXXXXXXXXXXXXX", "token", nil)

	rec := postForm(t, router, "/v0.1/ScheduleHangup/", url.Values{}, true)
	payload := decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
}

func TestReloadConfigEndpoint(t *testing.T) {
	called := false
	router := newTestAPI(t, func() error {
		called = true
		return nil
	}).Router("", "", nil)

	rec := postForm(t, router, "/v0.1/ReloadConfig/", url.Values{}, false)
	payload := decodeEnvelope(t, rec)
	assert.True(t, called)
	assert.Equal(t, true, payload["Success"])
	assert.Equal(t, "Config Reloaded", payload["Message"])

	router = newTestAPI(t, func() error { return errors.New("bad ini") }).Router("", "", nil)
	rec = postForm(t, router, "/v0.1/ReloadConfig/", url.Values{}, false)
	payload = decodeEnvelope(t, rec)
	assert.Equal(t, false, payload["Success"])
	assert.Contains(t, payload["Message"], "bad ini")
}
