// Package webhook posts form-encoded callbacks to user-supplied URLs and
// fetches call-flow documents, signing every request so receivers can verify
// the origin.
package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SignatureHeader carries the HMAC-SHA1 of the URL plus sorted params,
// keyed with the account auth token.
const SignatureHeader = "X-Plivo-Signature"

var urlRegex = regexp.MustCompile(`(?i)^(?:http|ftp)s?://` +
	`(?:(?:[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?\.)+(?:[A-Z]{2,6}\.?|[A-Z0-9-]{2,}\.?)|` +
	`localhost|` +
	`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})` +
	`(?::\d+)?` +
	`(?:/?|[/?]\S+)$`)

// ValidURL reports whether the value is an acceptable callback URL. A bare
// host is tried with an http:// prefix.
func ValidURL(value string) bool {
	if value == "" {
		return false
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") &&
		!strings.HasPrefix(value, "ftp://") {
		value = "http://" + value
	}
	return urlRegex.MatchString(value)
}

// NormalizeURL strips surrounding whitespace and encodes inner spaces.
func NormalizeURL(u string) string {
	return strings.ReplaceAll(strings.TrimSpace(u), " ", "+")
}

// Client posts signed requests.
type Client struct {
	authID    string
	authToken string
	http      *http.Client
	log       *logrus.Entry
}

// NewClient returns a webhook client. The token signs requests; an empty
// token disables signing.
func NewClient(authID, authToken string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		authID:    authID,
		authToken: authToken,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log,
	}
}

// Signature computes the request signature: base64(hmac-sha1(token,
// url + k1v1k2v2... sorted by key)).
func Signature(authToken, rawURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(rawURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Fetch sends the params with the given method (GET or POST) and returns the
// response body. GET appends the params to the query string.
func (c *Client) Fetch(rawURL string, params url.Values, method string) ([]byte, error) {
	if method != http.MethodGet {
		method = http.MethodPost
	}
	if params == nil {
		params = url.Values{}
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		target := rawURL
		if enc := params.Encode(); enc != "" {
			sep := "?"
			if strings.Contains(rawURL, "?") {
				sep = "&"
			}
			target = rawURL + sep + enc
		}
		req, err = http.NewRequest(method, target, nil)
	} else {
		req, err = http.NewRequest(method, rawURL, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set(SignatureHeader, Signature(c.authToken, rawURL, params))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return body, fmt.Errorf("webhook: %s %s: status %d", method, rawURL, resp.StatusCode)
	}
	return body, nil
}

// Post fires a callback and logs failures; callback errors are dropped, not
// retried.
func (c *Client) Post(rawURL string, params url.Values, method string) {
	if rawURL == "" {
		return
	}
	if _, err := c.Fetch(rawURL, params, method); err != nil {
		c.log.WithError(err).WithField("url", rawURL).Error("callback post failed")
	}
}
