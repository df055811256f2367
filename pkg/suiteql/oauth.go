package suiteql

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Authenticator signs outgoing requests.
type Authenticator interface {
	Authorize(req *http.Request) error
}

// Credentials are NetSuite token-based authentication credentials.
type Credentials struct {
	Account        string
	ConsumerKey    string
	ConsumerSecret string
	TokenID        string
	TokenSecret    string
}

// Validate reports the first missing credential.
func (c Credentials) Validate() error {
	missing := []string{}
	if c.Account == "" {
		missing = append(missing, "account")
	}
	if c.ConsumerKey == "" {
		missing = append(missing, "consumer key")
	}
	if c.ConsumerSecret == "" {
		missing = append(missing, "consumer secret")
	}
	if c.TokenID == "" {
		missing = append(missing, "token id")
	}
	if c.TokenSecret == "" {
		missing = append(missing, "token secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing netsuite credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// OAuth1 signs requests with OAuth 1.0a HMAC-SHA256, the scheme NetSuite
// token-based authentication uses. The realm is the account id.
type OAuth1 struct {
	creds Credentials
	now   func() time.Time
	nonce func() (string, error)
}

// NewOAuth1 creates a signer.
func NewOAuth1(creds Credentials) (*OAuth1, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &OAuth1{creds: creds, now: time.Now, nonce: randomNonce}, nil
}

// Authorize sets the Authorization header. Every call uses a fresh nonce
// and timestamp, so retried requests must be signed again.
func (o *OAuth1) Authorize(req *http.Request) error {
	nonce, err := o.nonce()
	if err != nil {
		return fmt.Errorf("generate oauth nonce: %w", err)
	}

	oauth := map[string]string{
		"oauth_consumer_key":     o.creds.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA256",
		"oauth_timestamp":        strconv.FormatInt(o.now().Unix(), 10),
		"oauth_token":            o.creds.TokenID,
		"oauth_version":          "1.0",
	}

	oauth["oauth_signature"] = o.signature(req.Method, req.URL, oauth)

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{fmt.Sprintf(`OAuth realm="%s"`, o.creds.Account)}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, percentEncode(oauth[k])))
	}
	req.Header.Set("Authorization", strings.Join(parts, ", "))
	return nil
}

// signature computes the base64 HMAC-SHA256 over the signature base string
// built from the method, the URL without query, and all query and oauth
// parameters sorted by encoded key and value.
func (o *OAuth1) signature(method string, u *url.URL, oauth map[string]string) string {
	type pair struct{ k, v string }
	var params []pair
	for k, vs := range u.Query() {
		for _, v := range vs {
			params = append(params, pair{percentEncode(k), percentEncode(v)})
		}
	}
	for k, v := range oauth {
		params = append(params, pair{percentEncode(k), percentEncode(v)})
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].k != params[j].k {
			return params[i].k < params[j].k
		}
		return params[i].v < params[j].v
	})

	encoded := make([]string, len(params))
	for i, p := range params {
		encoded[i] = p.k + "=" + p.v
	}

	base := *u
	base.RawQuery = ""
	base.Fragment = ""
	base.Scheme = strings.ToLower(base.Scheme)
	base.Host = strings.ToLower(base.Host)

	baseString := strings.ToUpper(method) + "&" +
		percentEncode(base.String()) + "&" +
		percentEncode(strings.Join(encoded, "&"))

	key := percentEncode(o.creds.ConsumerSecret) + "&" + percentEncode(o.creds.TokenSecret)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// percentEncode applies RFC 3986 encoding: everything but unreserved
// characters is escaped.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// AccountHost converts an account id into its REST host label: lower case
// with underscores as hyphens (1234567_SB1 becomes 1234567-sb1).
func AccountHost(account string) (string, error) {
	if account == "" {
		return "", errors.New("account is required")
	}
	return strings.ToLower(strings.ReplaceAll(account, "_", "-")), nil
}
