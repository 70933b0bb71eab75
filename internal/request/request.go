// Package request assembles outbound vendor requests: path templating, query
// and body encoding, and the per-vendor format overrides (Slack multipart
// uploads, Stripe form posts).
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	connector "github.com/andersh/bifrost/internal"
)

// Format tags how the request body is encoded.
type Format string

const (
	FormatJSON      Format = "json"
	FormatForm      Format = "form"
	FormatMultipart Format = "multipart"
)

// In carries everything the builder needs for one outbound request.
type In struct {
	BaseURL  string
	Endpoint string
	Method   string
	Params   map[string]any
	Creds    connector.Credentials
}

// Built is the assembled request. URL carries the encoded query; Query keeps
// the individual values alongside for callers that need them. Body is nil for
// methods that carry none, and ContentType for multipart includes the
// writer's boundary.
type Built struct {
	URL         string
	Query       url.Values
	Body        []byte
	ContentType string
	Format      Format
}

// Parameter names the platform consumes itself and never forwards.
var reservedParams = map[string]bool{
	"credentials":  true,
	"connectionId": true,
}

var (
	colonParam = regexp.MustCompile(`:([A-Za-z0-9_]+)`)
	braceParam = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
)

// Build resolves path placeholders, splits the remaining parameters into
// query or body by method, and encodes the body in the vendor's expected
// format.
func Build(in In) (*Built, error) {
	endpoint, consumed := substitutePath(in.Endpoint, in.Params, in.Creds)

	remaining := make(map[string]any, len(in.Params))
	for k, v := range in.Params {
		if consumed[k] || reservedParams[k] || v == nil {
			continue
		}
		remaining[k] = v
	}

	u, err := url.Parse(joinURL(in.BaseURL, endpoint))
	if err != nil {
		return nil, &connector.Error{
			Kind:    connector.KindConfig,
			Code:    connector.CodeInvalidURL,
			Message: fmt.Sprintf("invalid endpoint URL %q", in.Endpoint),
			Err:     err,
		}
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}

	b := &Built{}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		b.Format = detectFormat(u)
		switch b.Format {
		case FormatForm:
			vals := url.Values{}
			for k, v := range remaining {
				encodeForm(vals, k, v)
			}
			b.Body = []byte(vals.Encode())
			b.ContentType = "application/x-www-form-urlencoded"
		case FormatMultipart:
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			for _, k := range sortedKeys(remaining) {
				if err := w.WriteField(k, stringValue(remaining[k])); err != nil {
					return nil, fmt.Errorf("write multipart field %s: %w", k, err)
				}
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("close multipart body: %w", err)
			}
			b.Body = buf.Bytes()
			b.ContentType = w.FormDataContentType()
		default:
			body, err := json.Marshal(remaining)
			if err != nil {
				return nil, fmt.Errorf("marshal request body: %w", err)
			}
			b.Body = body
			b.ContentType = "application/json"
		}
		b.Query = u.Query()
	default:
		// GET, DELETE, HEAD and anything else carries no body; the
		// remaining parameters go on the query string.
		q := u.Query()
		for k, v := range remaining {
			q.Set(k, stringValue(v))
		}
		u.RawQuery = q.Encode()
		b.Query = q
	}

	b.URL = u.String()
	return b, nil
}

// substitutePath fills :name and {name} placeholders from params first, then
// credentials. Unresolvable placeholders stay as written. Returns the params
// keys it consumed so they are not sent again.
func substitutePath(endpoint string, params map[string]any, creds connector.Credentials) (string, map[string]bool) {
	consumed := make(map[string]bool)
	resolve := func(match, name string) string {
		if v, ok := params[name]; ok && v != nil && !reservedParams[name] {
			consumed[name] = true
			return url.PathEscape(stringValue(v))
		}
		if v := creds[name]; v != "" && !connector.IsReservedCred(name) {
			return url.PathEscape(v)
		}
		return match
	}
	out := colonParam.ReplaceAllStringFunc(endpoint, func(m string) string {
		return resolve(m, m[1:])
	})
	out = braceParam.ReplaceAllStringFunc(out, func(m string) string {
		return resolve(m, m[1:len(m)-1])
	})
	return out, consumed
}

func joinURL(base, endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if endpoint == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// detectFormat picks the body encoding from the target host: the Slack
// file-upload family needs multipart, Stripe speaks urlencoded forms,
// everything else gets JSON.
func detectFormat(u *url.URL) Format {
	host := strings.ToLower(u.Host)
	switch {
	case strings.Contains(host, "slack.com") && strings.Contains(strings.ToLower(u.Path), "files.upload"):
		return FormatMultipart
	case strings.Contains(host, "stripe.com"):
		return FormatForm
	}
	return FormatJSON
}

// stringValue renders a decoded-JSON parameter for a query, path, or
// multipart slot. Arrays join on ",".
func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case json.Number:
		return t.String()
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, stringValue(e))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

// encodeForm flattens nested values Stripe-style: maps become key[sub]=v,
// arrays become key[0]=v.
func encodeForm(vals url.Values, key string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			encodeForm(vals, key+"["+k+"]", e)
		}
	case []any:
		for i, e := range t {
			encodeForm(vals, key+"["+strconv.Itoa(i)+"]", e)
		}
	default:
		vals.Set(key, stringValue(v))
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
