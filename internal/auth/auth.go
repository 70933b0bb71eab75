// Package auth injects connector credentials into outbound requests: bearer
// and OAuth2 tokens, API keys in header or query, HTTP basic, and credential
// placeholder substitution in URL templates.
package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/oauth2"

	connector "github.com/andersh/bifrost/internal"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Inject applies the definition's auth scheme to req, mutating headers and
// query in place. Custom schemes pass through; the operation template is
// expected to carry its own auth material.
func Inject(def *connector.Definition, creds connector.Credentials, req *http.Request) error {
	cfg := def.Auth.Config
	switch def.Auth.Scheme() {
	case connector.AuthOAuth2:
		token := creds.First("accessToken", "token", "integrationToken")
		if token == "" {
			return missingCred(def.ID, "OAuth2 access token")
		}
		tok := &oauth2.Token{AccessToken: token}
		tok.SetAuthHeader(req)

	case connector.AuthAPIKey:
		key := creds.First("apiKey", "api_key", "key")
		if key == "" {
			return missingCred(def.ID, "API key")
		}
		value := cfg.Prefix + key
		if cfg.APIKeyValue != "" {
			value = expand(strings.ReplaceAll(cfg.APIKeyValue, "{api_key}", key), creds)
		}
		if strings.EqualFold(cfg.In, "query") {
			name := cfg.Name
			if name == "" {
				name = "api_key"
			}
			q := req.URL.Query()
			q.Set(name, value)
			for k, v := range cfg.AdditionalParams {
				q.Set(k, expand(v, creds))
			}
			req.URL.RawQuery = q.Encode()
		} else {
			name := cfg.Name
			if name == "" {
				name = "Authorization"
			}
			req.Header.Set(name, value)
			for k, v := range cfg.AdditionalParams {
				req.Header.Set(k, expand(v, creds))
			}
		}

	case connector.AuthBasic:
		user := creds.First("username", "user", "email")
		pass := creds.First("password", "pass", "apiToken")
		if user == "" || pass == "" {
			return missingCred(def.ID, "basic auth username and password")
		}
		req.SetBasicAuth(user, pass)

	case connector.AuthBearer:
		field := cfg.TokenField
		if field == "" {
			field = "token"
		}
		token := creds[field]
		if token == "" {
			return missingCred(def.ID, field)
		}
		req.Header.Set("Authorization", "Bearer "+token)

	case connector.AuthCustom:
	}
	return nil
}

// ExpandURL substitutes {name} placeholders in a URL template from
// credentials, path-escaping each value. Unknown and platform-reserved names
// stay as-is.
func ExpandURL(raw string, creds connector.Credentials) string {
	return placeholderRe.ReplaceAllStringFunc(raw, func(m string) string {
		name := m[1 : len(m)-1]
		if connector.IsReservedCred(name) {
			return m
		}
		if v := creds[name]; v != "" {
			return url.PathEscape(v)
		}
		return m
	})
}

// expand substitutes {name} placeholders without escaping; header values go
// out raw and query values are encoded downstream.
func expand(s string, creds connector.Credentials) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if connector.IsReservedCred(name) {
			return m
		}
		if v := creds[name]; v != "" {
			return v
		}
		return m
	})
}

func missingCred(connectorID, what string) error {
	return &connector.Error{
		Kind:    connector.KindAuth,
		Code:    connector.CodeMissingCredential,
		Message: fmt.Sprintf("missing credential for %s: %s", connectorID, what),
		Err:     connector.ErrMissingCredential,
	}
}
