package extract

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Source identifies where a credential may be carried.
type Source int

const (
	SourceCookie Source = iota + 1
	SourceHeader
	SourceBody
)

func (s Source) String() string {
	switch s {
	case SourceCookie:
		return "cookie"
	case SourceHeader:
		return "header"
	case SourceBody:
		return "body"
	default:
		return "unknown"
	}
}

// MaxBodyBytes bounds how much of a request body is buffered for body lookups.
const MaxBodyBytes = 1 << 20

// Strategy is one (source, key) lookup. Key is the cookie name or the JSON
// field name; it is ignored for SourceHeader.
type Strategy struct {
	Source Source
	Key    string
}

func Cookie(name string) Strategy { return Strategy{Source: SourceCookie, Key: name} }

func Bearer() Strategy { return Strategy{Source: SourceHeader} }

func BodyField(name string) Strategy { return Strategy{Source: SourceBody, Key: name} }

// Extract returns the first credential found by strategies, in order.
// Evaluation has no visible side effects: a body that was read is restored
// before returning, so the same request yields the same result again.
func Extract(r *http.Request, strategies ...Strategy) (string, bool) {
	if r == nil {
		return "", false
	}

	var body map[string]json.RawMessage
	bodyLoaded := false

	for _, s := range strategies {
		switch s.Source {
		case SourceCookie:
			if v, ok := cookieValue(r, s.Key); ok {
				return v, true
			}
		case SourceHeader:
			if v, ok := bearerToken(r.Header.Get("Authorization")); ok {
				return v, true
			}
		case SourceBody:
			if !bodyLoaded {
				body = loadBody(r)
				bodyLoaded = true
			}
			if v, ok := bodyString(body, s.Key); ok {
				return v, true
			}
		}
	}

	return "", false
}

func cookieValue(r *http.Request, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

func loadBody(r *http.Request) map[string]json.RawMessage {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	rest := r.Body
	r.Body = restoredBody{Reader: io.MultiReader(bytes.NewReader(raw), rest), Closer: rest}
	if err != nil || len(raw) > MaxBodyBytes {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	return fields
}

func bodyString(fields map[string]json.RawMessage, key string) (string, bool) {
	if key == "" || fields == nil {
		return "", false
	}
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil || v == "" {
		return "", false
	}
	return v, true
}

type restoredBody struct {
	io.Reader
	io.Closer
}
