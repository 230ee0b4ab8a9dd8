// Package sandbox embeds a goja ECMAScript engine per isolate, materializing
// the request/response capability objects a handler sees and providing the
// bootstrap layer (console, timers, restricted fs, network egress guard)
// every invocation runs under.
package sandbox

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Request is the immutable view of an inbound HTTP invocation handed to the
// handler. Header lookups are case-insensitive per RFC 7230.
type Request struct {
	Method     string
	URL        string
	Headers    http.Header
	Query      url.Values
	Cookies    map[string]string
	Body       []byte
	ParsedJSON any // non-nil when Content-Type is application/json and Body parses
	ClientIP   string
}

// NewRequest builds a Request from a standard library *http.Request, reading
// and retaining the body so it can be exposed as both raw bytes and parsed
// JSON without the handler needing to know which it wants up front.
func NewRequest(r *http.Request, body []byte, clientIP string) *Request {
	req := &Request{
		Method:   r.Method,
		URL:      r.URL.String(),
		Headers:  r.Header.Clone(),
		Query:    r.URL.Query(),
		Cookies:  make(map[string]string),
		Body:     body,
		ClientIP: clientIP,
	}
	for _, c := range r.Cookies() {
		req.Cookies[c.Name] = c.Value
	}
	if req.Is("application/json") && len(body) > 0 {
		var v any
		if json.Unmarshal(body, &v) == nil {
			req.ParsedJSON = v
		}
	}
	return req
}

// Get returns the first value of the named header, case-insensitively.
func (r *Request) Get(header string) string {
	return r.Headers.Get(header)
}

// Is reports whether the request's Content-Type matches the given type,
// supporting bare types ("json") as shorthand for their common MIME type.
func (r *Request) Is(contentType string) bool {
	ct := r.Headers.Get("Content-Type")
	if ct == "" {
		return false
	}
	base, _, err := mime.ParseMediaType(ct)
	if err != nil {
		base = strings.TrimSpace(strings.SplitN(ct, ";", 2)[0])
	}
	want := expandShorthand(contentType)
	return strings.EqualFold(base, want) || strings.HasSuffix(strings.ToLower(base), "/"+strings.ToLower(want))
}

func expandShorthand(t string) string {
	switch strings.ToLower(t) {
	case "json":
		return "json"
	case "html":
		return "html"
	case "text":
		return "plain"
	default:
		return t
	}
}

// acceptEntry is one parsed element of an Accept header.
type acceptEntry struct {
	mediaType string
	quality   float64
	params    int // specificity: number of non-q parameters, for tie-breaking
}

// Accepts implements RFC 7231 content negotiation: given candidate media
// types, returns the best match from the request's Accept header ordered by
// quality then specificity, or "" if none are acceptable.
func (r *Request) Accepts(candidates ...string) string {
	header := r.Headers.Get("Accept")
	if header == "" {
		if len(candidates) > 0 {
			return candidates[0]
		}
		return ""
	}

	entries := parseAccept(header)
	for _, e := range entries {
		for _, c := range candidates {
			if acceptMatches(e.mediaType, c) {
				return c
			}
		}
	}
	return ""
}

func parseAccept(header string) []acceptEntry {
	var entries []acceptEntry
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segs := strings.Split(part, ";")
		mt := strings.TrimSpace(segs[0])
		q := 1.0
		params := 0
		for _, seg := range segs[1:] {
			seg = strings.TrimSpace(seg)
			if strings.HasPrefix(seg, "q=") {
				if v, err := strconv.ParseFloat(strings.TrimPrefix(seg, "q="), 64); err == nil {
					q = v
				}
			} else {
				params++
			}
		}
		specificity := params
		if mt != "*/*" && !strings.HasSuffix(mt, "/*") {
			specificity += 10
		}
		entries = append(entries, acceptEntry{mediaType: mt, quality: q, params: specificity})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].quality != entries[j].quality {
			return entries[i].quality > entries[j].quality
		}
		return entries[i].params > entries[j].params
	})
	return entries
}

func acceptMatches(pattern, candidate string) bool {
	if pattern == "*/*" {
		return true
	}
	pType, pSub, ok := strings.Cut(pattern, "/")
	if !ok {
		return false
	}
	cType, cSub, ok := strings.Cut(candidate, "/")
	if !ok {
		return false
	}
	if pType != "*" && !strings.EqualFold(pType, cType) {
		return false
	}
	if pSub != "*" && !strings.EqualFold(pSub, cSub) {
		return false
	}
	return true
}
