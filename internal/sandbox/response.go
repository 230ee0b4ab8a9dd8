package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrAlreadyTerminal describes a call made after a terminal operation
// already ran. The Response methods do not return it: a second terminal
// call is a silent no-op, both here and at the bridge layer.
type ErrAlreadyTerminal struct{ Op string }

func (e *ErrAlreadyTerminal) Error() string {
	return fmt.Sprintf("response already sent, ignoring %s", e.Op)
}

// Response is the builder a handler uses to construct the reply. Exactly
// one terminal operation (End/JSON/Send/Redirect/SendStatus) takes effect;
// any further terminal call after that is a no-op, consistent with how
// most HTTP frameworks behave when a handler double-writes.
type Response struct {
	mu sync.Mutex

	statusCode  int
	header      http.Header
	cookies     []*http.Cookie
	body        []byte
	packageRoot string // directory sendFile is restricted to

	terminal     bool
	headersSent  bool
	terminalKind string
}

// NewResponse returns a Response ready for a handler to populate, rooted at
// packageRoot for the purposes of sendFile path restriction.
func NewResponse(packageRoot string) *Response {
	return &Response{
		statusCode:  http.StatusOK,
		header:      make(http.Header),
		packageRoot: packageRoot,
	}
}

// Status sets the status code to be used by the eventual terminal write and
// returns the Response for chaining, matching common JS framework idiom.
func (r *Response) Status(code int) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return r
	}
	r.statusCode = code
	return r
}

// SetHeader sets a header value, replacing any existing values.
func (r *Response) SetHeader(name, value string) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return r
	}
	r.header.Set(name, value)
	return r
}

// Append adds a header value without removing existing ones.
func (r *Response) Append(name, value string) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return r
	}
	r.header.Add(name, value)
	return r
}

// RemoveHeader deletes a header entirely.
func (r *Response) RemoveHeader(name string) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return r
	}
	r.header.Del(name)
	return r
}

// CookieOptions configures an outgoing Set-Cookie header.
type CookieOptions struct {
	MaxAge   int
	Path     string
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// Cookie queues a Set-Cookie header for the given name/value pair.
func (r *Response) Cookie(name, value string, opts CookieOptions) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return r
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}
	r.cookies = append(r.cookies, &http.Cookie{
		Name:     name,
		Value:    value,
		MaxAge:   opts.MaxAge,
		Path:     path,
		Domain:   opts.Domain,
		Secure:   opts.Secure,
		HttpOnly: opts.HTTPOnly,
		SameSite: opts.SameSite,
	})
	return r
}

// ClearCookie queues a Set-Cookie that expires the named cookie immediately.
func (r *Response) ClearCookie(name string) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return r
	}
	r.cookies = append(r.cookies, &http.Cookie{Name: name, Value: "", MaxAge: -1, Path: "/"})
	return r
}

// Type sets the Content-Type header, expanding common shorthand names.
func (r *Response) Type(mimeType string) *Response {
	return r.SetHeader("Content-Type", expandContentType(mimeType))
}

func expandContentType(t string) string {
	switch strings.ToLower(t) {
	case "json":
		return "application/json; charset=utf-8"
	case "html":
		return "text/html; charset=utf-8"
	case "text":
		return "text/plain; charset=utf-8"
	default:
		return t
	}
}

// Attachment sets Content-Disposition so the response downloads as filename.
func (r *Response) Attachment(filename string) *Response {
	if filename == "" {
		return r.SetHeader("Content-Disposition", "attachment")
	}
	return r.SetHeader("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
}

// JSON is a terminal operation: it marshals value, sets the JSON content
// type, and finalizes the response.
func (r *Response) JSON(value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal json response: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return nil
	}
	r.header.Set("Content-Type", "application/json; charset=utf-8")
	r.finalize("json", data)
	return nil
}

// Send is a terminal operation accepting raw bytes or a string.
func (r *Response) Send(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return
	}
	if r.header.Get("Content-Type") == "" {
		r.header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	r.finalize("send", data)
}

// End is a terminal operation; data is optional.
func (r *Response) End(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return
	}
	r.finalize("end", data)
}

// SendStatus is a terminal operation that sets the status and an empty body.
func (r *Response) SendStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return
	}
	r.statusCode = code
	r.finalize("sendStatus", nil)
}

// Redirect is a terminal operation; code defaults to 302 if not given.
func (r *Response) Redirect(code int, location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return
	}
	if code == 0 {
		code = http.StatusFound
	}
	r.statusCode = code
	r.header.Set("Location", location)
	r.finalize("redirect", nil)
}

// SendFileOptions configures SendFile behavior.
type SendFileOptions struct {
	ContentType string
}

// SendFile is a terminal operation that streams a file from within the
// function's package root; paths escaping the root are rejected.
func (r *Response) SendFile(path string, opts SendFileOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return nil
	}

	full, err := sanitizeJoin(r.packageRoot, path)
	if err != nil {
		return fmt.Errorf("sendFile: %w", err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("sendFile: %w", err)
	}
	ct := opts.ContentType
	if ct == "" {
		ct = contentTypeByExt(full)
	}
	r.header.Set("Content-Type", ct)
	r.finalize("sendFile", data)
	return nil
}

func contentTypeByExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json; charset=utf-8"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

// finalize must be called with mu held; it marks the response terminal and
// records the body, ignoring any subsequent terminal call.
func (r *Response) finalize(kind string, body []byte) {
	r.terminal = true
	r.headersSent = true
	r.terminalKind = kind
	r.body = body
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
}

// IsTerminal reports whether a terminal operation has already run.
func (r *Response) IsTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// HeadersSent mirrors the bridge's headersSent flag.
func (r *Response) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headersSent
}

// StatusCode returns the status code that will be (or was) written, for use
// by callers logging the outcome of an invocation.
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.terminal {
		return http.StatusNoContent
	}
	return r.statusCode
}

// BodyLen returns the length of the finalized response body in bytes.
func (r *Response) BodyLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.body)
}

// WriteTo streams the finalized response to the outer HTTP caller. If no
// terminal operation ran, it writes a 204 No Content as specified for
// handlers that resolve without ever calling a terminal method.
func (r *Response) WriteTo(w http.ResponseWriter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, vals := range r.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	for _, c := range r.cookies {
		http.SetCookie(w, c)
	}

	status := r.statusCode
	if !r.terminal {
		status = http.StatusNoContent
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(r.body)))
	w.WriteHeader(status)
	if len(r.body) == 0 {
		return nil
	}
	_, err := io.Copy(w, strings.NewReader(string(r.body)))
	return err
}
