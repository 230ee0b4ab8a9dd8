package sandbox

import (
	"github.com/dop251/goja"
)

// requestBinding is the plain-data shape exposed to JS for the Request
// capability object; goja's field mapper (tag "js") renders these as
// lower-camel properties, and the three methods below are attached
// separately since they need access to the underlying *Request.
type requestBinding struct {
	Method   string            `js:"method"`
	URL      string            `js:"url"`
	Headers  map[string]string `js:"headers"`
	Query    map[string]string `js:"query"`
	Cookies  map[string]string `js:"cookies"`
	Body     []byte            `js:"body"`
	JSON     any               `js:"json"`
	ClientIP string            `js:"clientIp"`
}

// newRequestBinding materializes the immutable Request view as a goja
// object, attaching get/is/accepts as native functions bound to req.
func newRequestBinding(vm *goja.Runtime, req *Request) *goja.Object {
	headers := make(map[string]string, len(req.Headers))
	for k := range req.Headers {
		headers[k] = req.Headers.Get(k)
	}
	query := make(map[string]string, len(req.Query))
	for k := range req.Query {
		query[k] = req.Query.Get(k)
	}

	data := requestBinding{
		Method:   req.Method,
		URL:      req.URL,
		Headers:  headers,
		Query:    query,
		Cookies:  req.Cookies,
		Body:     req.Body,
		JSON:     req.ParsedJSON,
		ClientIP: req.ClientIP,
	}

	obj := vm.ToValue(data).(*goja.Object)
	obj.Set("get", func(call goja.FunctionCall) goja.Value {
		header := call.Argument(0).String()
		return vm.ToValue(req.Get(header))
	})
	obj.Set("is", func(call goja.FunctionCall) goja.Value {
		t := call.Argument(0).String()
		return vm.ToValue(req.Is(t))
	})
	obj.Set("accepts", func(call goja.FunctionCall) goja.Value {
		candidates := make([]string, len(call.Arguments))
		for idx, a := range call.Arguments {
			candidates[idx] = a.String()
		}
		best := req.Accepts(candidates...)
		if best == "" {
			return goja.Null()
		}
		return vm.ToValue(best)
	})
	return obj
}

// newResponseBinding exposes the Response builder's operations as a chain
// of native JS functions. Chainable setters return the same JS object;
// terminal operations return undefined per the idiom the bridge documents.
func newResponseBinding(vm *goja.Runtime, res *Response) *goja.Object {
	obj := vm.NewObject()

	self := func(call goja.FunctionCall) goja.Value { return obj }

	obj.Set("status", func(call goja.FunctionCall) goja.Value {
		res.Status(int(call.Argument(0).ToInteger()))
		return self(call)
	})
	obj.Set("setHeader", func(call goja.FunctionCall) goja.Value {
		res.SetHeader(call.Argument(0).String(), call.Argument(1).String())
		return self(call)
	})
	obj.Set("append", func(call goja.FunctionCall) goja.Value {
		res.Append(call.Argument(0).String(), call.Argument(1).String())
		return self(call)
	})
	obj.Set("removeHeader", func(call goja.FunctionCall) goja.Value {
		res.RemoveHeader(call.Argument(0).String())
		return self(call)
	})
	obj.Set("type", func(call goja.FunctionCall) goja.Value {
		res.Type(call.Argument(0).String())
		return self(call)
	})
	obj.Set("attachment", func(call goja.FunctionCall) goja.Value {
		name := ""
		if len(call.Arguments) > 0 {
			name = call.Argument(0).String()
		}
		res.Attachment(name)
		return self(call)
	})
	obj.Set("cookie", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		value := call.Argument(1).String()
		opts := CookieOptions{}
		if len(call.Arguments) > 2 {
			if m, ok := call.Argument(2).Export().(map[string]any); ok {
				if v, ok := m["maxAge"].(int64); ok {
					opts.MaxAge = int(v)
				}
				if v, ok := m["path"].(string); ok {
					opts.Path = v
				}
				if v, ok := m["domain"].(string); ok {
					opts.Domain = v
				}
				if v, ok := m["secure"].(bool); ok {
					opts.Secure = v
				}
				if v, ok := m["httpOnly"].(bool); ok {
					opts.HTTPOnly = v
				}
			}
		}
		res.Cookie(name, value, opts)
		return self(call)
	})
	obj.Set("clearCookie", func(call goja.FunctionCall) goja.Value {
		res.ClearCookie(call.Argument(0).String())
		return self(call)
	})
	obj.Set("json", func(call goja.FunctionCall) goja.Value {
		_ = res.JSON(call.Argument(0).Export())
		return goja.Undefined()
	})
	obj.Set("send", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		switch v := arg.Export().(type) {
		case []byte:
			res.Send(v)
		case string:
			res.Send([]byte(v))
		default:
			_ = res.JSON(v)
		}
		return goja.Undefined()
	})
	obj.Set("end", func(call goja.FunctionCall) goja.Value {
		var data []byte
		if len(call.Arguments) > 0 {
			if s, ok := call.Argument(0).Export().(string); ok {
				data = []byte(s)
			} else if b, ok := call.Argument(0).Export().([]byte); ok {
				data = b
			}
		}
		res.End(data)
		return goja.Undefined()
	})
	obj.Set("sendStatus", func(call goja.FunctionCall) goja.Value {
		res.SendStatus(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})
	obj.Set("redirect", func(call goja.FunctionCall) goja.Value {
		code := 0
		location := ""
		if len(call.Arguments) == 1 {
			location = call.Argument(0).String()
		} else if len(call.Arguments) >= 2 {
			code = int(call.Argument(0).ToInteger())
			location = call.Argument(1).String()
		}
		res.Redirect(code, location)
		return goja.Undefined()
	})
	obj.Set("sendFile", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		opts := SendFileOptions{}
		if err := res.SendFile(path, opts); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	obj.Set("headersSent", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(res.HeadersSent())
	})

	return obj
}
