// Package request builds the read-only view of an inbound request that the
// admission pipeline inspects.
package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"gatewarden/waf/clientkey"
)

const DefaultMaxBodyBytes int64 = 1 << 20

// DefaultScanHeaders is the header subset copied into a View.
var DefaultScanHeaders = []string{
	"Referer",
	"X-Forwarded-Host",
	"X-Original-URL",
	"X-Rewrite-URL",
	"X-Requested-With",
}

// maxFieldValue caps a single multipart value kept for inspection.
const maxFieldValue = 64 << 10

// Field is one named input inspected by the scanner.
type Field struct {
	Name  string
	Value string
}

// View is an immutable snapshot of the parts of a request the pipeline
// looks at. The original body stays readable for the host handler.
type View struct {
	Method      string
	URL         *url.URL
	Key         clientkey.Key
	ContentType string
	Query       url.Values
	Form        url.Values
	JSON        any
	Headers     map[string]string
	BodySize    int64
	RequestID   string

	// Oversized is set when the body exceeds the configured maximum.
	Oversized bool
	// Malformed holds the reason the request failed structural
	// validation, empty when it passed.
	Malformed string
	// MalformedJSON is set for a JSON content type with an unparsable
	// body.
	MalformedJSON bool

	rawBody []byte
}

// Options bound what FromHTTP reads.
type Options struct {
	MaxBodyBytes int64
	ScanHeaders  []string
	RequestID    string
}

// FromHTTP snapshots r. The body is buffered up to opts.MaxBodyBytes and
// r.Body is replaced so downstream handlers still see the full stream.
func FromHTTP(r *http.Request, key clientkey.Key, opts Options) *View {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ScanHeaders == nil {
		opts.ScanHeaders = DefaultScanHeaders
	}

	v := &View{
		Method:      r.Method,
		URL:         r.URL,
		Key:         key,
		ContentType: r.Header.Get("Content-Type"),
		Query:       r.URL.Query(),
		Form:        url.Values{},
		Headers:     make(map[string]string, len(opts.ScanHeaders)),
		RequestID:   opts.RequestID,
	}

	for _, name := range opts.ScanHeaders {
		if val := r.Header.Get(name); val != "" {
			v.Headers[textproto.CanonicalMIMEHeaderKey(name)] = val
		}
	}

	if ok, reason := ValidateHeaders(r); !ok {
		v.Malformed = reason
	}

	v.readBody(r, opts.MaxBodyBytes)
	return v
}

func (v *View) readBody(r *http.Request, limit int64) {
	if r.Body == nil || r.Body == http.NoBody {
		return
	}
	if r.ContentLength > limit {
		v.Oversized = true
		v.BodySize = r.ContentLength
		return
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	// keep whatever was consumed in front of the unread remainder
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}

	if err != nil {
		v.Malformed = "unreadable body"
		return
	}
	v.BodySize = int64(len(buf))
	if v.BodySize > limit {
		v.Oversized = true
		return
	}
	v.rawBody = buf
	v.parseBody()
}

func (v *View) parseBody() {
	if len(v.rawBody) == 0 {
		return
	}
	mediaType, params, err := mime.ParseMediaType(v.ContentType)
	if err != nil {
		return
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		dec := json.NewDecoder(bytes.NewReader(v.rawBody))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			v.MalformedJSON = true
			return
		}
		if dec.More() {
			v.MalformedJSON = true
			return
		}
		v.JSON = doc

	case mediaType == "application/x-www-form-urlencoded":
		// partial results are still worth scanning
		form, _ := url.ParseQuery(string(v.rawBody))
		v.Form = form

	case strings.HasPrefix(mediaType, "multipart/"):
		v.parseMultipart(params["boundary"])
	}
}

func (v *View) parseMultipart(boundary string) {
	if boundary == "" {
		return
	}
	mr := multipart.NewReader(bytes.NewReader(v.rawBody), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			v.Malformed = "malformed multipart body"
			return
		}
		if name := part.FileName(); name != "" {
			v.Form.Add(part.FormName()+".filename", name)
			_ = part.Close()
			continue
		}
		val, err := io.ReadAll(io.LimitReader(part, maxFieldValue))
		_ = part.Close()
		if err != nil {
			v.Malformed = "malformed multipart body"
			return
		}
		v.Form.Add(part.FormName(), string(val))
	}
}

// Body returns the buffered body, nil when it was not read.
func (v *View) Body() []byte { return v.rawBody }

// Fields flattens every inspectable input into name/value pairs: the
// decoded path, query keys and values, form values, JSON keys and string
// leaves (or the raw body when it is neither form nor JSON), then the
// whitelisted headers.
func (v *View) Fields() []Field {
	var fields []Field
	if v.URL != nil {
		fields = append(fields, Field{Name: "path", Value: v.URL.Path})
	}
	for _, k := range sortedKeys(v.Query) {
		fields = append(fields, Field{Name: "query-key", Value: k})
		for _, val := range v.Query[k] {
			fields = append(fields, Field{Name: "query:" + k, Value: val})
		}
	}
	for _, k := range sortedKeys(v.Form) {
		for _, val := range v.Form[k] {
			fields = append(fields, Field{Name: "form:" + k, Value: val})
		}
	}
	switch {
	case v.JSON != nil:
		fields = flattenJSON(fields, "json", v.JSON)
	case len(v.Form) == 0 && len(v.rawBody) > 0:
		fields = append(fields, Field{Name: "body", Value: string(v.rawBody)})
	}
	names := make([]string, 0, len(v.Headers))
	for name := range v.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, Field{Name: "header:" + name, Value: v.Headers[name]})
	}
	return fields
}

func flattenJSON(fields []Field, path string, node any) []Field {
	switch n := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, Field{Name: path + "-key", Value: k})
			fields = flattenJSON(fields, path+"."+k, n[k])
		}
	case []any:
		for i, item := range n {
			fields = flattenJSON(fields, path+"["+strconv.Itoa(i)+"]", item)
		}
	case string:
		fields = append(fields, Field{Name: path, Value: n})
	}
	return fields
}

func sortedKeys(vals url.Values) []string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
