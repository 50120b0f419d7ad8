// Package transport is the engine's single HTTP seam. Every scraping
// component issues requests through a Doer; the production implementation
// wraps resty with a cookie jar, tracing and optional anti-bot transport,
// while tests substitute fakes.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"ptengine/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

const (
	ResponseDocument = "document"
	ResponseJSON     = "json"
	ResponseRaw      = "raw"
)

const (
	BodyJSON = "json"
	BodyForm = "form"
	BodyRaw  = "raw"
)

// RequestConfig describes one request declaratively. It is what the
// search composer produces and what user-info pipeline steps template.
type RequestConfig struct {
	Method       string
	URL          string
	BaseURL      string
	Params       map[string]any
	Data         map[string]any
	BodyType     string
	ResponseType string
	Headers      map[string]string
	Timeout      time.Duration
}

// Clone deep-copies the parameter and data bags so step templates stay
// pristine across pipeline runs.
func (r *RequestConfig) Clone() *RequestConfig {
	out := *r
	if r.Params != nil {
		out.Params = make(map[string]any, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	if r.Data != nil {
		out.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			out.Data[k] = v
		}
	}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// Response is a completed exchange. Document and JSON views are parsed
// lazily and memoized.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	FinalURL   string

	docOnce sync.Once
	doc     *goquery.Document
	docErr  error

	jsonOnce sync.Once
	json     gjson.Result
}

// Document parses the body as HTML.
func (r *Response) Document() (*goquery.Document, error) {
	r.docOnce.Do(func() {
		r.doc, r.docErr = goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	})
	return r.doc, r.docErr
}

// JSON parses the body with gjson.
func (r *Response) JSON() gjson.Result {
	r.jsonOnce.Do(func() {
		r.json = gjson.ParseBytes(r.Body)
	})
	return r.json
}

// StatusError is raised for HTTP statuses >= 400. Redirects the transport
// already followed and everything below 400 count as success.
type StatusError struct {
	Code int
	Text string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d %s", e.Code, e.Text)
}

// Doer is the injected request capability consumed by the engine.
type Doer interface {
	Do(ctx context.Context, req *RequestConfig) (*Response, error)
}

type Options struct {
	BaseURL   string
	UserAgent string
	// Cookie is the raw authenticated session cookie for private
	// trackers.
	Cookie  string
	Timeout time.Duration
	// CloudflareBypass wraps the underlying transport with the anti-bot
	// workaround some trackers require.
	CloudflareBypass bool
	Headers          map[string]string
	// DumpDir, when set, writes every exchange to a file for rule
	// debugging. The directory is wiped on client construction.
	DumpDir string
	// Encoding names the charset the site serves ("gbk", "big5"...).
	// Responses are transcoded to UTF-8; empty or utf-8 means no-op.
	Encoding string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// Client is the resty-backed Doer.
type Client struct {
	http     *resty.Client
	encoding encoding.Encoding
}

func NewClient(opts Options) (*Client, error) {
	client := resty.New()
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, err
		}
		client.SetBaseURL(opts.BaseURL)
		client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(base.Hostname()))
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	client.SetHeader("user-agent", ua)
	if opts.Cookie != "" {
		client.SetHeader("cookie", opts.Cookie)
	}
	for k, v := range opts.Headers {
		client.SetHeader(k, v)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 30
	}
	client.SetTimeout(timeout)

	if opts.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}

	if opts.DumpDir != "" {
		dump, err := newExchangeDump(opts.DumpDir)
		if err != nil {
			return nil, err
		}
		dump.attach(client)
	}

	telemetry.InstrumentResty(client, "ptengine/transport")

	out := &Client{http: client}
	if name := strings.ToLower(opts.Encoding); name != "" && name != "utf-8" && name != "utf8" {
		enc, err := ianaindex.IANA.Encoding(opts.Encoding)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("unsupported site encoding %q", opts.Encoding)
		}
		out.encoding = enc
	}
	return out, nil
}

func (c *Client) Do(ctx context.Context, req *RequestConfig) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	r := c.http.R().SetContext(ctx)

	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	applyParams(r, req.Params)
	applyBody(r, req)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := req.URL
	if req.BaseURL != "" {
		resolved, err := resolveURL(req.BaseURL, req.URL)
		if err != nil {
			return nil, err
		}
		target = resolved
	}

	res, err := r.Execute(method, target)
	if err != nil {
		return nil, err
	}

	body := res.Body()
	if c.encoding != nil {
		// decoders carry state, so each response gets a fresh one
		if decoded, err := c.encoding.NewDecoder().Bytes(body); err == nil {
			body = decoded
		}
	}

	out := &Response{
		StatusCode: res.StatusCode(),
		Status:     res.Status(),
		Header:     res.Header(),
		Body:       body,
		FinalURL:   target,
	}
	if raw := res.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		out.FinalURL = raw.Request.URL.String()
	}

	if out.StatusCode >= http.StatusBadRequest {
		return out, &StatusError{Code: out.StatusCode, Text: http.StatusText(out.StatusCode)}
	}
	return out, nil
}

func applyParams(r *resty.Request, params map[string]any) {
	for k, v := range params {
		switch val := v.(type) {
		case []string:
			for _, item := range val {
				r.QueryParam.Add(k, item)
			}
		case []any:
			for _, item := range val {
				r.QueryParam.Add(k, fmt.Sprint(item))
			}
		default:
			r.SetQueryParam(k, fmt.Sprint(val))
		}
	}
}

func applyBody(r *resty.Request, req *RequestConfig) {
	if len(req.Data) == 0 {
		return
	}
	switch req.BodyType {
	case BodyForm, "":
		form := make(map[string]string, len(req.Data))
		for k, v := range req.Data {
			form[k] = fmt.Sprint(v)
		}
		r.SetFormData(form)
	case BodyJSON:
		r.SetHeader("content-type", "application/json")
		r.SetBody(req.Data)
	case BodyRaw:
		values := url.Values{}
		for k, v := range req.Data {
			values.Set(k, fmt.Sprint(v))
		}
		r.SetHeader("content-type", "application/x-www-form-urlencoded")
		r.SetBody(values.Encode())
	}
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
