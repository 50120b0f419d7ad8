package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

// 1: request method
// 2: request url
// 3: request headers ("Key: Value" format)
// 4: response status
// 5: final url
// 6: response headers ("Key: Value" format)
// 7: response body
const exchangeTemplate = `---- REQUEST ----

%s %s

%s

---- RESPONSE ----

%s %s

%s

%s`

// exchangeDump writes every completed exchange to a file so site rule
// authors can diff what a tracker actually served. Enabled through
// Options.DumpDir; never on in production use.
type exchangeDump struct {
	directory string
	seq       atomic.Int64
}

func newExchangeDump(dir string) (*exchangeDump, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	// clear stale dumps from a previous run, but only files matching our
	// own naming scheme; the directory may hold unrelated files
	stale, err := filepath.Glob(filepath.Join(dir, "[0-9][0-9][0-9]_*.txt"))
	if err != nil {
		return nil, err
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
	}
	return &exchangeDump{directory: dir}, nil
}

func (d *exchangeDump) attach(client *resty.Client) {
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		d.write(res)
		return nil
	})
}

func (d *exchangeDump) write(res *resty.Response) {
	id := d.seq.Add(1)
	name := fmt.Sprintf("%03d_%s.txt", id, sanitizeName(res.Request.URL))
	contents := formatExchange(res)
	if err := os.WriteFile(filepath.Join(d.directory, name), []byte(contents), 0600); err != nil {
		slog.Warn("failed to write exchange dump", "name", name, "err", err)
	}
}

func formatExchange(res *resty.Response) string {
	var requestHeaders string
	if res.Request.RawRequest != nil {
		requestHeaders = formatHeaders(res.Request.RawRequest.Header)
	}

	finalURL := res.Request.URL
	if raw := res.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}

	return fmt.Sprintf(
		exchangeTemplate,
		res.Request.Method, res.Request.URL,
		requestHeaders,
		strconv.Itoa(res.StatusCode()), finalURL,
		formatHeaders(res.Header()),
		res.String(),
	)
}

func formatHeaders(headers http.Header) string {
	var out strings.Builder
	for k, vals := range headers {
		for _, v := range vals {
			fmt.Fprintf(&out, "%s: %s\n", k, v)
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}

var unsafeNameChars = strings.NewReplacer("/", "_", "?", "_", "&", "_", "=", "_", ":", "_")

func sanitizeName(url string) string {
	s := unsafeNameChars.Replace(url)
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
