package toolkit

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/apiprobe/apiprobe/pkg/tools"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024
	userAgent          = "apiprobe/1.0"
)

// HTTPVerifyArgs is the http_verify input: the request to issue against the
// test environment. Relative URLs resolve against the run's base URL.
type HTTPVerifyArgs struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// EchoedRequest is the exact request that went out, echoed back so
// verification and error records can cite it.
type EchoedRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPVerifyResult is the observed response.
type HTTPVerifyResult struct {
	Request    EchoedRequest     `json:"request"`
	StatusCode int               `json:"status_code"`
	Status     string            `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Elapsed    string            `json:"elapsed"`
}

type httpVerifier struct {
	client  *http.Client
	baseURL *url.URL
}

// NewHTTPVerify builds the http_verify tool. baseURL may be empty when
// every request will use absolute URLs. A nil client gets a fresh one with
// the given timeout (zero means 30s).
func NewHTTPVerify(baseURL string, client *http.Client, timeout time.Duration) (*tools.Definition, error) {
	v := &httpVerifier{client: client}
	if v.client == nil {
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		v.client = &http.Client{Timeout: timeout}
	}
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid base URL %q", baseURL)
		}
		v.baseURL = parsed
	}

	return tools.NewNamedFromFunc(
		HTTPVerifyToolName,
		"Issue an HTTP request against the test environment and report status, headers, body, and timing. Relative URLs resolve against the run's base URL.",
		v.verify,
	)
}

func (v *httpVerifier) verify(ctx context.Context, args HTTPVerifyArgs) (*HTTPVerifyResult, error) {
	if strings.TrimSpace(args.URL) == "" {
		return nil, errors.New("url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(args.Method))
	if method == "" {
		method = http.MethodGet
	}

	target, err := v.resolve(args.URL)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if args.Body != "" {
		bodyReader = strings.NewReader(args.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", userAgent)
	for k, val := range args.Headers {
		req.Header.Set(k, val)
	}

	echoed := EchoedRequest{
		Method:  method,
		URL:     target,
		Headers: args.Headers,
		Body:    args.Body,
	}

	start := time.Now()
	resp, err := v.client.Do(req)
	if err != nil {
		// Connection failures and timeouts come back as tool errors; the
		// executor turns them into failure data the model can react to.
		return nil, errors.Wrapf(err, "%s %s failed", method, target)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response body from %s", target)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headers[k] = vals[0]
		}
	}

	elapsed := time.Since(start)
	log.Debug().
		Str("method", method).
		Str("url", target).
		Int("status_code", resp.StatusCode).
		Dur("elapsed", elapsed).
		Msg("http_verify request completed")

	return &HTTPVerifyResult{
		Request:    echoed,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    headers,
		Body:       string(bodyBytes),
		Elapsed:    elapsed.String(),
	}, nil
}

func (v *httpVerifier) resolve(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "invalid url %q", raw)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	if v.baseURL == nil {
		return "", errors.Errorf("relative url %q needs a base URL", raw)
	}
	return v.baseURL.ResolveReference(parsed).String(), nil
}
