// Package httpcall issues one HTTP request per run and optionally extracts
// values from a JSON response with a jq expression.
package httpcall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/itchyny/gojq"

	"cadence/internal/domain"
	"cadence/internal/tasks"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrBody     = 512
)

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
	Extract string            `json:"extract"`
}

type HTTP struct {
	client *resty.Client
}

func New() *HTTP {
	return &HTTP{client: resty.New().SetHeader("User-Agent", "cadence")}
}

func (h *HTTP) Execute(ctx context.Context, p domain.RunParams) (domain.Result, error) {
	var req Request
	if err := json.Unmarshal(p.Args, &req); err != nil {
		return domain.Result{}, fmt.Errorf("invalid HTTP request args: %w", err)
	}
	if req.URL == "" {
		return domain.Result{}, fmt.Errorf("http: url: %w", tasks.ErrMissingArg)
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	timeout := defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	var code *gojq.Code
	if req.Extract != "" {
		q, err := gojq.Parse(req.Extract)
		if err != nil {
			return domain.Result{}, fmt.Errorf("invalid extract expression: %w", err)
		}
		if code, err = gojq.Compile(q); err != nil {
			return domain.Result{}, fmt.Errorf("compile extract expression: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := h.client.R().SetContext(ctx).
		SetHeaders(req.Headers).
		SetHeader("X-Cadence-Run-Id", p.RunID).
		SetHeader("X-Cadence-Run-Ds", p.RunDS.UTC().Format(time.RFC3339))
	if body := requestBody(req.Body); body != nil {
		r.SetBody(body)
	}

	resp, err := r.Execute(strings.ToUpper(req.Method), req.URL)
	if err != nil {
		return domain.Result{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	fmt.Fprintf(tasks.Output(ctx), "%s %s -> %d (%d bytes)\n", req.Method, req.URL, resp.StatusCode(), len(resp.Body()))

	if resp.IsError() {
		return domain.Result{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode(), truncate(resp.Body()))
	}

	res := domain.Result{Message: fmt.Sprintf("%s %s -> %d", req.Method, req.URL, resp.StatusCode())}
	if code != nil {
		data, err := extract(ctx, code, resp.Body())
		if err != nil {
			return domain.Result{}, err
		}
		res.Data = data
	}
	return res, nil
}

// requestBody sends a JSON string body as its text and anything else as
// raw JSON.
func requestBody(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

// extract runs code over the JSON body. A single result is returned as is;
// several are returned as an array.
func extract(ctx context.Context, code *gojq.Code, body []byte) (json.RawMessage, error) {
	var input any
	if err := json.Unmarshal(body, &input); err != nil {
		return nil, fmt.Errorf("extract: response is not JSON: %w", err)
	}
	var out []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("extract: %w", err)
		}
		out = append(out, v)
	}
	var (
		b   []byte
		err error
	)
	if len(out) == 1 {
		b, err = json.Marshal(out[0])
	} else {
		b, err = json.Marshal(out)
	}
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return b, nil
}

func truncate(b []byte) string {
	if len(b) > maxErrBody {
		return string(b[:maxErrBody]) + "..."
	}
	return string(b)
}
