package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/user/pagewright/internal/runtime"
)

const (
	maxReferenceChars = 20000
	maxReferenceBytes = 4 << 20
)

// FetchReference fetches a web page and returns it as markdown, so the model
// can use an existing site as a design reference.
type FetchReference struct {
	client *http.Client
}

type referenceArgs struct {
	URL string `json:"url" jsonschema:"The http or https URL of the page to use as a reference."`
}

// NewFetchReference creates a new FetchReference tool.
func NewFetchReference() *FetchReference {
	return &FetchReference{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (f *FetchReference) Name() string { return "fetch_reference" }
func (f *FetchReference) Description() string {
	return "Fetch a web page and return its content as markdown to use as a design or copy reference"
}
func (f *FetchReference) Schema() (*jsonschema.Schema, error) {
	return jsonschema.For[referenceArgs](nil)
}

func (f *FetchReference) Execute(ctx context.Context, call runtime.Call) (*runtime.Result, error) {
	var params referenceArgs
	if err := decode(call.Args, &params); err != nil {
		return nil, err
	}
	u, err := url.Parse(params.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url must be an absolute http or https URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Pagewright/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return nil, fmt.Errorf("convert to markdown: %w", err)
	}

	if len(md) > maxReferenceChars {
		md = md[:maxReferenceChars] + "\n\n[Content truncated]"
	}
	return &runtime.Result{Output: md}, nil
}
