package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	fetchTimeoutSeconds  = 30
	defaultFetchMaxChars = 50000
	fetchUserAgent       = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebFetchTool fetches a URL and extracts its readable content.
type WebFetchTool struct {
	client   *http.Client
	maxChars int
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &WebFetchTool{
		client:   &http.Client{Timeout: fetchTimeoutSeconds * time.Second},
		maxChars: maxChars,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL and extract its readable text content"
}
func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}
	if err := checkSSRF(parsed.Hostname()); err != nil {
		return ErrorResult(fmt.Sprintf("blocked: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	body := io.LimitReader(resp.Body, 5*1024*1024)

	var text string
	if strings.Contains(contentType, "html") {
		article, err := readability.FromReader(body, parsed)
		if err != nil {
			return ErrorResult(fmt.Sprintf("extract content: %v", err))
		}
		text = article.TextContent
		if article.Title != "" {
			text = article.Title + "\n\n" + text
		}
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return ErrorResult(fmt.Sprintf("read response: %v", err))
		}
		text = string(data)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return NewResult("(page has no extractable text)")
	}
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + fmt.Sprintf("\n... (truncated at %d chars)", t.maxChars)
	}
	return NewResult(text)
}

// checkSSRF rejects hostnames that resolve to private or loopback ranges.
func checkSSRF(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("%s resolves to a private address", host)
		}
	}
	return nil
}
