package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aschepis/backscratcher/chatgw/history"
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/aschepis/backscratcher/chatgw/tools/schemas"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const maxPageBytes = 5 << 20

// ErrUnsupportedContent is returned for PDF and other non-HTML pages.
var ErrUnsupportedContent = errors.New("unsupported content type")

// CrawlerTool fetches a web page and returns its title, description and
// visible text, cut to a token budget.
type CrawlerTool struct {
	httpClient   *http.Client
	tokenizer    history.Tokenizer
	maxTokens    int
	allowPrivate bool
	logger       zerolog.Logger
}

// NewCrawlerTool creates a CrawlerTool. Output is truncated to maxTokens
// when a tokenizer is given and maxTokens is positive. A Budget on the
// invocation context overrides both.
func NewCrawlerTool(tokenizer history.Tokenizer, maxTokens int, logger zerolog.Logger) *CrawlerTool {
	t := &CrawlerTool{
		tokenizer: tokenizer,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "crawler_tool").Logger(),
	}
	t.httpClient = &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return t.checkURL(req.Context(), req.URL.String())
		},
	}
	return t
}

func (t *CrawlerTool) Name() string { return schemas.URLCrawler }

func (t *CrawlerTool) Description() string {
	desc, _ := schemaFor(schemas.URLCrawler)
	return desc
}

func (t *CrawlerTool) Schema() llm.ToolSchema {
	_, schema := schemaFor(schemas.URLCrawler)
	return schema
}

// Invoke fetches the page named by the "url" argument.
func (t *CrawlerTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var payload struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(args, &payload); err != nil {
		return "", err
	}
	target := strings.TrimSpace(payload.URL)
	if target == "" {
		return "", fmt.Errorf("url cannot be empty")
	}
	if strings.HasSuffix(strings.ToLower(target), ".pdf") {
		return "", fmt.Errorf("%w: PDF documents are not supported", ErrUnsupportedContent)
	}
	if err := t.checkURL(ctx, target); err != nil {
		return "", fmt.Errorf("URL validation failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; chatgw/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Body close error can be ignored

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: HTTP %d", target, resp.StatusCode)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, mediaType)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	page := extractPage(doc)
	content := fmt.Sprintf("title: %s\ndescription: %s\n%s", page.title, page.description, page.text)

	budget := t.budget(ctx)
	if budget.Tokenizer != nil && budget.MaxTokens > 0 {
		if n := budget.Tokenizer.Count(content); n > budget.MaxTokens {
			t.logger.Debug().Str("url", target).Int("tokens", n).Int("budget", budget.MaxTokens).Msg("Truncating page content")
			content = budget.Tokenizer.Truncate(content, budget.MaxTokens)
		}
	}
	return content, nil
}

// budget prefers the request's budget and fills gaps from the build-time one.
func (t *CrawlerTool) budget(ctx context.Context) Budget {
	b, _ := BudgetFrom(ctx)
	if b.MaxTokens <= 0 {
		b.MaxTokens = t.maxTokens
	}
	if b.Tokenizer == nil {
		b.Tokenizer = t.tokenizer
	}
	return b
}

func (t *CrawlerTool) checkURL(ctx context.Context, raw string) error {
	if t.allowPrivate {
		return nil
	}
	return validateURLForSSRF(ctx, raw)
}

// page holds the parts of an HTML document the crawler reports.
type page struct {
	title       string
	description string
	text        string
}

// skippedElements never contribute visible text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
}

// blockElements end a line of text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Pre: true, atom.Blockquote: true,
}

func extractPage(doc *html.Node) page {
	var (
		p     page
		lines []string
		line  strings.Builder
	)
	flush := func() {
		if s := strings.Join(strings.Fields(line.String()), " "); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}

	var walk func(n *html.Node, inBody bool)
	walk = func(n *html.Node, inBody bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if p.title == "" && n.FirstChild != nil {
					p.title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			case atom.Meta:
				if p.description == "" {
					name := strings.ToLower(attr(n, "name"))
					prop := strings.ToLower(attr(n, "property"))
					if name == "description" || prop == "og:description" {
						p.description = strings.TrimSpace(attr(n, "content"))
					}
				}
				return
			case atom.Body:
				inBody = true
			}
			if skippedElements[n.DataAtom] {
				return
			}
		}
		if n.Type == html.TextNode && inBody {
			line.WriteString(n.Data)
			line.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBody)
		}
		if n.Type == html.ElementNode && blockElements[n.DataAtom] {
			flush()
		}
	}
	walk(doc, false)
	flush()

	p.text = strings.Join(lines, "\n")
	return p
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// isPrivateOrReservedIP checks if an IP address is private, loopback, or reserved.
func isPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// validateURLForSSRF rejects URLs that are not http(s) or that resolve to
// a private, loopback or link-local address.
func validateURLForSSRF(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	lowerHost := strings.ToLower(hostname)
	if lowerHost == "localhost" || strings.HasSuffix(lowerHost, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("URL resolves to private/reserved IP address")
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", hostname, err)
	}
	for _, addr := range addrs {
		if isPrivateOrReservedIP(addr.IP) {
			return fmt.Errorf("URL resolves to private/reserved IP address")
		}
	}
	return nil
}
