package capability

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pressbot/internal/domain"
)

// Hatena implements domain.Publisher against the Hatena Blog AtomPub API
// using WSSE authentication.
type Hatena struct {
	hatenaID string
	blogID   string
	apiKey   string
	apiBase  string
	draft    bool
	client   *http.Client
	logger   *slog.Logger
}

type HatenaConfig struct {
	HatenaID string
	BlogID   string
	APIKey   string
	APIBase  string // override for tests; default is blog.hatena.ne.jp
	Draft    bool
	Client   *http.Client
	Logger   *slog.Logger
}

func NewHatena(cfg HatenaConfig) *Hatena {
	if cfg.APIBase == "" {
		cfg.APIBase = fmt.Sprintf("https://blog.hatena.ne.jp/%s/%s/atom", cfg.HatenaID, cfg.BlogID)
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hatena{
		hatenaID: cfg.HatenaID,
		blogID:   cfg.BlogID,
		apiKey:   cfg.APIKey,
		apiBase:  cfg.APIBase,
		draft:    cfg.Draft,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
}

type atomEntry struct {
	XMLName  xml.Name       `xml:"entry"`
	Xmlns    string         `xml:"xmlns,attr"`
	XmlnsApp string         `xml:"xmlns:app,attr"`
	Title    string         `xml:"title"`
	Content  atomContent    `xml:"content"`
	Category []atomCategory `xml:"category"`
	Control  atomControl    `xml:"app:control"`
}

type atomContent struct {
	Type string `xml:"type,attr"`
	Body string `xml:",chardata"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

type atomControl struct {
	Draft string `xml:"app:draft"`
}

type atomResponse struct {
	XMLName xml.Name   `xml:"entry"`
	ID      string     `xml:"id"`
	Links   []atomLink `xml:"link"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// Publish posts the draft as a new AtomPub entry and returns the article URL.
func (h *Hatena) Publish(ctx context.Context, draft domain.Draft, media []domain.HostedMedia) (string, error) {
	if strings.TrimSpace(draft.Title) == "" || strings.TrimSpace(draft.Body) == "" {
		return "", fmt.Errorf("%w: draft needs a title and a body", domain.ErrValidation)
	}

	entry := atomEntry{
		Xmlns:    "http://www.w3.org/2005/Atom",
		XmlnsApp: "http://www.w3.org/2007/app",
		Title:    draft.Title,
		Content: atomContent{
			Type: "text/x-markdown",
			Body: renderBody(draft, media),
		},
		Control: atomControl{Draft: "no"},
	}
	if h.draft || draft.DraftMode {
		entry.Control.Draft = "yes"
	}
	for _, tag := range draft.Tags {
		entry.Category = append(entry.Category, atomCategory{Term: tag})
	}
	if draft.Category != "" {
		entry.Category = append(entry.Category, atomCategory{Term: draft.Category})
	}

	xmlBody, err := xml.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	payload := append([]byte(xml.Header), xmlBody...)

	req, err := http.NewRequestWithContext(ctx, "POST", h.apiBase+"/entry", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-WSSE", wsseHeader(h.hatenaID, h.apiKey))

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &domain.HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var aResp atomResponse
	if err := xml.NewDecoder(resp.Body).Decode(&aResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	for _, link := range aResp.Links {
		if link.Rel == "alternate" {
			return link.Href, nil
		}
	}
	// No alternate link in the response; fall back to the Location header.
	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return "", fmt.Errorf("hatena response carried no article URL")
}

// renderBody appends resolved media as markdown images after the article body.
func renderBody(draft domain.Draft, media []domain.HostedMedia) string {
	if len(media) == 0 {
		return draft.Body
	}
	var sb strings.Builder
	sb.WriteString(draft.Body)
	sb.WriteString("\n\n")
	for _, m := range media {
		fmt.Fprintf(&sb, "![](%s)\n", m.URL)
	}
	return sb.String()
}

// wsseHeader builds a WSSE UsernameToken: PasswordDigest = SHA1(nonce + created + apiKey).
func wsseHeader(username, apiKey string) string {
	nonce := make([]byte, 20)
	rand.Read(nonce)
	created := time.Now().UTC().Format("2006-01-02T15:04:05Z")

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(apiKey))
	digest := h.Sum(nil)

	return fmt.Sprintf(`UsernameToken Username="%s", PasswordDigest="%s", Nonce="%s", Created="%s"`,
		username,
		base64.StdEncoding.EncodeToString(digest),
		base64.StdEncoding.EncodeToString(nonce),
		created)
}
