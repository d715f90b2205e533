// Package dns registers per-server subdomains. The orchestrator talks to
// the Provider interface; a missing or broken provider degrades the
// deployment (players connect by IP:port) rather than failing it.
package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// Provider creates and removes the records for one subdomain label.
// CreateRecord returns the fully qualified name it registered.
type Provider interface {
	CreateRecord(ctx context.Context, subdomain, targetIP string) (string, error)
	DeleteRecord(ctx context.Context, subdomain string) error
}

// Sanitize turns a free-form server name into a DNS-safe label:
// lowercase, non-alphanumerics collapsed to single hyphens, trimmed,
// capped at the 63-byte label limit.
func Sanitize(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	label := strings.Trim(b.String(), "-")
	if len(label) > 63 {
		label = label[:63]
	}
	return label
}

// Cloudflare is the production Provider. A records only, short TTL,
// proxying off since game traffic is not HTTP.
type Cloudflare struct {
	APIToken string
	ZoneID   string
	Domain   string
	BaseURL  string
	Client   *http.Client
}

func NewCloudflare(apiToken, zoneID, domain string) *Cloudflare {
	return &Cloudflare{
		APIToken: apiToken,
		ZoneID:   zoneID,
		Domain:   domain,
		BaseURL:  "https://api.cloudflare.com/client/v4",
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether the client has credentials. Callers skip DNS
// entirely when it does not.
func (c *Cloudflare) Configured() bool {
	return c.APIToken != "" && c.ZoneID != ""
}

type cfRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type cfResponse struct {
	Success bool            `json:"success"`
	Errors  []cfError       `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type cfError struct {
	Message string `json:"message"`
}

func (c *Cloudflare) CreateRecord(ctx context.Context, subdomain, targetIP string) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("cloudflare credentials not configured")
	}

	full := subdomain + "." + c.Domain
	rec := cfRecord{Type: "A", Name: subdomain, Content: targetIP, TTL: 120, Proxied: false}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}

	var resp cfResponse
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("%s/zones/%s/dns_records", c.BaseURL, c.ZoneID), body, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("cloudflare rejected record for %s: %s", full, firstError(resp.Errors))
	}

	log.Printf("registered dns record %s -> %s", full, targetIP)
	return full, nil
}

func (c *Cloudflare) DeleteRecord(ctx context.Context, subdomain string) error {
	if !c.Configured() {
		return nil
	}

	listURL := fmt.Sprintf("%s/zones/%s/dns_records?name=%s.%s", c.BaseURL, c.ZoneID, subdomain, c.Domain)
	var resp cfResponse
	if err := c.do(ctx, http.MethodGet, listURL, nil, &resp); err != nil {
		return err
	}

	var records []cfRecord
	if err := json.Unmarshal(resp.Result, &records); err != nil {
		return fmt.Errorf("decoding record list: %w", err)
	}

	for _, rec := range records {
		url := fmt.Sprintf("%s/zones/%s/dns_records/%s", c.BaseURL, c.ZoneID, rec.ID)
		if err := c.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
			return fmt.Errorf("deleting record %s: %w", rec.ID, err)
		}
	}
	if len(records) > 0 {
		log.Printf("deleted %d dns record(s) for %s.%s", len(records), subdomain, c.Domain)
	}
	return nil
}

func (c *Cloudflare) do(ctx context.Context, method, url string, body []byte, out *cfResponse) error {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("calling cloudflare: %w", err)
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding cloudflare response: %w", err)
	}
	return nil
}

func firstError(errs []cfError) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	return errs[0].Message
}
