package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxRenderedSize = 4 << 20

// KrokiRenderer renders Mermaid source to SVG through a Kroki server.
type KrokiRenderer struct {
	baseURL string
	client  *http.Client
}

// NewKrokiRenderer creates a renderer for the Kroki instance at baseURL
// (for example https://kroki.io).
func NewKrokiRenderer(baseURL string, client *http.Client) *KrokiRenderer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &KrokiRenderer{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Render implements Renderer.
func (k *KrokiRenderer) Render(ctx context.Context, source string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/mermaid/svg", strings.NewReader(source))
	if err != nil {
		return "", "", fmt.Errorf("build kroki request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", ContentTypeSVG)

	resp, err := k.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("kroki request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderedSize))
	if err != nil {
		return "", "", fmt.Errorf("read kroki response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("kroki returned %d: %s", resp.StatusCode, truncateLabel(string(body), 200))
	}
	return string(body), ContentTypeSVG, nil
}
