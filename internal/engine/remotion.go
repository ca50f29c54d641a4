package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v0 "tsxstudio/internal/contracts/renderer/v0"
	"tsxstudio/internal/pkg/errors"
)

// RemotionClient talks to the Node render sidecar.
type RemotionClient struct {
	baseURL string
	client  *http.Client
}

func NewRemotionClient(baseURL string) *RemotionClient {
	return &RemotionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Render streams can legitimately run long; callers bound them with ctx.
		client: &http.Client{Timeout: 0},
	}
}

func (c *RemotionClient) Bundle(ctx context.Context, entryPoint string) (string, error) {
	var out v0.BundleResponse
	if err := c.postJSON(ctx, "/bundle", v0.BundleRequest{EntryPoint: entryPoint}, &out, 5*time.Minute); err != nil {
		return "", errors.Engine("engine.bundle", "bundling failed", err)
	}
	if out.ServeURL == "" {
		return "", errors.Engine("engine.bundle", "bundler returned no serve url", nil)
	}
	return out.ServeURL, nil
}

func (c *RemotionClient) SelectComposition(ctx context.Context, serveURL, id string) (Composition, error) {
	var out v0.Composition
	if err := c.postJSON(ctx, "/compositions", v0.CompositionRequest{ServeURL: serveURL, ID: id}, &out, time.Minute); err != nil {
		return out, errors.Engine("engine.select_composition", "composition lookup failed", err)
	}
	return out, nil
}

// Render posts the request and consumes the NDJSON progress stream.
func (c *RemotionClient) Render(ctx context.Context, req RenderRequest, onProgress func(float64)) error {
	const op = "engine.render"

	body, err := json.Marshal(v0.RenderRequest{
		ServeURL:       req.ServeURL,
		Composition:    req.Composition,
		Codec:          req.Codec,
		OutputLocation: req.OutputPath,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return errors.Engine(op, "renderer unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Engine(op, readError(res), nil)
	}

	sc := bufio.NewScanner(res.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev v0.ProgressEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case v0.EventProgress:
			if onProgress != nil {
				onProgress(ev.Progress)
			}
		case v0.EventDone:
			return nil
		case v0.EventError:
			return errors.Engine(op, ev.Error, nil)
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Engine(op, "render stream interrupted", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Engine(op, "render stream ended without result", nil)
}

func (c *RemotionClient) postJSON(ctx context.Context, path string, in, out any, timeout time.Duration) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("renderer http %d: %s", res.StatusCode, readError(res))
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func readError(res *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	var e v0.ErrorResponse
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return fmt.Sprintf("renderer http %d", res.StatusCode)
}
