package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"bountyline/internal/domain"
)

// HTTPRail talks to a JSON payout gateway:
//
//	POST {endpoint}/transfers                 -> {"ref": "...", "status": "pending|settled|rejected"}
//	GET  {endpoint}/transfers/{ref}           -> {"ref": "...", "status": "..."}
//	GET  {endpoint}/transfers?dispatch_key=k  -> same, 404 when unknown
//
// The dispatch key travels as the Idempotency-Key header.
type HTTPRail struct {
	RailName string
	Endpoint string
	Token    string
	Client   *http.Client
}

type gatewayTransfer struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// GatewayError is a non-2xx gateway response.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway status=%d body=%s", e.StatusCode, e.Body)
}

func (h *HTTPRail) Name() string { return h.RailName }

func (h *HTTPRail) Initiate(ctx context.Context, t Transfer) (string, error) {
	var resp gatewayTransfer
	if err := h.do(ctx, http.MethodPost, "transfers", t.DispatchKey, t, &resp); err != nil {
		return "", err
	}
	if resp.Ref == "" {
		return "", domain.Transient(h.RailName, errors.New("gateway response without ref"))
	}
	if Status(resp.Status) == StatusRejected {
		return "", domain.Permanent(h.RailName, fmt.Errorf("transfer %s rejected: %s", resp.Ref, resp.Error))
	}
	return resp.Ref, nil
}

func (h *HTTPRail) QueryStatus(ctx context.Context, q Query) (Status, error) {
	endpoint := "transfers?dispatch_key=" + url.QueryEscape(q.DispatchKey)
	if q.ExternalRef != "" {
		endpoint = "transfers/" + url.PathEscape(q.ExternalRef)
	}
	var resp gatewayTransfer
	err := h.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) && ge.StatusCode == http.StatusNotFound {
			return StatusNotFound, nil
		}
		return "", err
	}
	switch s := Status(resp.Status); s {
	case StatusPending, StatusSettled, StatusRejected:
		return s, nil
	default:
		return "", domain.Transient(h.RailName, fmt.Errorf("unknown gateway status %q", resp.Status))
	}
}

func (h *HTTPRail) do(ctx context.Context, method, endpoint, idempotencyKey string, body any, out any) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return domain.Permanent(h.RailName, err)
		}
	}
	u := strings.TrimRight(h.Endpoint, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return domain.Permanent(h.RailName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		// The request may have reached the gateway. The dispatcher queries by
		// dispatch key before sending it again.
		return domain.Transient(h.RailName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		gerr := &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return domain.Transient(h.RailName, gerr)
		}
		return domain.Permanent(h.RailName, gerr)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.Transient(h.RailName, fmt.Errorf("decode gateway response: %w", err))
		}
	}
	return nil
}
