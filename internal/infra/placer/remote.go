// Package placer はブラウザ操作を担う外部プレースメントサービスへのクライアントを提供する。
package placer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/worker"
)

const maxErrorBody = 4096

// Remote は HTTP で外部サービスにプレースメントを委譲する worker.Placer
type Remote struct {
	baseURL    string
	httpClient *http.Client
}

type opportunityPayload struct {
	ID       uuid.UUID `json:"id"`
	URL      string    `json:"url"`
	Domain   string    `json:"domain"`
	SiteType string    `json:"site_type"`
}

type credentialsPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// placeRequest は /place に送る本文
type placeRequest struct {
	JobID       uuid.UUID           `json:"job_id"`
	Action      job.Action          `json:"action"`
	TargetURL   string              `json:"target_url"`
	AnchorText  string              `json:"anchor_text,omitempty"`
	LinkURL     string              `json:"link_url,omitempty"`
	Opportunity opportunityPayload  `json:"opportunity"`
	ProxyURL    string              `json:"proxy_url,omitempty"`
	Credentials *credentialsPayload `json:"credentials,omitempty"`
}

// placeResponse は成功時は placed_url、分類済みの失敗時は error_code を持つ
type placeResponse struct {
	PlacedURL string          `json:"placed_url"`
	Result    json.RawMessage `json:"result"`
	ErrorCode string          `json:"error_code"`
	Message   string          `json:"message"`
}

// NewRemote は baseURL のサービスを呼ぶ Placer を作成する。httpClient が nil なら既定のクライアントを使う
func NewRemote(baseURL string, httpClient *http.Client) *Remote {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Remote{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Place はプレースメントを依頼する。タイムアウトは ctx に従う
func (r *Remote) Place(ctx context.Context, req worker.PlacementRequest) (*worker.PlacementResult, error) {
	body, err := json.Marshal(newPlaceRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/place", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &worker.PlacementError{Code: job.ErrorUnknown, Message: "placement service unreachable", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out placeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &worker.PlacementResult{PlacedURL: out.PlacedURL, Result: out.Result}, nil
	case http.StatusUnprocessableEntity:
		var out placeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode error response: %w", err)
		}
		return nil, worker.NewPlacementError(job.ParseErrorCode(out.ErrorCode), out.Message)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, worker.NewPlacementError(job.ErrorUnknown,
			fmt.Sprintf("placement service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
}

func newPlaceRequest(req worker.PlacementRequest) placeRequest {
	j := req.Job
	out := placeRequest{
		JobID:      j.ID,
		Action:     j.Action,
		TargetURL:  j.TargetURL,
		AnchorText: j.AnchorText,
		LinkURL:    j.LinkURL,
	}
	if o := req.Opportunity; o != nil {
		out.Opportunity = opportunityPayload{ID: o.ID, URL: o.URL, Domain: o.Domain, SiteType: string(o.SiteType)}
	}
	if req.Proxy != nil {
		out.ProxyURL = req.Proxy.URL()
	}
	if c := req.Credentials; c != nil {
		out.Credentials = &credentialsPayload{Username: c.Username, Email: c.Email, Password: c.Password}
	}
	return out
}
