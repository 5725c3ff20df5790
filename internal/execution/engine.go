package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/genforge/credits/internal/models"
)

// Engine is the external generation engine.
type Engine interface {
	Generate(ctx context.Context, req EngineRequest) (artifactRef string, err error)
}

type EngineRequest struct {
	JobID          uuid.UUID       `json:"job_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Kind           models.JobKind  `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	ArtifactPrefix string          `json:"artifact_prefix"`
}

// EngineError is a non-2xx answer from the engine. 4xx answers are final
// (bad input, policy violation); everything else is worth retrying.
type EngineError struct {
	StatusCode int
	Message    string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.StatusCode, e.Message)
}

func (e *EngineError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// HTTPEngine calls POST {baseURL}/generate.
type HTTPEngine struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPEngine(baseURL string) *HTTPEngine {
	return &HTTPEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Minute},
	}
}

func (e *HTTPEngine) Generate(ctx context.Context, in EngineRequest) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("network error calling engine: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &msg) != nil || msg.Error == "" {
			msg.Error = http.StatusText(resp.StatusCode)
		}
		return "", &EngineError{StatusCode: resp.StatusCode, Message: msg.Error}
	}

	var out struct {
		ArtifactRef string `json:"artifact_ref"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.ArtifactRef == "" {
		return "", &EngineError{StatusCode: http.StatusUnprocessableEntity, Message: "engine returned no artifact_ref"}
	}
	return out.ArtifactRef, nil
}
