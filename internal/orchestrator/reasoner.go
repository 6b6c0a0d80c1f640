package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"opsline/internal/domain"
)

// HTTPReasoner posts the decision context to an external reasoning service
// and reads back a proposed decision. Any malformed reply is an error; the
// caller falls back to producing no decision.
type HTTPReasoner struct {
	URL    string
	Client *http.Client
}

type proposeRequest struct {
	Context domain.Context `json:"context"`
}

type proposeResponse struct {
	Decision domain.Decision `json:"decision"`
}

func (r HTTPReasoner) Propose(ctx context.Context, dc domain.Context) (domain.Decision, error) {
	body, err := json.Marshal(proposeRequest{Context: dc})
	if err != nil {
		return domain.Decision{}, fmt.Errorf("marshal context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Decision{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Decision{}, fmt.Errorf("reasoner returned %d", resp.StatusCode)
	}
	var parsed proposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.Decision{}, fmt.Errorf("parse proposal: %w", err)
	}
	if parsed.Decision.Type == "" {
		return domain.Decision{}, fmt.Errorf("parse proposal: missing decision type")
	}
	return parsed.Decision, nil
}
