package service

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// DefaultMaxPayloadBytes bounds a single event payload.
const DefaultMaxPayloadBytes = 64 << 10

var batchIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// normalizePayload checks that payload is a JSON object within size limits.
// An empty payload becomes {}.
func normalizePayload(payload json.RawMessage, maxBytes int) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if maxBytes > 0 && len(trimmed) > maxBytes {
		return nil, model.Validationf("payload exceeds %d bytes", maxBytes)
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, model.Validationf("payload must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}

// checkRelease enforces the laboratory release gate: a batch leaves
// QualityTesting for Distribution only with result "pass".
func checkRelease(from, to model.Stage, payload json.RawMessage) error {
	if from != model.StageQualityTesting || to != model.StageDistribution {
		return nil
	}
	var body struct {
		Result *string `json:"result"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return model.Validationf("decode payload: %v", err)
	}
	if body.Result == nil || *body.Result != "pass" {
		return model.Validationf(`release to distribution requires payload result "pass"`)
	}
	return nil
}
