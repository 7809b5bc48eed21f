package gemini

import (
	"encoding/json"
	"strings"

	"github.com/maauso/mediasqueeze/internal/mediaerr"
)

// inlineDataFields are the spellings the API has used for the embedded blob,
// in the order they are tried.
var inlineDataFields = []string{"inline_data", "inlineData"}

// Segment names reported in MalformedResponse errors.
const (
	segmentBody       = "body"
	segmentCandidates = "candidates"
	segmentCandidate  = "candidates[0]"
	segmentContent    = "content"
	segmentParts      = "parts"
	segmentData       = "data"
)

var segmentInlineData = strings.Join(inlineDataFields, "|")

// extractPayload walks candidates[0].content.parts[*].<inline data>.data and
// returns the base64 string found there. Every missing level is reported as
// its own MalformedResponse carrying the whole body.
func extractPayload(op string, body []byte) (string, error) {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil {
		e := mediaerr.Malformed(op, segmentBody, string(body))
		e.Err = err
		return "", e
	}

	malformed := func(segment string) error {
		return mediaerr.Malformed(op, segment, string(body))
	}

	candidates, ok := root["candidates"].([]any)
	if !ok {
		return "", malformed(segmentCandidates)
	}
	if len(candidates) == 0 {
		return "", malformed(segmentCandidate)
	}
	candidate, ok := candidates[0].(map[string]any)
	if !ok {
		return "", malformed(segmentCandidate)
	}

	cont, ok := candidate["content"].(map[string]any)
	if !ok {
		return "", malformed(segmentContent)
	}

	parts, ok := cont["parts"].([]any)
	if !ok {
		return "", malformed(segmentParts)
	}

	blob := firstInlineData(parts)
	if blob == nil {
		return "", malformed(segmentInlineData)
	}

	data, ok := blob["data"].(string)
	if !ok {
		return "", malformed(segmentData)
	}
	return data, nil
}

// firstInlineData returns the blob of the first part carrying one under any
// known spelling.
func firstInlineData(parts []any) map[string]any {
	for _, p := range parts {
		obj, ok := p.(map[string]any)
		if !ok {
			continue
		}
		for _, field := range inlineDataFields {
			if blob, ok := obj[field].(map[string]any); ok {
				return blob
			}
		}
	}
	return nil
}
