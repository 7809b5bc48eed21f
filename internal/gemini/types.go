// Package gemini is a small HTTP client for the Gemini generateContent API,
// used to upscale images.
package gemini

// generateRequest is the body of a generateContent call.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

// part holds either text or an inline blob, never both.
type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ImageConfig imageConfig `json:"imageConfig"`
}

type imageConfig struct {
	ImageSize string `json:"imageSize"`
}

func newGenerateRequest(prompt, mimeType, dataB64, imageSize string) generateRequest {
	return generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: prompt},
				{InlineData: &inlineData{MimeType: mimeType, Data: dataB64}},
			},
		}},
		GenerationConfig: generationConfig{
			ImageConfig: imageConfig{ImageSize: imageSize},
		},
	}
}
