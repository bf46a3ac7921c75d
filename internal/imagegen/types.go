package imagegen

import "strings"

// Purpose identifies what the requested art is for. It drives provider
// parameter defaults and whether the result is matted into a sprite.
type Purpose string

const (
	PurposePortrait       Purpose = "portrait"
	PurposeExpressionEdit Purpose = "expression_edit"
	PurposeOutfitEdit     Purpose = "outfit_edit"
	PurposeBackground     Purpose = "background"
	PurposeKeyArt         Purpose = "key_art"
)

// Valid reports whether the purpose is one of the supported values.
func (p Purpose) Valid() bool {
	switch p {
	case PurposePortrait, PurposeExpressionEdit, PurposeOutfitEdit, PurposeBackground, PurposeKeyArt:
		return true
	}
	return false
}

// NeedsMatting reports whether results for this purpose are turned into
// transparent sprites by default. Backgrounds and key art keep their
// backdrop.
func (p Purpose) NeedsMatting() bool {
	switch p {
	case PurposePortrait, PurposeExpressionEdit, PurposeOutfitEdit:
		return true
	}
	return false
}

// NormalizePurpose sanitizes free-form caller input into a Purpose.
func NormalizePurpose(s string) Purpose {
	return Purpose(strings.ToLower(strings.TrimSpace(s)))
}

// Asset is a self-describing in-memory image: raw bytes plus the declared
// media type. Assets are values; they are produced, never mutated.
type Asset struct {
	Data      []byte
	MediaType string
}

// StyleParams carries the tunables forwarded to whichever backend ends up
// serving the request. Zero values mean "use the provider default".
type StyleParams struct {
	Width          int
	Height         int
	Strength       float64 // denoise strength for edit purposes, 0..1
	GuidanceScale  float64
	Sampler        string
	Seed           int
	NegativePrompt string
}

// GenerationRequest is the normalized request handed to every provider
// adapter. Immutable once constructed.
type GenerationRequest struct {
	Purpose   Purpose
	Prompt    string
	Reference *Asset // optional conditioning image for edit purposes
	Style     StyleParams
	RequestID string
}

// GenerationResult is the single success value of the pipeline.
type GenerationResult struct {
	Asset    Asset
	Provider string
}
