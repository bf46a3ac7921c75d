package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/theazureday/story-creator/internal/imagegen"
	"github.com/theazureday/story-creator/internal/matting"
	"github.com/theazureday/story-creator/internal/middleware"
)

const maxUploadBytes = 16 << 20

type styleRequest struct {
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Strength       float64 `json:"strength"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Sampler        string  `json:"sampler"`
	Seed           int     `json:"seed"`
	NegativePrompt string  `json:"negative_prompt"`
}

type generateRequest struct {
	Purpose        string       `json:"purpose"`
	Prompt         string       `json:"prompt"`
	Style          styleRequest `json:"style"`
	ReferenceB64   string       `json:"reference_b64"`
	ReferenceMIME  string       `json:"reference_media_type"`
	Matte          *bool        `json:"matte"`
}

type generateResponse struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	Matted    bool   `json:"matted"`
}

// GenerateImage runs the full pipeline: fallback generation across the
// configured backends, then matting for sprite purposes, then a write to
// the asset store so the result is addressable.
func (a *App) GenerateImage(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	purpose := imagegen.NormalizePurpose(req.Purpose)
	if !purpose.Valid() {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported purpose "+req.Purpose)
		return
	}

	genReq := imagegen.GenerationRequest{
		Purpose:   purpose,
		Prompt:    strings.TrimSpace(req.Prompt),
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Style: imagegen.StyleParams{
			Width:          req.Style.Width,
			Height:         req.Style.Height,
			Strength:       req.Style.Strength,
			GuidanceScale:  req.Style.GuidanceScale,
			Sampler:        strings.TrimSpace(req.Style.Sampler),
			Seed:           req.Style.Seed,
			NegativePrompt: strings.TrimSpace(req.Style.NegativePrompt),
		},
	}
	if genReq.RequestID == "" {
		genReq.RequestID = uuid.NewString()
	}
	if req.ReferenceB64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ReferenceB64)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "reference_b64 is not valid base64")
			return
		}
		mime := strings.TrimSpace(req.ReferenceMIME)
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		genReq.Reference = &imagegen.Asset{Data: data, MediaType: mime}
	}

	result, err := a.Orchestrator.Generate(r.Context(), genReq)
	if err != nil {
		code, slug := statusForKind(imagegen.KindOf(err))
		a.Logger.Warn().Err(err).Str("request_id", genReq.RequestID).Msg("handlers: generation failed")
		a.error(w, code, slug, err.Error())
		return
	}

	matted := purpose.NeedsMatting()
	if req.Matte != nil {
		matted = *req.Matte
	}
	asset := result.Asset
	if matted {
		asset = matting.RemoveBackgroundWith(asset, a.Matte)
	}

	key := fmt.Sprintf("sprites/%s%s", genReq.RequestID, extensionFor(asset.MediaType))
	storedKey, err := a.Store.Write(r.Context(), key, asset.Data)
	if err != nil {
		a.Logger.Error().Err(err).Str("request_id", genReq.RequestID).Msg("handlers: store asset failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store asset")
		return
	}

	a.json(w, http.StatusOK, generateResponse{
		RequestID: genReq.RequestID,
		Provider:  result.Provider,
		URL:       a.assetURL(storedKey),
		MediaType: asset.MediaType,
		Matted:    matted,
	})
}

type matteRequest struct {
	ImageB64  string `json:"image_b64"`
	MediaType string `json:"media_type"`
}

// MatteImage exposes background removal as a standalone step. It accepts
// either raw image bytes or a JSON body with base64 data, and always
// answers with the (possibly unchanged) image bytes.
func (a *App) MatteImage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil || len(body) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "missing image body")
		return
	}

	asset := imagegen.Asset{Data: body, MediaType: r.Header.Get("Content-Type")}
	if strings.HasPrefix(asset.MediaType, "application/json") {
		var req matteRequest
		if err := json.Unmarshal(body, &req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.ImageB64)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "image_b64 is not valid base64")
			return
		}
		asset = imagegen.Asset{Data: data, MediaType: req.MediaType}
	}

	out := matting.RemoveBackgroundWith(asset, a.Matte)
	mediaType := out.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}

func extensionFor(mediaType string) string {
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
