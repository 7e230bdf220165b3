package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"nftguard/catalog"
	"nftguard/imageprocessor"
	"nftguard/logging"
	"nftguard/metrics"
	"nftguard/reporting"
	"nftguard/types"
	"nftguard/valuation"
	"nftguard/verdict"
)

// DefaultModelName is the key under which trained models are stored
const DefaultModelName = "default"

// Store persists assets and trained models
type Store interface {
	StoreAsset(ctx context.Context, asset *types.Asset) error
	SaveModelBlob(ctx context.Context, name string, blob []byte, samples int) error
}

// Deps are the collaborators served by the API. Store, Reporter, Metrics and
// ModelPath are optional.
type Deps struct {
	Catalog   *catalog.Catalog
	Engine    *imageprocessor.Engine
	Model     *valuation.Model
	Assembler *verdict.Assembler
	Store     Store
	Reporter  reporting.Reporter
	Metrics   *metrics.Metrics
	ModelPath string
	Version   string
}

// Handler holds dependencies for API handlers
type Handler struct {
	deps Deps
	// ingestMu serialises the exists-check, store and catalog insert
	ingestMu sync.Mutex
	// trainMu serialises fit and persistence
	trainMu sync.Mutex
}

// NewHandler creates a new API handler
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// AssetRequest is the body of POST /v1/assets and POST /v1/evaluate. The
// image bytes are base64 encoded in image_data.
type AssetRequest struct {
	types.AssetRecord
	ImageData []byte `json:"image_data"`
}

// AssetResponse is returned after a successful ingest
type AssetResponse struct {
	ID          string `json:"id"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	AverageHash string `json:"average_hash"`
	CatalogSize int    `json:"catalog_size"`
}

// EvaluateResponse carries the verdict and, if forwarding failed, the
// reporter's error
type EvaluateResponse struct {
	verdict.Message
	ReportError string `json:"report_error,omitempty"`
}

// ModelResponse describes the current valuation model
type ModelResponse struct {
	Trained   bool               `json:"trained"`
	Features  []string           `json:"features"`
	Intercept float64            `json:"intercept"`
	Weights   map[string]float64 `json:"weights"`
	Samples   int                `json:"samples"`
}

// TrainResponse summarises a fit
type TrainResponse struct {
	ModelResponse
	Rank           int      `json:"rank"`
	RSquared       float64  `json:"r_squared"`
	ResidualStdErr float64  `json:"residual_std_err"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"version":       h.deps.Version,
		"catalog_size":  h.deps.Catalog.Len(),
		"model_trained": h.deps.Model.Trained(),
	})
}

// CatalogStats handles GET /v1/catalog
func (h *Handler) CatalogStats(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Catalog.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assets":        snap.Len(),
		"priced_assets": snap.PricedCount(),
		"model_trained": h.deps.Model.Trained(),
	})
}

// IngestAsset handles POST /v1/assets
func (h *Handler) IngestAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodeAssetRequest(w, r)
	if !ok {
		return
	}

	// Validate before decoding so bad records never cost a decode
	if _, _, err := catalog.ParseRecord(req.AssetRecord); err != nil {
		writeErrorFor(w, err)
		return
	}

	fp, err := h.deps.Engine.FingerprintContext(ctx, req.ImageData)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	asset, err := catalog.ValidateRecord(req.AssetRecord, fp)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	h.ingestMu.Lock()
	err = h.addAsset(ctx, asset)
	h.ingestMu.Unlock()
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	size := h.deps.Catalog.Len()
	if h.deps.Metrics != nil {
		h.deps.Metrics.SetCatalogSize(size)
	}
	logging.LogAssetProcessed(asset.ID, true, "")

	writeJSON(w, http.StatusCreated, AssetResponse{
		ID:          asset.ID,
		Width:       fp.Width(),
		Height:      fp.Height(),
		AverageHash: fp.AverageHash(),
		CatalogSize: size,
	})
}

func (h *Handler) addAsset(ctx context.Context, asset *types.Asset) error {
	if h.deps.Catalog.Contains(asset.ID) {
		return &catalog.DuplicateAssetError{AssetID: asset.ID}
	}
	if h.deps.Store != nil {
		if err := h.deps.Store.StoreAsset(ctx, asset); err != nil {
			return err
		}
	}
	return h.deps.Catalog.Add(asset)
}

// Evaluate handles POST /v1/evaluate
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := h.decodeAssetRequest(w, r)
	if !ok {
		return
	}

	v, err := h.deps.Assembler.Evaluate(ctx, verdict.Request{
		Record: req.AssetRecord,
		Image:  req.ImageData,
	}, h.deps.Catalog.Snapshot(), h.deps.Model)
	if err != nil {
		logging.LogAssetProcessed(req.ID, false, err.Error())
		writeErrorFor(w, err)
		return
	}

	resp := EvaluateResponse{Message: verdict.Message{Summary: verdict.Summarize(v), Verdict: v}}
	if h.deps.Reporter != nil {
		if err := h.deps.Reporter.Report(ctx, v); err != nil {
			logging.LogError("Failed to report verdict %s for %s: %v", v.ID, v.AssetID, err)
			resp.ReportError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetModel handles GET /v1/model
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	coef, ok := h.deps.Model.Coefficients()
	if !ok {
		writeErrorFor(w, &valuation.NotTrainedError{})
		return
	}
	writeJSON(w, http.StatusOK, modelResponse(coef))
}

// TrainModel handles POST /v1/model/train. The model is fitted on the priced
// assets of the current catalog snapshot and persisted when a model path or a
// store is configured.
func (h *Handler) TrainModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.trainMu.Lock()
	defer h.trainMu.Unlock()

	samples := h.deps.Catalog.Snapshot().TrainingSamples()
	report, err := h.deps.Model.Fit(samples)
	if err != nil {
		writeErrorFor(w, err)
		return
	}

	if err := h.persistModel(ctx, report.Samples); err != nil {
		logging.LogError("Failed to persist model: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := TrainResponse{
		ModelResponse:  modelResponse(report.Coefficients),
		Rank:           report.Rank,
		RSquared:       report.RSquared,
		ResidualStdErr: report.ResidualStdErr,
	}
	for _, warning := range report.Warnings {
		resp.Warnings = append(resp.Warnings, warning.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) persistModel(ctx context.Context, samples int) error {
	if h.deps.ModelPath != "" {
		if err := h.deps.Model.Save(h.deps.ModelPath); err != nil {
			return err
		}
	}
	if h.deps.Store != nil {
		blob, err := h.deps.Model.MarshalBinary()
		if err != nil {
			return err
		}
		if err := h.deps.Store.SaveModelBlob(ctx, DefaultModelName, blob, samples); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) decodeAssetRequest(w http.ResponseWriter, r *http.Request) (*AssetRequest, bool) {
	// base64 inflates the image by a third; leave room for the record fields
	limit := h.deps.Engine.Options().MaxBytes/3*4 + 64<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req AssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	if len(req.ImageData) == 0 {
		writeError(w, http.StatusBadRequest, "image_data is required")
		return nil, false
	}
	return &req, true
}

func modelResponse(coef valuation.Coefficients) ModelResponse {
	weights := make(map[string]float64, len(valuation.FeatureNames))
	for i, name := range valuation.FeatureNames {
		weights[name] = coef.Weights[i]
	}
	return ModelResponse{
		Trained:   true,
		Features:  valuation.FeatureNames,
		Intercept: coef.Intercept,
		Weights:   weights,
		Samples:   coef.Samples,
	}
}

// statusFor maps pipeline error kinds onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrIngest),
		errors.Is(err, imageprocessor.ErrDecode),
		errors.Is(err, valuation.ErrEmptyTrainingSet):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrDuplicateAsset):
		return http.StatusConflict
	case errors.Is(err, imageprocessor.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, valuation.ErrNotTrained):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorFor(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.DebugLog("Failed to encode response: %v", err)
	}
}
