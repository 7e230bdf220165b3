package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"nftguard/catalog"
	"nftguard/imageprocessor"
	"nftguard/metrics"
	"nftguard/testutil"
	"nftguard/types"
	"nftguard/valuation"
	"nftguard/verdict"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

type fakeStore struct {
	mu      sync.Mutex
	assets  []string
	models  map[string][]byte
	failErr error
}

func (s *fakeStore) StoreAsset(_ context.Context, asset *types.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.assets = append(s.assets, asset.ID)
	return nil
}

func (s *fakeStore) SaveModelBlob(_ context.Context, name string, blob []byte, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.models == nil {
		s.models = make(map[string][]byte)
	}
	s.models[name] = blob
	return nil
}

type fakeReporter struct {
	mu       sync.Mutex
	verdicts []*types.Verdict
	err      error
}

func (r *fakeReporter) Report(_ context.Context, v *types.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
	return r.err
}

type testEnv struct {
	server   *Server
	deps     Deps
	store    *fakeStore
	reporter *fakeReporter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry := imageprocessor.NewEmptyDecoderRegistry()
	registry.RegisterDecoder(imageprocessor.NewGoImageDecoder())
	engine := imageprocessor.NewEngine(imageprocessor.EngineOptions{Registry: registry})

	assembler, err := verdict.NewAssembler(engine)
	require.NoError(t, err)

	env := &testEnv{store: &fakeStore{}, reporter: &fakeReporter{}}
	env.deps = Deps{
		Catalog:   catalog.New(),
		Engine:    engine,
		Model:     valuation.New(),
		Assembler: assembler,
		Store:     env.store,
		Reporter:  env.reporter,
		Metrics:   metrics.New(),
		ModelPath: filepath.Join(t.TempDir(), "model.bin"),
		Version:   "test",
	}
	env.server = NewServer(ServerConfig{Addr: "127.0.0.1:0"}, env.deps)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func assetRequest(id string, rarity float64, sales int, reputation float64, price *float64, image []byte) AssetRequest {
	return AssetRequest{
		AssetRecord: types.AssetRecord{
			ID:               id,
			RarityScore:      ptr(rarity),
			NumSales:         ptr(sales),
			ArtistReputation: ptr(reputation),
			Price:            price,
		},
		ImageData: image,
	}
}

// seed ingests the eight reference listings, all priced
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	rows := []struct {
		rarity     float64
		sales      int
		reputation float64
		price      float64
	}{
		{45, 3, 7, 2.1}, {67, 10, 9, 5.4}, {89, 25, 6, 10.2}, {120, 50, 8, 20.1},
		{150, 5, 10, 1.5}, {30, 12, 5, 3.2}, {110, 45, 9, 15.8}, {95, 20, 8, 9.0},
	}
	for i, row := range rows {
		img := testutil.Noise(t, 24, 24, int64(i+1))
		rr := e.do(t, http.MethodPost, "/v1/assets",
			assetRequest(fmt.Sprintf("nft-%d", i), row.rarity, row.sales, row.reputation, ptr(row.price), img))
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["model_trained"])
}

func TestIngestAsset(t *testing.T) {
	env := newTestEnv(t)
	img := testutil.Gradient(t, 32, 16)

	rr := env.do(t, http.MethodPost, "/v1/assets", assetRequest("nft-1", 45, 3, 7, ptr(2.1), img))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp AssetResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "nft-1", resp.ID)
	assert.Equal(t, 32, resp.Width)
	assert.Equal(t, 16, resp.Height)
	assert.Len(t, resp.AverageHash, 16)
	assert.Equal(t, 1, resp.CatalogSize)
	assert.Equal(t, []string{"nft-1"}, env.store.assets)

	t.Run("duplicate id", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assets", assetRequest("nft-1", 45, 3, 7, nil, img))
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("invalid record", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assets", assetRequest("nft-2", 45, 3, 11, nil, img))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "artist_reputation")
	})

	t.Run("undecodable image", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assets", assetRequest("nft-3", 45, 3, 7, nil, []byte("not an image")))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("missing image", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assets", assetRequest("nft-4", 45, 3, 7, nil, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/assets", bytes.NewBufferString("{"))
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		env.store.failErr = errors.New("disk full")
		defer func() { env.store.failErr = nil }()
		rr := env.do(t, http.MethodPost, "/v1/assets", assetRequest("nft-5", 45, 3, 7, nil, img))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.False(t, env.deps.Catalog.Contains("nft-5"))
	})

	assert.Equal(t, 1, env.deps.Catalog.Len())
}

func TestModelLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/model", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/model/train", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "empty catalog has no training samples")

	env.seed(t)

	rr = env.do(t, http.MethodPost, "/v1/model/train", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var trained TrainResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &trained))
	assert.True(t, trained.Trained)
	assert.Equal(t, 8, trained.Samples)
	assert.Equal(t, 3, trained.Rank)
	assert.Empty(t, trained.Warnings)
	assert.Equal(t, valuation.FeatureNames, trained.Features)

	assert.FileExists(t, env.deps.ModelPath)
	assert.NotEmpty(t, env.store.models[DefaultModelName])

	rr = env.do(t, http.MethodGet, "/v1/model", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var model ModelResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &model))
	assert.InDelta(t, trained.Intercept, model.Intercept, 1e-12)
	assert.InDelta(t, trained.Weights["num_sales"], model.Weights["num_sales"], 1e-12)

	restored := valuation.New()
	require.NoError(t, restored.Load(env.deps.ModelPath))
	assert.True(t, restored.Trained())
}

func TestEvaluate(t *testing.T) {
	env := newTestEnv(t)

	img := testutil.Noise(t, 24, 24, 1)
	rr := env.do(t, http.MethodPost, "/v1/evaluate", assetRequest("query", 100, 30, 8, nil, img))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "untrained model")

	env.seed(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/v1/model/train", nil).Code)

	// Same bytes as nft-0
	rr = env.do(t, http.MethodPost, "/v1/evaluate", assetRequest("query", 100, 30, 8, nil, img))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Summary.Flagged)
	assert.Equal(t, verdict.ReasonDuplicate, resp.Summary.Reason)
	assert.Equal(t, "nft-0", resp.Summary.TopMatch)
	assert.Equal(t, 1.0, resp.Summary.TopScore)
	require.NotNil(t, resp.Verdict)
	assert.Len(t, resp.Verdict.SimilarityResults, 8)
	assert.Empty(t, resp.ReportError)

	require.Len(t, env.reporter.verdicts, 1)
	assert.Equal(t, "query", env.reporter.verdicts[0].AssetID)
	assert.False(t, env.deps.Catalog.Contains("query"), "evaluation never ingests")

	t.Run("reporter failure is surfaced", func(t *testing.T) {
		env.reporter.err = errors.New("broker down")
		defer func() { env.reporter.err = nil }()
		rr := env.do(t, http.MethodPost, "/v1/evaluate", assetRequest("query", 100, 30, 8, nil, img))
		require.Equal(t, http.StatusOK, rr.Code)
		var resp EvaluateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "broker down", resp.ReportError)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/evaluate",
			assetRequest("query", 100, 30, 8, nil, testutil.Noise(t, 30, 30, 99)))
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/assets", assetRequest("nft-1", 45, 3, 7, nil, testutil.Gradient(t, 16, 16)))

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "nftguard_catalog_assets 1")
}

func TestCatalogStats(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	env.do(t, http.MethodPost, "/v1/assets", assetRequest("unpriced", 45, 3, 7, nil, testutil.Gradient(t, 24, 24)))

	rr := env.do(t, http.MethodGet, "/v1/catalog", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(9), body["assets"])
	assert.Equal(t, float64(8), body["priced_assets"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&catalog.IngestError{Field: "id", Reason: "is required"}, http.StatusBadRequest},
		{&imageprocessor.DecodeError{Reason: "bad"}, http.StatusBadRequest},
		{valuation.ErrEmptyTrainingSet, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", &catalog.DuplicateAssetError{AssetID: "a"}), http.StatusConflict},
		{&imageprocessor.DimensionMismatchError{WidthA: 1, HeightA: 1, WidthB: 2, HeightB: 2}, http.StatusUnprocessableEntity},
		{fmt.Errorf("predict: %w", &valuation.NotTrainedError{}), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
