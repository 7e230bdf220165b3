package verdict

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"nftguard/catalog"
	"nftguard/imageprocessor"
	"nftguard/testutil"
	"nftguard/types"
	"nftguard/valuation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func newEngine() *imageprocessor.Engine {
	registry := imageprocessor.NewEmptyDecoderRegistry()
	registry.RegisterDecoder(imageprocessor.NewGoImageDecoder())
	return imageprocessor.NewEngine(imageprocessor.EngineOptions{Registry: registry})
}

func record(id string) types.AssetRecord {
	return types.AssetRecord{
		ID:               id,
		RarityScore:      ptr(45.0),
		NumSales:         ptr(3),
		ArtistReputation: ptr(7.0),
	}
}

func trainedModel(t *testing.T) *valuation.Model {
	t.Helper()
	m := valuation.New()
	_, err := m.Fit([]types.TrainingSample{
		{Attributes: types.Attributes{RarityScore: 45, NumSales: 3, ArtistReputation: 7}, Price: 2.1},
		{Attributes: types.Attributes{RarityScore: 67, NumSales: 10, ArtistReputation: 9}, Price: 5.4},
		{Attributes: types.Attributes{RarityScore: 89, NumSales: 25, ArtistReputation: 6}, Price: 10.2},
		{Attributes: types.Attributes{RarityScore: 120, NumSales: 50, ArtistReputation: 8}, Price: 20.1},
		{Attributes: types.Attributes{RarityScore: 150, NumSales: 5, ArtistReputation: 10}, Price: 1.5},
		{Attributes: types.Attributes{RarityScore: 30, NumSales: 12, ArtistReputation: 5}, Price: 3.2},
		{Attributes: types.Attributes{RarityScore: 110, NumSales: 45, ArtistReputation: 9}, Price: 15.8},
		{Attributes: types.Attributes{RarityScore: 95, NumSales: 20, ArtistReputation: 8}, Price: 9.0},
	})
	require.NoError(t, err)
	return m
}

func ingest(t *testing.T, c *catalog.Catalog, engine *imageprocessor.Engine, id string, image []byte) {
	t.Helper()
	fp, err := engine.Fingerprint(image)
	require.NoError(t, err)
	_, err = c.Ingest(record(id), fp)
	require.NoError(t, err)
}

func newAssembler(t *testing.T, engine *imageprocessor.Engine, opts ...Option) *Assembler {
	t.Helper()
	a, err := NewAssembler(engine, opts...)
	require.NoError(t, err)
	return a
}

func TestEvaluateEmptyCatalog(t *testing.T) {
	engine := newEngine()
	a := newAssembler(t, engine)

	v, err := a.Evaluate(context.Background(), Request{Record: record("new"), Image: testutil.Gradient(t, 32, 32)},
		catalog.New().Snapshot(), trainedModel(t))
	require.NoError(t, err)

	assert.Empty(t, v.SimilarityResults)
	assert.False(t, v.Flagged)
	assert.Equal(t, 0, v.CatalogSize)
	assert.Equal(t, "new", v.AssetID)
	assert.NotEmpty(t, v.ID)
	assert.InDelta(t, 1.64624682556693, v.PredictedPrice, 1e-9)
	assert.Equal(t, ReasonUnique, Summarize(v).Reason)
}

func TestEvaluateIdenticalImageIsDuplicate(t *testing.T) {
	engine := newEngine()
	image := testutil.Gradient(t, 48, 48)

	c := catalog.New()
	ingest(t, c, engine, "original", image)

	v, err := newAssembler(t, engine).Evaluate(context.Background(),
		Request{Record: record("copy"), Image: image}, c.Snapshot(), trainedModel(t))
	require.NoError(t, err)

	require.Len(t, v.SimilarityResults, 1)
	result := v.SimilarityResults[0]
	assert.Equal(t, "copy", result.AssetA)
	assert.Equal(t, "original", result.AssetB)
	assert.Equal(t, 1.0, result.Score)
	assert.True(t, result.IsDuplicate)
	assert.True(t, v.Flagged)

	report := Summarize(v)
	assert.Equal(t, ReasonDuplicate, report.Reason)
	assert.Equal(t, "original", report.TopMatch)
	assert.Equal(t, []string{"original"}, report.Duplicates)
}

func TestEvaluateOrdersResultsByScore(t *testing.T) {
	engine := newEngine()
	query := testutil.Gradient(t, 40, 40)

	c := catalog.New()
	ingest(t, c, engine, "noise", testutil.Noise(t, 40, 40, 5))
	ingest(t, c, engine, "twin-b", query)
	ingest(t, c, engine, "checker", testutil.Checkerboard(t, 40, 40, 5))
	ingest(t, c, engine, "twin-a", query)

	v, err := newAssembler(t, engine, WithWorkers(3)).Evaluate(context.Background(),
		Request{Record: record("query"), Image: query}, c.Snapshot(), trainedModel(t))
	require.NoError(t, err)

	require.Len(t, v.SimilarityResults, 4)
	assert.Equal(t, "twin-a", v.SimilarityResults[0].AssetB)
	assert.Equal(t, "twin-b", v.SimilarityResults[1].AssetB)
	for i := 1; i < len(v.SimilarityResults); i++ {
		assert.GreaterOrEqual(t, v.SimilarityResults[i-1].Score, v.SimilarityResults[i].Score)
	}
	assert.Equal(t, 4, v.CatalogSize)
}

func TestEvaluateComparesEntryWithSameID(t *testing.T) {
	engine := newEngine()
	image := testutil.Checkerboard(t, 24, 24, 4)

	c := catalog.New()
	ingest(t, c, engine, "victim", image)
	ingest(t, c, engine, "other", testutil.Noise(t, 24, 24, 9))

	resubmitted := record("victim")
	resubmitted.ArtistReputation = ptr(2.0)
	v, err := newAssembler(t, engine).Evaluate(context.Background(),
		Request{Record: resubmitted, Image: image}, c.Snapshot(), trainedModel(t))
	require.NoError(t, err)

	require.Len(t, v.SimilarityResults, 2)
	top := v.SimilarityResults[0]
	assert.Equal(t, "victim", top.AssetA)
	assert.Equal(t, "victim", top.AssetB)
	assert.Equal(t, 1.0, top.Score)
	assert.True(t, top.IsDuplicate)
	assert.True(t, v.Flagged)
	assert.Equal(t, []string{"victim"}, Summarize(v).Duplicates)
}

func TestEvaluateDimensionMismatch(t *testing.T) {
	engine := newEngine()
	c := catalog.New()
	ingest(t, c, engine, "big", testutil.Gradient(t, 32, 32))
	ingest(t, c, engine, "same", testutil.Gradient(t, 16, 16))
	req := Request{Record: record("small"), Image: testutil.Gradient(t, 16, 16)}

	_, err := newAssembler(t, engine).Evaluate(context.Background(), req, c.Snapshot(), trainedModel(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, imageprocessor.ErrDimensionMismatch)

	v, err := newAssembler(t, engine, WithLenientDimensions(true)).Evaluate(context.Background(), req, c.Snapshot(), trainedModel(t))
	require.NoError(t, err)
	require.Len(t, v.Incomparable, 1)
	assert.Equal(t, "big", v.Incomparable[0].AssetID)
	require.Len(t, v.SimilarityResults, 1)
	assert.Equal(t, "same", v.SimilarityResults[0].AssetB)
	assert.True(t, v.Flagged)
}

func TestEvaluateErrors(t *testing.T) {
	engine := newEngine()
	a := newAssembler(t, engine)
	snap := catalog.New().Snapshot()
	image := testutil.Gradient(t, 8, 8)

	_, err := a.Evaluate(context.Background(), Request{Record: record("x"), Image: image}, snap, valuation.New())
	assert.ErrorIs(t, err, valuation.ErrNotTrained)

	bad := record("x")
	bad.ArtistReputation = ptr(11.0)
	_, err = a.Evaluate(context.Background(), Request{Record: bad, Image: image}, snap, trainedModel(t))
	assert.ErrorIs(t, err, catalog.ErrIngest)

	_, err = a.Evaluate(context.Background(), Request{Record: record("x"), Image: []byte("nope")}, snap, trainedModel(t))
	assert.ErrorIs(t, err, imageprocessor.ErrDecode)

	_, err = a.Evaluate(context.Background(), Request{Record: record("x"), Image: image}, nil, trainedModel(t))
	assert.Error(t, err)
}

func TestEvaluateCancelledContext(t *testing.T) {
	engine := newEngine()
	c := catalog.New()
	ingest(t, c, engine, "a", testutil.Gradient(t, 16, 16))
	image := testutil.Gradient(t, 16, 16)
	_, err := engine.Fingerprint(image)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newAssembler(t, engine).Evaluate(ctx, Request{Record: record("q"), Image: image}, c.Snapshot(), trainedModel(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateBatchIsolatesFailures(t *testing.T) {
	engine := newEngine()
	c := catalog.New()
	ingest(t, c, engine, "known", testutil.Gradient(t, 20, 20))

	reqs := []Request{
		{Record: record("first"), Image: testutil.Gradient(t, 20, 20)},
		{Record: record("broken"), Image: []byte("garbage")},
		{Record: record("third"), Image: testutil.Noise(t, 20, 20, 2)},
		{Record: types.AssetRecord{ID: "incomplete"}, Image: testutil.Noise(t, 20, 20, 3)},
	}

	result := newAssembler(t, engine).EvaluateBatch(context.Background(), reqs, c.Snapshot(), trainedModel(t))

	require.Len(t, result.Verdicts, 2)
	assert.Equal(t, "first", result.Verdicts[0].AssetID)
	assert.True(t, result.Verdicts[0].Flagged)
	assert.Equal(t, "third", result.Verdicts[1].AssetID)

	require.Len(t, result.Failures, 2)
	assert.Equal(t, "broken", result.Failures[0].AssetID)
	assert.ErrorIs(t, result.Failures[0].Err, imageprocessor.ErrDecode)
	assert.Equal(t, "incomplete", result.Failures[1].AssetID)
	assert.ErrorIs(t, result.Failures[1].Err, catalog.ErrIngest)
}

func TestEvaluateUsesFixedSnapshot(t *testing.T) {
	engine := newEngine()
	image := testutil.Gradient(t, 16, 16)
	c := catalog.New()
	snap := c.Snapshot()
	ingest(t, c, engine, "late", image)

	v, err := newAssembler(t, engine).Evaluate(context.Background(),
		Request{Record: record("q"), Image: image}, snap, trainedModel(t))
	require.NoError(t, err)
	assert.Empty(t, v.SimilarityResults)
	assert.False(t, v.Flagged)
}

type fakeRecorder struct {
	mu          sync.Mutex
	statuses    []string
	comparisons int
	flagged     int
}

func (r *fakeRecorder) ObserveEvaluation(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *fakeRecorder) ObserveComparisons(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comparisons += n
}

func (r *fakeRecorder) ObserveFlagged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flagged++
}

func TestRecorderAndClock(t *testing.T) {
	engine := newEngine()
	image := testutil.Gradient(t, 16, 16)
	c := catalog.New()
	ingest(t, c, engine, "a", image)
	ingest(t, c, engine, "b", testutil.Noise(t, 16, 16, 1))

	recorder := &fakeRecorder{}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := newAssembler(t, engine, WithRecorder(recorder), WithClock(func() time.Time { return fixed }), WithThreshold(0.5))

	v, err := a.Evaluate(context.Background(), Request{Record: record("q"), Image: image}, c.Snapshot(), trainedModel(t))
	require.NoError(t, err)
	assert.Equal(t, fixed, v.EvaluatedAt)
	assert.Equal(t, 0.5, v.Threshold)

	_, err = a.Evaluate(context.Background(), Request{Record: record("q"), Image: nil}, c.Snapshot(), trainedModel(t))
	require.Error(t, err)

	assert.Equal(t, []string{"ok", "error"}, recorder.statuses)
	assert.Equal(t, 2, recorder.comparisons)
	assert.Equal(t, 1, recorder.flagged)
}

func TestNewAssemblerValidation(t *testing.T) {
	_, err := NewAssembler(nil)
	assert.Error(t, err)
	_, err = NewAssembler(newEngine(), WithThreshold(1.2))
	assert.Error(t, err)
}

func TestFormatJSON(t *testing.T) {
	v := &types.Verdict{
		ID:                "v-1",
		AssetID:           "asset",
		SimilarityResults: []types.SimilarityResult{{AssetA: "asset", AssetB: "prior", Score: 0.95, IsDuplicate: true}},
		PredictedPrice:    3.5,
		Flagged:           true,
		Threshold:         0.9,
		CatalogSize:       1,
	}

	data, err := FormatJSON(v)
	require.NoError(t, err)

	var msg struct {
		Summary Report         `json:"summary"`
		Verdict *types.Verdict `json:"verdict"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, ReasonDuplicate, msg.Summary.Reason)
	assert.Equal(t, "prior", msg.Summary.TopMatch)
	assert.Equal(t, 0.95, msg.Summary.TopScore)
	assert.Equal(t, "asset", msg.Verdict.AssetID)
	assert.Len(t, msg.Verdict.SimilarityResults, 1)
}
