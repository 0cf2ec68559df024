package service

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opaque/cipherrag/pkg/audit"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/eval"
	"github.com/opaque/cipherrag/pkg/search"
	"github.com/opaque/cipherrag/pkg/storage"
)

func newTestService(t *testing.T, reducedDim int, opts ...Option) (*RetrievalService, *storage.MemoryStore, *crypto.Context) {
	t.Helper()
	cc, err := crypto.NewContext(crypto.Circuit{ReducedDim: reducedDim, Bits: 4}, crypto.NewSimulated())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	store := storage.NewMemoryStore()
	svc := NewRetrievalService(DefaultConfig(), cc, store, opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !svc.Ready() {
		t.Fatal("service not ready after Start")
	}
	return svc, store, cc
}

func oneHot(n, i int) []float64 {
	v := make([]float64, n)
	v[i] = 1
	return v
}

func TestRetrieveEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, 8)

	v3 := []float64{1, 1, 1, 1, 0, 0, 0, 0}
	inputs := []ChunkInput{
		{Text: "zero", Embedding: oneHot(8, 0)},
		{Text: "one", Embedding: oneHot(8, 1)},
		{Text: "two", Embedding: oneHot(8, 2)},
		{Text: "three", Embedding: v3},
		{Text: "four", Embedding: oneHot(8, 4)},
	}
	ing, err := svc.Ingest(ctx, "doc", inputs)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if ing.Chunks != 5 {
		t.Fatalf("ingested %d chunks, want 5", ing.Chunks)
	}

	res, err := svc.Retrieve(ctx, Query{DocumentID: "doc", Question: "which one?", Embedding: v3, K: 4})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(res.Chunks))
	}
	top := res.Chunks[0]
	if top.Index != 3 || top.Text != "three" {
		t.Fatalf("top chunk = %+v, want index 3", top)
	}
	if math.Abs(top.Score-1) > 1e-6 {
		t.Fatalf("top score = %v, want 1", top.Score)
	}
	for i, want := range []int{3, 0, 1, 2} {
		if res.Chunks[i].Index != want {
			t.Fatalf("rank %d = chunk %d, want %d", i, res.Chunks[i].Index, want)
		}
	}

	if !res.Eval.Computable || res.Eval.Overlap == nil || *res.Eval.Overlap != 1 {
		t.Fatalf("eval overlap = %v computable=%v, want 1", res.Eval.Overlap, res.Eval.Computable)
	}
	if res.Audit.CiphertextsTouched != 5 {
		t.Fatalf("ciphertexts touched = %d, want 5", res.Audit.CiphertextsTouched)
	}
	if res.Audit.HomomorphicOps.Multiply != 8 || res.Audit.HomomorphicOps.Add != 7 {
		t.Fatalf("homomorphic ops = %+v", res.Audit.HomomorphicOps)
	}
	if res.Audit.QueryHash != audit.HashQuery("which one?") || res.Eval.QueryHash != res.Audit.QueryHash {
		t.Fatal("query hash mismatch between eval and audit records")
	}

	if got := len(store.Evals()); got != 1 {
		t.Fatalf("stored %d eval records, want 1", got)
	}
	if got := len(store.Audits()); got != 1 {
		t.Fatalf("stored %d audit records, want 1", got)
	}
}

func TestRetrieveNoContentEncryptsNothing(t *testing.T) {
	svc, _, cc := newTestService(t, 8)
	before := cc.Usage()

	_, err := svc.Retrieve(context.Background(), Query{DocumentID: "missing", Embedding: oneHot(8, 0)})
	if !errors.Is(err, search.ErrNoContent) {
		t.Fatalf("Retrieve err = %v, want ErrNoContent", err)
	}
	if got := cc.Usage().Encryptions - before.Encryptions; got != 0 {
		t.Fatalf("%d encryptions for a document with no chunks, want 0", got)
	}
}

func TestRetrieveFewerChunksThanK(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8)
	if _, err := svc.Ingest(ctx, "doc", []ChunkInput{
		{Text: "a", Embedding: oneHot(8, 0)},
		{Text: "b", Embedding: oneHot(8, 1)},
	}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := svc.Retrieve(ctx, Query{DocumentID: "doc", Embedding: oneHot(8, 1), K: 4})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(res.Chunks))
	}
	if res.Chunks[0].Index != 1 {
		t.Fatalf("top chunk = %d, want 1", res.Chunks[0].Index)
	}
	if res.Eval.TopK != 2 {
		t.Fatalf("eval top_k = %d, want effective 2", res.Eval.TopK)
	}
}

func TestRetrieveBeforeStart(t *testing.T) {
	cc, err := crypto.NewContext(crypto.Circuit{ReducedDim: 8, Bits: 4}, crypto.NewSimulated())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	svc := NewRetrievalService(DefaultConfig(), cc, storage.NewMemoryStore())

	_, err = svc.Retrieve(context.Background(), Query{DocumentID: "doc", Embedding: oneHot(8, 0)})
	if !errors.Is(err, crypto.ErrNotCompiled) {
		t.Fatalf("Retrieve err = %v, want ErrNotCompiled", err)
	}
	_, err = svc.Ingest(context.Background(), "doc", []ChunkInput{{Embedding: oneHot(8, 0)}})
	if !errors.Is(err, crypto.ErrNotCompiled) {
		t.Fatalf("Ingest err = %v, want ErrNotCompiled", err)
	}
}

type failingSink struct{ calls atomic.Int64 }

func (f *failingSink) AppendEval(context.Context, eval.Record) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func (f *failingSink) AppendAudit(context.Context, audit.Record) error {
	f.calls.Add(1)
	return errors.New("broker down")
}

func TestSinkFailuresDoNotFailRetrieval(t *testing.T) {
	ctx := context.Background()
	sink := &failingSink{}
	svc, _, _ := newTestService(t, 8, WithEvalSink(sink), WithAuditSink(sink))
	if _, err := svc.Ingest(ctx, "doc", []ChunkInput{{Text: "a", Embedding: oneHot(8, 0)}}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := svc.Retrieve(ctx, Query{DocumentID: "doc", Embedding: oneHot(8, 0)})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(res.Chunks))
	}
	if sink.calls.Load() != 2 {
		t.Fatalf("sink called %d times, want 2", sink.calls.Load())
	}
}

func TestIngestDuplicateDocument(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8)
	in := []ChunkInput{{Text: "a", Embedding: oneHot(8, 0)}}
	if _, err := svc.Ingest(ctx, "doc", in); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := svc.Ingest(ctx, "doc", in); !errors.Is(err, storage.ErrDocumentExists) {
		t.Fatalf("second Ingest err = %v, want ErrDocumentExists", err)
	}
}

type fixedEmbedder struct{ vec []float64 }

func (f fixedEmbedder) Embed(context.Context, string) ([]float64, error) { return f.vec, nil }

func TestEmbedderFillsMissingEmbeddings(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8, WithEmbedder(fixedEmbedder{vec: oneHot(8, 2)}))
	if _, err := svc.Ingest(ctx, "doc", []ChunkInput{{Text: "some text"}}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	res, err := svc.Retrieve(ctx, Query{DocumentID: "doc", Question: "some text"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if math.Abs(res.Chunks[0].Score-1) > 1e-6 {
		t.Fatalf("score = %v, want 1", res.Chunks[0].Score)
	}
}

func TestQueryWithoutEmbeddingOrEmbedder(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8)
	if _, err := svc.Ingest(ctx, "doc", []ChunkInput{{Embedding: oneHot(8, 0)}}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := svc.Retrieve(ctx, Query{DocumentID: "doc", Question: "q"}); !errors.Is(err, ErrNoEmbedding) {
		t.Fatalf("Retrieve err = %v, want ErrNoEmbedding", err)
	}
}

func TestClampK(t *testing.T) {
	svc := &RetrievalService{config: Config{DefaultK: 4, MaxK: 10}}
	for _, tc := range []struct{ in, want int }{{0, 4}, {-1, 4}, {3, 3}, {10, 10}, {11, 10}} {
		if got := svc.clampK(tc.in); got != tc.want {
			t.Errorf("clampK(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDeleteAndHealth(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, 8)
	if _, err := svc.Ingest(ctx, "doc", []ChunkInput{{Embedding: oneHot(8, 0)}}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	h, err := svc.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !h.Ready || h.Store.Documents != 1 || h.Backend != crypto.SimulatedName {
		t.Fatalf("health = %+v", h)
	}

	if err := svc.DeleteDocument(ctx, "doc"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := svc.DeleteDocument(ctx, "doc"); !errors.Is(err, storage.ErrDocumentNotFound) {
		t.Fatalf("second delete err = %v, want ErrDocumentNotFound", err)
	}
}

func TestStartRespectsCancellation(t *testing.T) {
	cc, err := crypto.NewContext(crypto.Circuit{ReducedDim: 8, Bits: 4}, crypto.NewSimulated())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	cfg := DefaultConfig()
	cfg.CompileMaxElapsed = time.Second
	svc := NewRetrievalService(cfg, cc, storage.NewMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Start(ctx); err == nil {
		t.Fatal("Start succeeded with a cancelled context")
	}
}

func TestStartFailsFastOnOversizedCircuit(t *testing.T) {
	// Wider than one simulated ciphertext can hold.
	cc, err := crypto.NewContext(crypto.Circuit{ReducedDim: 70000, Bits: 2}, crypto.NewSimulated())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	svc := NewRetrievalService(DefaultConfig(), cc, storage.NewMemoryStore())

	start := time.Now()
	err = svc.Start(context.Background())
	if !errors.Is(err, crypto.ErrCapacity) {
		t.Fatalf("Start err = %v, want ErrCapacity", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Start took %v, want an immediate failure", elapsed)
	}
	if svc.Ready() {
		t.Fatal("service ready after failed Start")
	}
}
