package client

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/opaque/cipherrag/internal/service"
	"github.com/opaque/cipherrag/pkg/auth"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/grpcserver"
	"github.com/opaque/cipherrag/pkg/storage"
)

func startServer(t *testing.T) *Client {
	t.Helper()
	return dialBuf(t, startServerWith(t, ""), "")
}

// startServerWith starts a bufconn server. A non-empty adminToken enables
// bearer auth with that token as the admin credential and "reader" as a
// retrieve-only credential.
func startServerWith(t *testing.T, adminToken string) *bufconn.Listener {
	t.Helper()
	cc, err := crypto.NewContext(crypto.Circuit{ReducedDim: 4, Bits: 4}, crypto.NewSimulated())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	svc := service.NewRetrievalService(service.DefaultConfig(), cc, storage.NewMemoryStore())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	var opts []grpc.ServerOption
	if adminToken != "" {
		authSvc := auth.NewService(auth.DefaultServiceConfig())
		authSvc.AddStaticToken(adminToken, "admin", []string{auth.ScopeAdmin})
		authSvc.AddStaticToken("reader", "reader", []string{auth.ScopeRetrieve})
		opts = append(opts, grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(authSvc, grpcserver.MethodScopes)))
	}
	srv := grpcserver.NewServer(zap.NewNop(), opts...)
	grpcserver.Register(srv, grpcserver.New(svc))
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	return lis
}

func dialBuf(t *testing.T, lis *bufconn.Listener, token string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "passthrough:///bufnet"
	cfg.Token = token
	c, err := New(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientRoundTrip(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	_, err := c.Ingest(ctx, "doc", []grpcserver.ChunkMessage{
		{Text: "north", Embedding: []float64{1, 0, 0, 0}},
		{Text: "east", Embedding: []float64{0, 1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	resp, err := c.Retrieve(ctx, &grpcserver.RetrieveRequest{
		DocumentID: "doc",
		Question:   "which way is east",
		Embedding:  []float64{0, 1, 0, 0},
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Chunks) != 2 || resp.Chunks[0].Text != "east" {
		t.Fatalf("chunks = %+v", resp.Chunks)
	}
	if resp.Audit.CiphertextsTouched != 2 || resp.Audit.ReducedDim != 4 {
		t.Fatalf("audit = %+v", resp.Audit)
	}

	docs, err := c.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs.Documents) != 1 {
		t.Fatalf("documents = %+v", docs.Documents)
	}

	if err := c.DeleteDocument(ctx, "doc"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	_, err = c.Retrieve(ctx, &grpcserver.RetrieveRequest{DocumentID: "doc", Embedding: []float64{1, 0, 0, 0}})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Retrieve after delete: %v, want NotFound", err)
	}
}

func TestClientGenerateKeyPair(t *testing.T) {
	c := startServer(t)
	keys, err := c.GenerateKeyPair(context.Background())
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(keys.PublicKey) == 0 || len(keys.SecretKey) == 0 {
		t.Fatal("empty key material")
	}
}

func TestClientBearerToken(t *testing.T) {
	lis := startServerWith(t, "root")
	anon := dialBuf(t, lis, "")
	ctx := context.Background()

	if _, err := anon.ListDocuments(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("anonymous ListDocuments: %v, want Unauthenticated", err)
	}

	reader := dialBuf(t, lis, "reader")
	if _, err := reader.ListDocuments(ctx); err != nil {
		t.Fatalf("reader ListDocuments: %v", err)
	}
	if _, err := reader.GenerateKeyPair(ctx); status.Code(err) != codes.PermissionDenied {
		t.Fatalf("reader GenerateKeyPair: %v, want PermissionDenied", err)
	}

	admin := dialBuf(t, lis, "root")
	if _, err := admin.GenerateKeyPair(ctx); err != nil {
		t.Fatalf("admin GenerateKeyPair: %v", err)
	}
}
