// Package client is a gRPC client for the encrypted retrieval service.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/opaque/cipherrag/pkg/grpcserver"
)

// Config holds client configuration.
type Config struct {
	Addr    string
	Timeout time.Duration

	// TLS is nil for plaintext connections.
	TLS credentials.TransportCredentials

	// Token is sent as a bearer token on every call when set.
	Token string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:    "localhost:50051",
		Timeout: 30 * time.Second,
	}
}

// Client calls the retrieval service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// New connects to the retrieval service. Extra dial options are appended.
func New(cfg Config, opts ...grpc.DialOption) (*Client, error) {
	creds := cfg.TLS
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(grpcserver.Codec{})),
	}
	if cfg.Token != "" {
		base = append(base, grpc.WithPerRPCCredentials(bearer{token: cfg.Token, secure: cfg.TLS != nil}))
	}
	conn, err := grpc.NewClient(cfg.Addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	return &Client{conn: conn, timeout: cfg.Timeout}, nil
}

// bearer attaches a static bearer token to each call.
type bearer struct {
	token  string
	secure bool
}

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearer) RequireTransportSecurity() bool { return b.secure }

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.conn.Invoke(ctx, method, req, resp)
}

// Ingest encrypts and stores a document's chunks on the server.
func (c *Client) Ingest(ctx context.Context, documentID string, chunks []grpcserver.ChunkMessage) (*grpcserver.IngestResponse, error) {
	resp := new(grpcserver.IngestResponse)
	req := &grpcserver.IngestRequest{DocumentID: documentID, Chunks: chunks}
	if err := c.invoke(ctx, grpcserver.IngestMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Retrieve runs one encrypted query.
func (c *Client) Retrieve(ctx context.Context, req *grpcserver.RetrieveRequest) (*grpcserver.RetrieveResponse, error) {
	resp := new(grpcserver.RetrieveResponse)
	if err := c.invoke(ctx, grpcserver.RetrieveMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	req := &grpcserver.DeleteDocumentRequest{DocumentID: documentID}
	return c.invoke(ctx, grpcserver.DeleteDocumentMethod, req, new(grpcserver.DeleteDocumentResponse))
}

// ListDocuments lists stored documents.
func (c *Client) ListDocuments(ctx context.Context) (*grpcserver.ListDocumentsResponse, error) {
	resp := new(grpcserver.ListDocumentsResponse)
	if err := c.invoke(ctx, grpcserver.ListDocumentsMethod, &grpcserver.ListDocumentsRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateKeyPair asks the server for a fresh key pair.
func (c *Client) GenerateKeyPair(ctx context.Context) (*grpcserver.GenerateKeyPairResponse, error) {
	resp := new(grpcserver.GenerateKeyPairResponse)
	if err := c.invoke(ctx, grpcserver.GenerateKeyPairMethod, &grpcserver.GenerateKeyPairRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
