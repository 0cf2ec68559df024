// Package grpcserver exposes the encrypted retrieval service over gRPC.
//
// It delegates all business logic to internal/service.RetrievalService,
// translating between wire messages and service-layer types.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/opaque/cipherrag/internal/service"
	"github.com/opaque/cipherrag/pkg/crypto"
	"github.com/opaque/cipherrag/pkg/search"
	"github.com/opaque/cipherrag/pkg/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cipherrag.Retrieval"

// RetrievalServer is the server API for the retrieval service.
type RetrievalServer interface {
	Ingest(context.Context, *IngestRequest) (*IngestResponse, error)
	Retrieve(context.Context, *RetrieveRequest) (*RetrieveResponse, error)
	DeleteDocument(context.Context, *DeleteDocumentRequest) (*DeleteDocumentResponse, error)
	ListDocuments(context.Context, *ListDocumentsRequest) (*ListDocumentsResponse, error)
	GenerateKeyPair(context.Context, *GenerateKeyPairRequest) (*GenerateKeyPairResponse, error)
}

// Server implements RetrievalServer.
type Server struct {
	svc *service.RetrievalService
}

// New creates a new gRPC server backed by the given RetrievalService.
func New(svc *service.RetrievalService) *Server {
	return &Server{svc: svc}
}

// Register attaches srv to a grpc.Server.
func Register(s grpc.ServiceRegistrar, srv RetrievalServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func (s *Server) Ingest(ctx context.Context, req *IngestRequest) (*IngestResponse, error) {
	if req.DocumentID == "" {
		return nil, status.Error(codes.InvalidArgument, "document_id is required")
	}
	inputs := make([]service.ChunkInput, len(req.Chunks))
	for i, c := range req.Chunks {
		inputs[i] = service.ChunkInput{Text: c.Text, Embedding: c.Embedding}
	}

	res, err := s.svc.Ingest(ctx, req.DocumentID, inputs)
	if err != nil {
		return nil, mapError(err)
	}
	return &IngestResponse{
		DocumentID: res.DocumentID,
		Chunks:     res.Chunks,
		ElapsedMS:  res.Elapsed.Milliseconds(),
	}, nil
}

func (s *Server) Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error) {
	if req.DocumentID == "" {
		return nil, status.Error(codes.InvalidArgument, "document_id is required")
	}
	if req.Question == "" && len(req.Embedding) == 0 {
		return nil, status.Error(codes.InvalidArgument, "question or embedding is required")
	}
	if req.K < 0 {
		return nil, status.Error(codes.InvalidArgument, "k must not be negative")
	}

	res, err := s.svc.Retrieve(ctx, service.Query{
		DocumentID: req.DocumentID,
		Question:   req.Question,
		Embedding:  req.Embedding,
		K:          req.K,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &RetrieveResponse{Chunks: res.Chunks, Eval: res.Eval, Audit: res.Audit}, nil
}

func (s *Server) DeleteDocument(ctx context.Context, req *DeleteDocumentRequest) (*DeleteDocumentResponse, error) {
	if req.DocumentID == "" {
		return nil, status.Error(codes.InvalidArgument, "document_id is required")
	}
	if err := s.svc.DeleteDocument(ctx, req.DocumentID); err != nil {
		return nil, mapError(err)
	}
	return &DeleteDocumentResponse{}, nil
}

func (s *Server) ListDocuments(ctx context.Context, _ *ListDocumentsRequest) (*ListDocumentsResponse, error) {
	docs, err := s.svc.Documents(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return &ListDocumentsResponse{Documents: docs}, nil
}

func (s *Server) GenerateKeyPair(_ context.Context, _ *GenerateKeyPairRequest) (*GenerateKeyPairResponse, error) {
	keys, err := s.svc.GenerateKeyPair()
	if err != nil {
		return nil, mapError(err)
	}
	return &GenerateKeyPairResponse{PublicKey: keys.PublicKey, SecretKey: keys.SecretKey}, nil
}

// mapError translates service-layer errors to gRPC status codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrNoEmbedding),
		errors.Is(err, storage.ErrInvalidDocument),
		errors.Is(err, crypto.ErrDomain),
		errors.Is(err, crypto.ErrMalformedCiphertext),
		errors.Is(err, crypto.ErrCircuitMismatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, search.ErrNoContent),
		errors.Is(err, storage.ErrDocumentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, storage.ErrDocumentExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, crypto.ErrNotCompiled):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
