package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/opaque/cipherrag/pkg/auth"
)

// Full method names.
const (
	IngestMethod          = "/" + ServiceName + "/Ingest"
	RetrieveMethod        = "/" + ServiceName + "/Retrieve"
	DeleteDocumentMethod  = "/" + ServiceName + "/DeleteDocument"
	ListDocumentsMethod   = "/" + ServiceName + "/ListDocuments"
	GenerateKeyPairMethod = "/" + ServiceName + "/GenerateKeyPair"
)

// MethodScopes is the scope each method requires when auth is enabled.
var MethodScopes = map[string]string{
	IngestMethod:          auth.ScopeIngest,
	RetrieveMethod:        auth.ScopeRetrieve,
	DeleteDocumentMethod:  auth.ScopeIngest,
	ListDocumentsMethod:   auth.ScopeRetrieve,
	GenerateKeyPairMethod: auth.ScopeAdmin,
}

// ServiceDesc describes the retrieval service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RetrievalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ingest", Handler: unaryHandler(IngestMethod, RetrievalServer.Ingest)},
		{MethodName: "Retrieve", Handler: unaryHandler(RetrieveMethod, RetrievalServer.Retrieve)},
		{MethodName: "DeleteDocument", Handler: unaryHandler(DeleteDocumentMethod, RetrievalServer.DeleteDocument)},
		{MethodName: "ListDocuments", Handler: unaryHandler(ListDocumentsMethod, RetrievalServer.ListDocuments)},
		{MethodName: "GenerateKeyPair", Handler: unaryHandler(GenerateKeyPairMethod, RetrievalServer.GenerateKeyPair)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cipherrag/retrieval",
}

// unaryHandler adapts a typed RetrievalServer method to grpc's untyped
// handler signature.
func unaryHandler[Req, Resp any](fullMethod string, call func(RetrievalServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RetrievalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RetrievalServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
