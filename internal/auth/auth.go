// Package auth authorises control API calls by the role carried in the
// client certificate's organisational unit.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	api "github.com/nixpig/udpjobs/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type Permission string

const (
	PermissionRunStart Permission = "run:start"
	PermissionRunStop  Permission = "run:stop"
	PermissionRunQuery Permission = "run:query"
	PermissionRunWatch Permission = "run:watch"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleOperator: {
		PermissionRunStart,
		PermissionRunStop,
		PermissionRunQuery,
		PermissionRunWatch,
	},
	RoleViewer: {PermissionRunQuery, PermissionRunWatch},
}

// MethodPermissions is the permission each RunService method requires.
var MethodPermissions = map[string]Permission{
	api.RunService_StartRun_FullMethodName: PermissionRunStart,
	api.RunService_StopRun_FullMethodName:  PermissionRunStop,
	api.RunService_GetRun_FullMethodName:   PermissionRunQuery,
	api.RunService_WatchRun_FullMethodName: PermissionRunWatch,
}

// GetClientIdentity returns the common name and first organisational unit of
// the verified client certificate.
func GetClientIdentity(ctx context.Context) (string, string, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", "", fmt.Errorf("failed to get peer info from context")
	}

	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", "", fmt.Errorf("failed to get TLS info from peer auth info")
	}

	if len(tlsInfo.State.VerifiedChains) == 0 ||
		len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return "", "", fmt.Errorf("no verified chains in TLS info")
	}

	cert := tlsInfo.State.VerifiedChains[0][0]

	var ou string
	if len(cert.Subject.OrganizationalUnit) > 0 {
		ou = cert.Subject.OrganizationalUnit[0]
	}

	return cert.Subject.CommonName, ou, nil
}

func IsAuthorised(role Role, method string) error {
	required, exists := MethodPermissions[method]
	if !exists {
		return fmt.Errorf("method %s has no permission assigned", method)
	}

	permissions, ok := RolePermissions[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}

	if !slices.Contains(permissions, required) {
		return fmt.Errorf("role %s lacks permission %s", role, required)
	}

	return nil
}

// Authorise checks the caller in ctx may call method. The returned error is
// a gRPC status: Unauthenticated without a verified client certificate and
// PermissionDenied when the role lacks the permission.
func Authorise(ctx context.Context, method string, logger *slog.Logger) error {
	cn, ou, err := GetClientIdentity(ctx)
	if err != nil {
		logger.Warn("failed to get client identity", "err", err)
		return status.Error(codes.Unauthenticated, "not authenticated")
	}

	if err := IsAuthorised(Role(ou), method); err != nil {
		logger.Warn(
			"failed to authorise client",
			"cn", cn,
			"role", ou,
			"method", method,
			"err", err,
		)

		return status.Error(codes.PermissionDenied, "not authorised")
	}

	logger.Debug("authorised client request", "cn", cn, "role", ou, "method", method)

	return nil
}

func UnaryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := Authorise(ctx, info.FullMethod, logger); err != nil {
			return nil, err
		}

		return handler(ctx, req)
	}
}

func StreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := Authorise(ss.Context(), info.FullMethod, logger); err != nil {
			return err
		}

		return handler(srv, ss)
	}
}
