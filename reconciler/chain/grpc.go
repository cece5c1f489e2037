package chain

import (
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// defaultGRPCPort is appended when an endpoint carries no port.
const defaultGRPCPort = "9090"

// Dial creates a gRPC connection with transport security picked from the URL
// scheme:
//   - https:// URLs: TLS with default credentials
//   - http:// or no scheme: insecure
//   - port 9090 is added if none is given
func Dial(endpoint string) (*grpc.ClientConn, error) {
	target, useTLS, err := normalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	var opts []grpc.DialOption
	if useTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", target, err)
	}
	return conn, nil
}

// normalizeEndpoint strips the scheme and fills in the default port.
func normalizeEndpoint(endpoint string) (string, bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", false, fmt.Errorf("empty endpoint provided")
	}

	target := endpoint
	useTLS := false
	if strings.HasPrefix(endpoint, "https://") {
		target = strings.TrimPrefix(endpoint, "https://")
		useTLS = true
	} else if strings.HasPrefix(endpoint, "http://") {
		target = strings.TrimPrefix(endpoint, "http://")
	}
	target = strings.TrimSuffix(target, "/")

	if target == "" {
		return "", false, fmt.Errorf("no host in endpoint %q", endpoint)
	}

	if !strings.Contains(target, ":") {
		target = target + ":" + defaultGRPCPort
	} else {
		lastColon := strings.LastIndex(target, ":")
		afterColon := target[lastColon+1:]
		if afterColon == "" || strings.Contains(afterColon, "/") {
			target = strings.TrimSuffix(target, ":") + ":" + defaultGRPCPort
		}
	}
	return target, useTLS, nil
}
