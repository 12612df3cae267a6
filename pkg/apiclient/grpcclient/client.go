package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/rendergrid/workeragent/pkg/apiclient"
	"github.com/rendergrid/workeragent/pkg/types"
)

const serviceName = "workeragent.v1.WorkerAgentAPI"

// Client is a gRPC transport implementing apiclient.ServiceClient.
type Client struct {
	conn *grpc.ClientConn
}

var _ apiclient.ServiceClient = (*Client)(nil)

// Dial connects to the scheduling service at addr using the worker's mTLS
// certificate from certDir, mirroring the teacher's connectWithMTLS. certDir
// must hold cert.pem, key.pem, and ca.pem.
func Dial(addr, certDir string) (*Client, error) {
	tlsConfig, err := loadTLSConfig(certDir)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	if err != nil {
		return nil, fmt.Errorf("dial scheduling service: %w", err)
	}

	return &Client{conn: conn}, nil
}

func loadTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(certDir, "cert.pem"), filepath.Join(certDir, "key.pem"))
	if err != nil {
		return nil, fmt.Errorf("load worker certificate: %w", err)
	}

	caPEM, err := os.ReadFile(filepath.Join(certDir, "ca.pem"))
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA certificate: no valid certificates found in %s", filepath.Join(certDir, "ca.pem"))
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      certPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// errorEnvelope is the JSON shape carried in a failing gRPC status's
// message, round-tripping apiclient.Error across the wire without a
// generated error-detail protobuf message.
type errorEnvelope struct {
	Kind       apiclient.ErrorKind
	Reason     apiclient.ConflictReason
	ResourceID string
	Context    string
}

func (c *Client) call(ctx context.Context, op, method string, in interface{}, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &apiclient.Error{Kind: apiclient.ErrorKindValidationError, Op: op, Err: err}
	}

	req := &wrapperspb.BytesValue{Value: payload}
	resp := &wrapperspb.BytesValue{}

	fullMethod := fmt.Sprintf("/%s/%s", serviceName, method)
	if err := c.conn.Invoke(ctx, fullMethod, req, resp); err != nil {
		return translateError(op, err)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Value, out); err != nil {
		return &apiclient.Error{Kind: apiclient.ErrorKindInternalServerError, Op: op, Err: err}
	}
	return nil
}

func translateError(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &apiclient.Error{Kind: apiclient.ErrorKindInternalServerError, Op: op, Err: err}
	}

	var env errorEnvelope
	if jsonErr := json.Unmarshal([]byte(st.Message()), &env); jsonErr == nil && env.Kind != "" {
		return &apiclient.Error{
			Kind:       env.Kind,
			Reason:     env.Reason,
			ResourceID: env.ResourceID,
			Context:    env.Context,
			Op:         op,
			Err:        err,
		}
	}

	return &apiclient.Error{Kind: codeToKind(st.Code()), Op: op, Err: err}
}

func (c *Client) CreateWorker(ctx context.Context, in apiclient.CreateWorkerInput) (*apiclient.CreateWorkerOutput, error) {
	var out apiclient.CreateWorkerOutput
	if err := c.call(ctx, "CreateWorker", "CreateWorker", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AssumeFleetRoleForWorker(ctx context.Context, in apiclient.AssumeFleetRoleForWorkerInput) (*types.AgentCredentials, error) {
	var out types.AgentCredentials
	if err := c.call(ctx, "AssumeFleetRoleForWorker", "AssumeFleetRoleForWorker", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AssumeQueueRoleForWorker(ctx context.Context, in apiclient.AssumeQueueRoleForWorkerInput) (*apiclient.AssumeQueueRoleForWorkerOutput, error) {
	var out apiclient.AssumeQueueRoleForWorkerOutput
	if err := c.call(ctx, "AssumeQueueRoleForWorker", "AssumeQueueRoleForWorker", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateWorker(ctx context.Context, in apiclient.UpdateWorkerInput) error {
	return c.call(ctx, "UpdateWorker", "UpdateWorker", in, nil)
}

func (c *Client) UpdateWorkerSchedule(ctx context.Context, in apiclient.UpdateWorkerScheduleInput) (*apiclient.UpdateWorkerScheduleOutput, error) {
	var out apiclient.UpdateWorkerScheduleOutput
	if err := c.call(ctx, "UpdateWorkerSchedule", "UpdateWorkerSchedule", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BatchGetJobEntity(ctx context.Context, in apiclient.BatchGetJobEntityInput) (*apiclient.BatchGetJobEntityOutput, error) {
	var out apiclient.BatchGetJobEntityOutput
	if err := c.call(ctx, "BatchGetJobEntity", "BatchGetJobEntity", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteWorker(ctx context.Context, in apiclient.DeleteWorkerInput) error {
	return c.call(ctx, "DeleteWorker", "DeleteWorker", in, nil)
}

// DialTimeout is a default connection timeout for a Client. Dial does not
// apply it, and cmd/workeragent does not reference it.
const DialTimeout = 10 * time.Second
