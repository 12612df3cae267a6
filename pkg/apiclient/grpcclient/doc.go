// Package grpcclient is the concrete apiclient.ServiceClient transport: a
// thin gRPC client secured with mTLS, mirroring the connection-setup shape
// the teacher uses for its own manager/worker channel. Requests and
// responses are framed as google.golang.org/protobuf wrapperspb.BytesValue
// messages carrying a JSON payload. api/proto/workeragent.proto describes
// the service's operations, but no code generated from it is used here.
package grpcclient
