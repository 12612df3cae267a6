// Package apiclient defines the worker agent's contract with the remote
// scheduling service: the seven operations of the worker lifecycle and
// work-assignment protocol, and the closed error taxonomy every operation
// reports through. ServiceClient is an interface; pkg/apiclient/grpcclient
// is the one concrete transport, and pkg/apiclient/apiclienttest is an
// in-memory fake used by every other package's tests so that only
// cmd/workeragent needs to import gRPC.
package apiclient
