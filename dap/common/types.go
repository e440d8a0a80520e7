package common

import (
	"context"
	"io"

	"github.com/google/go-dap"
)

type Conn interface {
	SendMsg(m dap.Message) error
	RecvMsg(ctx context.Context) (dap.Message, error)
	io.Closer
}

// Config is the launch/attach configuration understood by the
// adapter. Clients put these fields in the launch request arguments.
type Config struct {
	// Program is the path of the script to run. Required for launch,
	// ignored for attach.
	Program string `json:"program,omitempty"`

	// StopOnEntry stops the main thread on its first line.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// SourceRoots are directories classified as debuggee code.
	// Defaults to the program's directory.
	SourceRoots []string `json:"sourceRoots,omitempty"`

	// LibraryRoots are directories classified as library code and
	// skipped by the tracer unless they carry breakpoints.
	LibraryRoots []string `json:"libraryRoots,omitempty"`
}
