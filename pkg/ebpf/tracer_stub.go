//go:build !linux

package ebpf

import (
	"context"

	"github.com/saworbit/scaleadapter/pkg/config"
	"github.com/saworbit/scaleadapter/pkg/observer"
	"github.com/saworbit/scaleadapter/pkg/registry"
)

// Tracer is unavailable outside Linux.
type Tracer struct{}

// NewTracer reports unsupported platforms when Linux eBPF is unavailable.
func NewTracer(_ *config.EBPFConfig) (*Tracer, error) {
	return nil, ErrUnsupported
}

func (*Tracer) Attach(context.Context, *registry.Registry, observer.Sink) (observer.Attachment, error) {
	return nil, ErrUnsupported
}
