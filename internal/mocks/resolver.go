package mocks

import (
	"context"

	"github.com/ooni/pacproxy/internal/model"
)

// HostResolver is a mockable [model.HostResolver].
type HostResolver struct {
	MockLookupHost func(ctx context.Context, domain string) ([]string, error)
}

var _ model.HostResolver = &HostResolver{}

// LookupHost calls MockLookupHost.
func (r *HostResolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	return r.MockLookupHost(ctx, domain)
}
