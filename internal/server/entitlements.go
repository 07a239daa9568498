package server

import "context"

// Entitlements resolves which model variant a caller may use. Real
// authentication and billing live outside this service; deployments plug in
// their own implementation through [WithEntitlements].
type Entitlements interface {
	// Entitle returns the model variant the caller is entitled to, or an
	// error when the caller may not create sessions at all.
	Entitle(ctx context.Context, callerID string) (modelVariant string, err error)
}

// StaticEntitlements grants every caller the same model variant. It is the
// default when no Entitlements implementation is configured.
type StaticEntitlements struct {
	// Variant is returned for every caller.
	Variant string
}

var _ Entitlements = StaticEntitlements{}

func (e StaticEntitlements) Entitle(_ context.Context, _ string) (string, error) {
	return e.Variant, nil
}
