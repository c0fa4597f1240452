package obs

import "context"

type routeHolderKey struct{}

type routeHolder struct {
	id string
}

func withRouteHolder(ctx context.Context, h *routeHolder) context.Context {
	return context.WithValue(ctx, routeHolderKey{}, h)
}
