package tenant

import (
	"context"

	"github.com/timmy/sqpsync/internal/logger"
)

type ctxKey struct{}

// NewContext returns a context carrying h and its logging fields.
func NewContext(ctx context.Context, h *Handle) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, h)
	return logger.WithFields(ctx, logger.Fields{
		logger.FieldTenantID: h.TenantKey,
		logger.FieldDatabase: h.Database,
	})
}

// FromContext returns the handle attached by NewContext.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(ctxKey{}).(*Handle)
	return h, ok
}
