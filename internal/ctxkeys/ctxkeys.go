package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	jobIDKey     contextKey = "job_id"
	routeKey     contextKey = "route"
)

// WithRequestID 设置 RequestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取 RequestID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithJobID 设置 JobID
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobID 获取 JobID
func JobID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(jobIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRoute 设置请求解析出的路由名
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeKey, route)
}

// Route 获取路由名
func Route(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(routeKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
