package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/BaSui01/modelgate/types"
)

// MapHTTPError 将后端 HTTP 状态码映射为携带归一化回退代码的 types.Error。
// 所有 HTTP 适配器共用的错误映射函数。
func MapHTTPError(status int, msg, providerID string) *types.Error {
	msgLower := strings.ToLower(msg)

	// 后端在 4xx/5xx 里报 OOM 或上下文超长时，状态码本身不可靠，
	// 按响应体关键字优先归类。
	switch {
	case strings.Contains(msgLower, "out of memory") || strings.Contains(msgLower, "oom"):
		return &types.Error{
			Code:       types.ErrOutOfMemory,
			Message:    msg,
			HTTPStatus: status,
			Provider:   providerID,
		}
	case strings.Contains(msgLower, "context length") ||
		strings.Contains(msgLower, "context_length") ||
		strings.Contains(msgLower, "maximum context"):
		return &types.Error{
			Code:       types.ErrContextTooLong,
			Message:    msg,
			HTTPStatus: status,
			Provider:   providerID,
		}
	}

	switch status {
	case http.StatusUnauthorized:
		return &types.Error{
			Code:       types.ErrUnauthorized,
			Message:    msg,
			HTTPStatus: status,
			Provider:   providerID,
		}
	case http.StatusForbidden:
		return &types.Error{
			Code:       types.ErrForbidden,
			Message:    msg,
			HTTPStatus: status,
			Provider:   providerID,
		}
	case http.StatusTooManyRequests:
		return &types.Error{
			Code:       types.ErrRateLimited,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   providerID,
		}
	case http.StatusBadRequest:
		if strings.Contains(msgLower, "quota") ||
			strings.Contains(msgLower, "credit") ||
			strings.Contains(msgLower, "limit") {
			return &types.Error{
				Code:       types.ErrQuotaExceeded,
				Message:    msg,
				HTTPStatus: status,
				Provider:   providerID,
			}
		}
		return &types.Error{
			Code:       types.ErrInvalidRequest,
			Message:    msg,
			HTTPStatus: status,
			Provider:   providerID,
		}
	case http.StatusNotFound:
		return &types.Error{
			Code:       types.ErrModelNotFound,
			Message:    msg,
			HTTPStatus: status,
			Provider:   providerID,
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return &types.Error{
			Code:       types.ErrServiceUnavailable,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   providerID,
		}
	case http.StatusGatewayTimeout:
		return &types.Error{
			Code:       types.ErrUpstreamTimeout,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  true,
			Provider:   providerID,
		}
	default:
		return &types.Error{
			Code:       types.ErrUpstreamError,
			Message:    msg,
			HTTPStatus: status,
			Retryable:  status >= 500,
			Provider:   providerID,
		}
	}
}

// MapTransportError 将传输层失败（连接拒绝、DNS 失败、超时）映射为
// types.Error。区分 unreachable 和 timeout 两类，供路由回退匹配。
func MapTransportError(err error, providerID string) *types.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &types.Error{
			Code:       types.ErrTimeout,
			Message:    fmt.Sprintf("provider %s timed out", providerID),
			HTTPStatus: http.StatusGatewayTimeout,
			Retryable:  true,
			Provider:   providerID,
			Cause:      err,
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &types.Error{
			Code:       types.ErrTimeout,
			Message:    fmt.Sprintf("provider %s timed out", providerID),
			HTTPStatus: http.StatusGatewayTimeout,
			Retryable:  true,
			Provider:   providerID,
			Cause:      err,
		}
	default:
		return &types.Error{
			Code:       types.ErrUnreachable,
			Message:    fmt.Sprintf("provider %s unreachable: %v", providerID, err),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   providerID,
			Cause:      err,
		}
	}
}

// NormalizedFromError 提取错误的归一化回退代码，缺省为 other。
func NormalizedFromError(err error) types.NormalizedCode {
	var gerr *types.Error
	if errors.As(err, &gerr) {
		return gerr.Normalize()
	}
	return types.NormOther
}

// ReadErrorMessage 读取错误响应体。优先解析 OpenAI 风格的 JSON 错误
// 信封，失败时回退为原始文本。
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return strings.TrimSpace(string(data))
}

// joinURL 拼接 base_url 与路径，容忍双方斜杠。
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// statusIn 判断状态码是否属于配置的成功码集合；集合为空时按 200 处理。
func statusIn(status int, codes []int) bool {
	if len(codes) == 0 {
		return status == http.StatusOK
	}
	for _, c := range codes {
		if status == c {
			return true
		}
	}
	return false
}
