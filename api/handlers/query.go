package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/api"
	"github.com/tessellate-ai/graphrag/engine"
	"github.com/tessellate-ai/graphrag/internal/ctxkeys"
	"github.com/tessellate-ai/graphrag/types"
)

// =============================================================================
// 查询接口 Handler
// =============================================================================

// QueryHandler 查询接口处理器
type QueryHandler struct {
	engine *engine.Engine
	logger *zap.Logger
}

// NewQueryHandler 创建查询处理器
func NewQueryHandler(eng *engine.Engine, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		engine: eng,
		logger: logger.With(zap.String("component", "query_handler")),
	}
}

// HandleQuery 处理同步查询请求
// @Summary 查询
// @Description 执行一次混合检索查询并返回带引用的回答
// @Tags 查询
// @Accept json
// @Produce json
// @Param request body api.QueryRequest true "查询请求"
// @Success 200 {object} Response "查询响应"
// @Failure 422 {object} Response "无效请求"
// @Failure 502 {object} Response "检索失败"
// @Security BearerAuth
// @Router /v1/query [post]
func (h *QueryHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.QueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	q, apiErr := h.buildQuery(r, &req)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	start := time.Now()
	resp, err := h.engine.RunQuery(r.Context(), q)
	if err != nil {
		WriteError(w, r, types.AsError(err), h.logger)
		return
	}

	h.logger.Info("query completed",
		zap.String("tenant_id", q.TenantID),
		zap.String("mode", string(resp.Mode)),
		zap.Int("citations", len(resp.Citations)),
		zap.Bool("from_cache", resp.FromCache),
		zap.Duration("duration", time.Since(start)),
	)

	WriteSuccess(w, r, resp)
}

// HandleStream 处理 SSE 流式查询请求
// @Summary 流式查询
// @Description 以 SSE 事件流执行查询（routing/thinking/token/sources/done）
// @Tags 查询
// @Accept json
// @Produce text/event-stream
// @Param request body api.QueryRequest true "查询请求"
// @Success 200 {string} string "SSE 流"
// @Failure 422 {object} Response "无效请求"
// @Security BearerAuth
// @Router /v1/query/stream [post]
func (h *QueryHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.QueryRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	q, apiErr := h.buildQuery(r, &req)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err := types.NewError(types.ErrInternal, "streaming not supported").
			WithHTTPStatus(http.StatusInternalServerError)
		WriteError(w, r, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	for ev := range h.engine.RunQueryStream(r.Context(), q) {
		if err := writeSSEEvent(w, &ev); err != nil {
			h.logger.Warn("failed to write SSE event", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

// writeSSEEvent 以 `event: <type>` + `data: <json>` 形式写一个事件
func writeSSEEvent(w http.ResponseWriter, ev *engine.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + string(ev.Type) + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// wsReadTimeout 等待客户端首帧（查询请求）的超时
const wsReadTimeout = 30 * time.Second

// HandleWebSocket 处理 WebSocket 流式查询。
// 客户端建立连接后发送一个 JSON 编码的 QueryRequest 文本帧，
// 服务端以 JSON 文本帧逐个推送事件，终止事件后正常关闭。
// @Summary WebSocket 流式查询
// @Description 通过 WebSocket 执行流式查询
// @Tags 查询
// @Success 101 {string} string "协议切换"
// @Security BearerAuth
// @Router /v1/query/ws [get]
func (h *QueryHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	readCtx, cancel := context.WithTimeout(ctx, wsReadTimeout)
	_, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		h.logger.Warn("websocket read failed", zap.Error(err))
		return
	}

	var req api.QueryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeWSError(ctx, conn, types.NewError(types.ErrInvalidQuery, "invalid JSON frame").WithCause(err))
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	q, apiErr := h.buildQuery(r, &req)
	if apiErr != nil {
		h.writeWSError(ctx, conn, apiErr)
		conn.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	for ev := range h.engine.RunQueryStream(ctx, q) {
		payload, err := json.Marshal(&ev)
		if err != nil {
			h.logger.Error("failed to marshal event", zap.Error(err))
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			h.logger.Warn("websocket write failed", zap.Error(err))
			return
		}
	}

	conn.Close(websocket.StatusNormalClosure, "done")
}

// writeWSError 将结构化错误作为 error 事件发送（尽力而为）
func (h *QueryHandler) writeWSError(ctx context.Context, conn *websocket.Conn, apiErr *types.Error) {
	ev := engine.Event{Type: engine.EventError, Err: apiErr}
	payload, err := json.Marshal(&ev)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		h.logger.Debug("failed to deliver error event", zap.Error(err))
	}
}

// buildQuery 从请求体构造规范化查询。认证中间件注入的租户声明优先。
func (h *QueryHandler) buildQuery(r *http.Request, req *api.QueryRequest) (*types.Query, *types.Error) {
	tenantID := req.TenantID
	if authTenant, ok := ctxkeys.TenantID(r.Context()); ok {
		tenantID = authTenant
	}

	q, err := types.NewQuery(req.Query, tenantID, req.Filters, req.Options)
	if err != nil {
		return nil, types.AsError(err)
	}
	if req.ConversationID != "" {
		q = q.WithConversation(req.ConversationID)
	}
	return q, nil
}
