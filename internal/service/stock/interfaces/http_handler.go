// internal/service/stock/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"
)

const serviceName = "stock-service"

// StockHandler 封装了库存服务的 HTTP 处理器。
// 同步查询面给结算/购物车协作方用，写入面只开放人工账本变更。
type StockHandler struct {
	service *application.StockApplicationService
	hub     *Hub // 可为 nil，运维事件流
}

// NewStockHandler 创建一个新的 HTTP 处理器实例
func NewStockHandler(service *application.StockApplicationService, hub *Hub) *StockHandler {
	return &StockHandler{service: service, hub: hub}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *StockHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/check_availability", h.checkAvailabilityHandler)
	mux.HandleFunc("/reservation", h.getReservationHandler)
	mux.HandleFunc("/stock/adjust", h.adjustStockHandler)
	if h.hub != nil {
		mux.HandleFunc("/ws/stock", h.hub.ServeWs)
	}
}

func (h *StockHandler) checkAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(ctx, "api.CheckAvailability")
	defer span.End()

	productVariant := r.URL.Query().Get("productVariant")
	quantity, _ := strconv.Atoi(r.URL.Query().Get("quantity"))
	region := r.URL.Query().Get("region")
	if productVariant == "" || quantity <= 0 {
		http.Error(w, "productVariant and a positive quantity are required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("product.variant", productVariant),
		attribute.Int("quantity", quantity),
	)

	resp, err := h.service.CheckAvailability(ctx, productVariant, quantity, region)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (h *StockHandler) getReservationHandler(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(ctx, "api.GetReservation")
	defer span.End()

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("reservation.id", id))

	view, err := h.service.GetReservation(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, view)
}

func (h *StockHandler) adjustStockHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	tracer := otel.Tracer(serviceName)
	ctx, span := tracer.Start(ctx, "api.AdjustStock")
	defer span.End()

	var req application.AdjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.String("stock_record.id", req.StockRecordID),
		attribute.String("movement.type", req.Type),
	)

	resp, err := h.service.AdjustStock(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError 把领域错误映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrContention):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
