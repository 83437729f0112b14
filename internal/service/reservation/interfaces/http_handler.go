package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"stockhold/internal/pkg/logger"
	"stockhold/internal/service/reservation/application"
	"stockhold/internal/service/reservation/domain"
)

const serviceName = "reservation-service"

// ReservationHandler 是预占服务的 HTTP 驱动适配器，只做协议转换，业务判断全部交给 Manager。
type ReservationHandler struct {
	manager *application.Manager
	hub     *Hub
	tracer  trace.Tracer
	now     func() time.Time
}

func NewReservationHandler(manager *application.Manager, hub *Hub) *ReservationHandler {
	return &ReservationHandler{
		manager: manager,
		hub:     hub,
		tracer:  otel.Tracer(serviceName),
		now:     time.Now,
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *ReservationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("POST /carts/{cartID}/hold", h.hold)
	mux.HandleFunc("DELETE /carts/{cartID}/hold", h.release)
	mux.HandleFunc("POST /carts/{cartID}/adjust", h.adjust)
	mux.HandleFunc("POST /carts/{cartID}/extend", h.extend)
	mux.HandleFunc("GET /carts/{cartID}", h.cart)
	mux.HandleFunc("GET /products/{productID}/availability", h.availability)
	if h.hub != nil {
		mux.HandleFunc("GET /ws/carts/{cartID}", h.watch)
	}
}

type holdRequest struct {
	Items []domain.HoldItem `json:"items"`
}

type holdResponse struct {
	CartID    string              `json:"cartId"`
	ExpiresAt *time.Time          `json:"expiresAt,omitempty"`
	Items     []domain.ItemResult `json:"items"`
}

type adjustRequest struct {
	ProductID string `json:"productId"`
	Delta     int    `json:"delta"`
}

type extendResponse struct {
	CartID    string     `json:"cartId"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type cartResponse struct {
	CartID       string               `json:"cartId"`
	ExpiresAt    *time.Time           `json:"expiresAt,omitempty"`
	ServerTime   time.Time            `json:"serverTime"`
	Reservations []domain.Reservation `json:"reservations"`
}

type availabilityResponse struct {
	ProductID  string `json:"productId"`
	TotalStock uint   `json:"totalStock"`
	Reserved   uint   `json:"reserved"`
	Available  uint   `json:"available"`
}

func (h *ReservationHandler) hold(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "reservation-service.Hold")
	defer span.End()

	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r.WithContext(ctx), span, errors.Wrap(domain.ErrInvalidArgument, err.Error()))
		return
	}
	cartID := r.PathValue("cartID")
	res, err := h.manager.Hold(ctx, cartID, req.Items)
	if err != nil {
		h.writeError(w, r.WithContext(ctx), span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, holdResponse{CartID: cartID, ExpiresAt: timePtr(res.ExpiresAt), Items: res.Items})
}

func (h *ReservationHandler) adjust(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "reservation-service.Adjust")
	defer span.End()

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r.WithContext(ctx), span, errors.Wrap(domain.ErrInvalidArgument, err.Error()))
		return
	}
	granted, err := h.manager.Adjust(ctx, r.PathValue("cartID"), req.ProductID, req.Delta)
	if err != nil {
		h.writeError(w, r.WithContext(ctx), span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"granted": granted})
}

func (h *ReservationHandler) extend(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "reservation-service.Extend")
	defer span.End()

	cartID := r.PathValue("cartID")
	at, _, err := h.manager.Extend(ctx, cartID)
	if err != nil {
		h.writeError(w, r.WithContext(ctx), span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, extendResponse{CartID: cartID, ExpiresAt: timePtr(at)})
}

func (h *ReservationHandler) release(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "reservation-service.Release")
	defer span.End()

	if err := h.manager.Release(ctx, r.PathValue("cartID")); err != nil {
		h.writeError(w, r.WithContext(ctx), span, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReservationHandler) cart(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "reservation-service.Cart")
	defer span.End()

	view, err := h.manager.Cart(ctx, r.PathValue("cartID"))
	if err != nil {
		h.writeError(w, r.WithContext(ctx), span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.cartResponse(view))
}

func (h *ReservationHandler) availability(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "reservation-service.Availability")
	defer span.End()

	rec, err := h.manager.Available(ctx, r.PathValue("productID"))
	if err != nil {
		h.writeError(w, r.WithContext(ctx), span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, availabilityResponse{
		ProductID:  rec.ProductID,
		TotalStock: rec.TotalStock,
		Reserved:   rec.Reserved,
		Available:  rec.Available(),
	})
}

// watch 把连接升级为 WebSocket，先推送当前快照，之后推送该购物车的每一次变化。
func (h *ReservationHandler) watch(w http.ResponseWriter, r *http.Request) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	cartID := r.PathValue("cartID")
	view, err := h.manager.Cart(ctx, cartID)
	if err != nil {
		h.writeError(w, r, trace.SpanFromContext(ctx), err)
		return
	}
	h.hub.ServeWS(w, r, cartID, snapshotMessage(view, h.now()))
}

func (h *ReservationHandler) cartResponse(view domain.CartView) cartResponse {
	res := cartResponse{
		CartID:       view.CartID,
		ExpiresAt:    timePtr(view.ExpiresAt),
		ServerTime:   h.now().UTC(),
		Reservations: view.Reservations,
	}
	if res.Reservations == nil {
		res.Reservations = []domain.Reservation{}
	}
	return res
}

// startSpan 从请求头中恢复上游追踪上下文并开启服务端 span。
func (h *ReservationHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("http.route", r.Pattern))
	if cartID := r.PathValue("cartID"); cartID != "" {
		span.SetAttributes(attribute.String("cart.id", cartID))
	}
	return ctx, span
}

// writeError 把领域错误映射为 HTTP 状态码。
func (h *ReservationHandler) writeError(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrProductNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Int("http.status_code", status))

	event := logger.Ctx(r.Context()).Warn()
	if status == http.StatusInternalServerError {
		event = logger.Ctx(r.Context()).Error()
	}
	event.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")

	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *ReservationHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
