package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vanshika/uplink/internal/activation"
	"github.com/vanshika/uplink/internal/config"
	"github.com/vanshika/uplink/internal/domain"
	"github.com/vanshika/uplink/internal/service"
)

const genericFailure = "could not process at this time"

// Propagation outcomes reported to callers.
const (
	outcomeApplied  = "applied"
	outcomeReplayed = "replayed"
	outcomeIgnored  = "ignored"
)

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger  *zap.Logger
	members *service.MembershipService
	engine  *service.Engine
	retrier *service.Retrier
	limiter *rate.Limiter
}

// NewAPIHandlers constructs an APIHandlers instance. The webhook limiter is a
// single token bucket shared by all payment callbacks.
func NewAPIHandlers(logger *zap.Logger, members *service.MembershipService, engine *service.Engine, retrier *service.Retrier, cfg config.HTTPConfig) *APIHandlers {
	limit := rate.Inf
	if cfg.WebhookRPS > 0 {
		limit = rate.Limit(cfg.WebhookRPS)
	}
	burst := cfg.WebhookBurst
	if burst <= 0 {
		burst = 1
	}
	return &APIHandlers{
		logger:  logger,
		members: members,
		engine:  engine,
		retrier: retrier,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (h *APIHandlers) signUp(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload service.SignUpInput
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, created, err := h.members.SignUp(r.Context(), payload)
	if err != nil {
		h.fail(w, "sign up", err, zap.String("uid", payload.UID))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, toProfileResponse(user))
}

func (h *APIHandlers) profile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	user, err := h.members.Profile(r.Context(), uid)
	if err != nil {
		h.fail(w, "load profile", err, zap.String("uid", uid))
		return
	}
	respondJSON(w, http.StatusOK, toProfileResponse(user))
}

func (h *APIHandlers) dashboard(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	dash, err := h.members.Dashboard(r.Context(), uid)
	if err != nil {
		h.fail(w, "load dashboard", err, zap.String("uid", uid))
		return
	}
	respondJSON(w, http.StatusOK, dashboardResponse{
		Profile:     toProfileResponse(dash.Profile),
		Commissions: toCommissionResponses(dash.Commissions),
	})
}

func (h *APIHandlers) upline(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	chain, err := h.members.Upline(r.Context(), uid)
	if err != nil {
		h.fail(w, "resolve upline", err, zap.String("uid", uid))
		return
	}
	response := uplineResponse{UID: uid, Upline: make([]uplineMember, 0, len(chain))}
	for i, member := range chain {
		response.Upline = append(response.Upline, uplineMember{
			Level:           i + 1,
			UID:             member.UID,
			Name:            member.Name,
			ActivationState: string(member.ActivationState),
		})
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *APIHandlers) commissions(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	query := r.URL.Query()
	q := domain.CommissionQuery{
		RecipientUID: uid,
		Limit:        parseInt(query.Get("limit"), domain.DefaultCommissionLimit),
	}
	if v := query.Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		q.Before = &before
	}

	records, err := h.members.Commissions(r.Context(), q)
	if err != nil {
		h.fail(w, "list commissions", err, zap.String("uid", uid))
		return
	}
	response := commissionPageResponse{Commissions: toCommissionResponses(records)}
	if n := len(records); n > 0 && n == q.Normalize().Limit {
		response.NextBefore = formatTime(records[n-1].Timestamp)
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *APIHandlers) activationHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	history, err := h.members.Transitions(r.Context(), uid)
	if err != nil {
		h.fail(w, "list transitions", err, zap.String("uid", uid))
		return
	}
	response := make([]transitionResponse, 0, len(history))
	for _, t := range history {
		response = append(response, transitionResponse{
			From:   string(t.From),
			To:     string(t.To),
			Reason: t.Reason,
			At:     formatTime(t.At),
		})
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *APIHandlers) transitionActivation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	var payload transitionRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := activation.ParseState(payload.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.members.TransitionActivation(r.Context(), uid, target, payload.Reason)
	if err != nil {
		h.fail(w, "transition activation", err, zap.String("uid", uid), zap.String("target", string(target)))
		return
	}
	respondJSON(w, http.StatusOK, toProfileResponse(user))
}

func (h *APIHandlers) propagate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var payload service.EventInput
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := payload.ToEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := service.RetryValue(r.Context(), h.retrier, "propagate "+ev.IdempotencyKey, func(ctx context.Context) (domain.ApplicationResult, error) {
		return h.engine.Propagate(ctx, ev)
	})
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		h.logger.Warn("idempotency key reused, event ignored",
			zap.String("event_key", ev.IdempotencyKey),
			zap.String("source_uid", ev.SourceUID))
		respondJSON(w, http.StatusOK, propagationResponse{EventKey: ev.IdempotencyKey, SourceUID: ev.SourceUID, Outcome: outcomeIgnored})
		return
	}
	if err != nil {
		h.fail(w, "propagate event", err, zap.String("event_key", ev.IdempotencyKey))
		return
	}
	respondJSON(w, http.StatusOK, toPropagationResponse(result))
}

func (h *APIHandlers) limitWebhook(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r, ps)
	}
}

func (h *APIHandlers) paymentWebhook(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var notice service.PaymentNotice
	if err := decodeJSON(r, &notice); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := service.RetryValue(r.Context(), h.retrier, "payment "+string(notice.Type), func(ctx context.Context) (service.PaymentResult, error) {
		return h.members.HandlePayment(ctx, notice)
	})
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		h.logger.Warn("activation event conflicts with stored event, ignored", zap.String("uid", notice.UID))
		user, err := h.members.Profile(r.Context(), notice.UID)
		if err != nil {
			h.fail(w, "load profile", err, zap.String("uid", notice.UID))
			return
		}
		respondJSON(w, http.StatusOK, paymentResponse{Profile: toProfileResponse(user), Outcome: outcomeIgnored})
		return
	}
	if err != nil {
		h.fail(w, "handle payment", err, zap.String("uid", notice.UID), zap.String("type", string(notice.Type)))
		return
	}

	response := paymentResponse{Profile: toProfileResponse(result.Profile)}
	if result.Propagation != nil {
		prop := toPropagationResponse(*result.Propagation)
		response.Propagation = &prop
		response.Outcome = prop.Outcome
	}
	respondJSON(w, http.StatusOK, response)
}

// fail maps a service error onto an HTTP status. Errors the caller cannot act
// on are answered with a generic message and logged with their kind.
func (h *APIHandlers) fail(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	status, msg := statusFor(err)
	fields = append(fields, zap.String("op", op), zap.String("kind", domain.KindOf(err)), zap.Error(err))
	if status >= http.StatusInternalServerError || status == http.StatusUnprocessableEntity {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrCycleDetected),
		errors.Is(err, domain.ErrDanglingReference),
		errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusUnprocessableEntity, genericFailure
	case domain.Retryable(err):
		return http.StatusServiceUnavailable, genericFailure
	default:
		return http.StatusInternalServerError, genericFailure
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	if v, err := strconv.Atoi(value); err == nil {
		return v
	}
	return fallback
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}
