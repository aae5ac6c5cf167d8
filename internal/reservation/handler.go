package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Niiaks/Lodge/internal/apperror"
	"github.com/Niiaks/Lodge/internal/middleware"
	"github.com/Niiaks/Lodge/internal/model"
	"github.com/Niiaks/Lodge/internal/redis"
	"github.com/Niiaks/Lodge/pkg/constants"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const IdempotencyHeader = middleware.IdempotencyHeader

// Idempotency is satisfied by *redis.Client.
type Idempotency interface {
	CheckAndSetIdempotency(ctx context.Context, key string, ttl time.Duration) ([]byte, error)
	MarkIdempotencyComplete(ctx context.Context, key string, response []byte, ttl time.Duration) error
	MarkIdempotencyFailed(ctx context.Context, key string) error
}

type ReservationHandler struct {
	service        *Service
	idempotency    Idempotency
	idempotencyTTL time.Duration
}

// NewReservationHandler accepts a nil idempotency store; the Idempotency-Key
// header is then ignored.
func NewReservationHandler(service *Service, idempotency Idempotency, ttl time.Duration) *ReservationHandler {
	return &ReservationHandler{service: service, idempotency: idempotency, idempotencyTTL: ttl}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createReservationRequest struct {
	ListingID     string `json:"listing_id" validate:"required,uuid"`
	CheckInDate   string `json:"check_in_date" validate:"required,datetime=2006-01-02"`
	CheckOutDate  string `json:"check_out_date" validate:"required,datetime=2006-01-02"`
	GuestCount    int    `json:"guest_count" validate:"required,min=1"`
	GuestName     string `json:"guest_name" validate:"required,max=255"`
	GuestEmail    string `json:"guest_email" validate:"required,email"`
	GuestPhone    string `json:"guest_phone" validate:"omitempty,max=32"`
	TotalAmount   int64  `json:"total_amount" validate:"required,gt=0"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=deposit full"`
}

type hostActionRequest struct {
	Action string `json:"action" validate:"required,oneof=approve decline"`
	Reason string `json:"reason" validate:"omitempty,max=1000"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=1000"`
}

func decodeAndValidate(r *http.Request, dst any, allowEmpty bool) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return apperror.Validation("invalid request payload")
		}
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("invalid request payload")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return apperror.Validation("invalid fields: %s", strings.Join(fields, ", "))
}

func callerFrom(r *http.Request) (Caller, error) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		return Caller{}, apperror.New(apperror.CodeUnauthorized, "authentication required")
	}
	return Caller{UserID: identity.UserID, Admin: identity.Admin}, nil
}

func reservationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperror.Validation("invalid reservation id")
	}
	return id, nil
}

func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := middleware.GetLogger(ctx)

	caller, err := callerFrom(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	var req createReservationRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	idemKey := ""
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" && h.idempotency != nil {
		idemKey = fmt.Sprintf("reservation:create:%s:%s", caller.UserID, key)
		cached, err := h.idempotency.CheckAndSetIdempotency(ctx, idemKey, h.idempotencyTTL)
		switch {
		case errors.Is(err, redis.ErrKeyExists):
			middleware.WriteError(w, r, apperror.InvalidState("a request with this Idempotency-Key is still in progress"))
			return
		case err != nil:
			logger.Warn().Err(err).Msg("Idempotency store unavailable, processing without replay protection")
			idemKey = ""
		case cached != nil:
			logger.Info().Msg("Replaying cached reservation response")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(http.StatusCreated)
			w.Write(cached)
			return
		}
	}

	in := CreateInput{
		GuestCount:    req.GuestCount,
		GuestName:     req.GuestName,
		GuestEmail:    req.GuestEmail,
		GuestPhone:    req.GuestPhone,
		TotalAmount:   req.TotalAmount,
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
	}
	in.ListingID, _ = uuid.Parse(req.ListingID)
	in.CheckIn, _ = time.Parse(constants.DateLayout, req.CheckInDate)
	in.CheckOut, _ = time.Parse(constants.DateLayout, req.CheckOutDate)

	details, err := h.service.Create(ctx, caller, in)
	if err != nil {
		if idemKey != "" {
			if markErr := h.idempotency.MarkIdempotencyFailed(ctx, idemKey); markErr != nil {
				logger.Warn().Err(markErr).Msg("Failed to release idempotency key")
			}
		}
		middleware.WriteError(w, r, err)
		return
	}

	body, err := json.Marshal(details)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if idemKey != "" {
		if err := h.idempotency.MarkIdempotencyComplete(ctx, idemKey, body, h.idempotencyTTL); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache idempotent response")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	w.Write(body)
}

func (h *ReservationHandler) HostAction(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	id, err := reservationID(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	var req hostActionRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	result, err := h.service.HostDecision(r.Context(), id, caller, Decision(req.Action), req.Reason)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	id, err := reservationID(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	var req cancelRequest
	if err := decodeAndValidate(r, &req, true); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	result, err := h.service.Cancel(r.Context(), id, caller, req.Reason)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

func (h *ReservationHandler) PayRemaining(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	id, err := reservationID(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	payment, err := h.service.PayRemaining(r.Context(), id, caller)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, payment)
}

func (h *ReservationHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	id, err := reservationID(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	details, err := h.service.Get(r.Context(), id, caller)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, details)
}

func (h *ReservationHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	page, err := queryInt(q.Get("page"))
	if err != nil {
		middleware.WriteError(w, r, apperror.Validation("page must be an integer"))
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		middleware.WriteError(w, r, apperror.Validation("limit must be an integer"))
		return
	}

	result, err := h.service.List(r.Context(), caller, model.ReservationStatus(q.Get("status")), page, limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, result)
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
