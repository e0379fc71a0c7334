package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shiftwise/billing/apperr"
	resp "github.com/shiftwise/billing/response"
	"github.com/shiftwise/billing/usage"

	"github.com/go-chi/chi"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type UsageStore interface {
	UsageRecorder
	UsageReader
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Pricing   Pricer
	Usage     UsageStore
	Accounts  *Accounts
	Processor *Processor
	Logger    *zap.Logger
}

// Service is the billing API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Pricing == nil {
		return nil, fmt.Errorf("nil Pricing is invalid")
	}
	if option.Usage == nil {
		return nil, fmt.Errorf("nil Usage is invalid")
	}
	if option.Accounts == nil {
		return nil, fmt.Errorf("nil Accounts is invalid")
	}
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// PriceRequest is the model of a price quote
type PriceRequest struct {
	PlanID         string `json:"planId" validate:"required"`
	SeatCount      int    `json:"seatCount" validate:"gte=0"`
	OrganizationID string `json:"organizationId"`
}

// UsageRequest is the model of a metered value report
type UsageRequest struct {
	MetricType usage.MetricType `json:"metricType" validate:"required"`
	Value      decimal.Decimal  `json:"value"`
}

// SeatsRequest is the model of a seat count change
type SeatsRequest struct {
	SeatCount int `json:"seatCount" validate:"gte=0"`
}

// OverageRequest selects the usage period to bill overage for
type OverageRequest struct {
	BillingPeriod string `json:"billingPeriod"`
}

func decode(r *http.Request, v interface{}) *resp.Error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return resp.ErrInvalidJson()
	}
	if err := validate.Struct(v); err != nil {
		return resp.ErrBadRequest().AddMessages(err.Error())
	}
	return nil
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, logger *zap.Logger, msg string, err error) {
	e := resp.FromError(err)
	if e.StatusCode >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
	}
	resp.WriteError(w, r, e)
}

func (s *Service) quotePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if e := decode(r, &req); e != nil {
		resp.WriteError(w, r, e)
		return
	}
	logger := s.Logger.With(
		zap.String("PlanID", req.PlanID),
		zap.String("OrganizationID", req.OrganizationID),
	)

	breakdown, err := s.Pricing.CalculatePrice(r.Context(), req.PlanID, req.SeatCount, req.OrganizationID)
	if err != nil {
		s.fail(w, r, logger, "Unable to calculate price", err)
		return
	}
	resp.WriteResponse(w, r, breakdown)
}

func (s *Service) recordUsage(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	logger := s.Logger.With(zap.String("OrganizationID", orgID))

	var req UsageRequest
	if e := decode(r, &req); e != nil {
		resp.WriteError(w, r, e)
		return
	}

	metric, err := s.Usage.RecordUsage(r.Context(), orgID, req.MetricType, req.Value)
	if err != nil {
		s.fail(w, r, logger, "Unable to record usage", err)
		return
	}
	if metric == nil {
		// dropped: no billable subscription
		w.WriteHeader(http.StatusAccepted)
		return
	}
	resp.WriteResponseWithStatus(w, r, http.StatusCreated, metric)
}

func (s *Service) getUsage(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	logger := s.Logger.With(zap.String("OrganizationID", orgID))

	period := r.URL.Query().Get("period")
	if len(period) > 0 && !usage.ValidPeriod(period) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("period must be formatted as YYYY-MM"))
		return
	}

	values, err := s.Usage.GetOrganizationUsage(r.Context(), orgID, period)
	if err != nil {
		s.fail(w, r, logger, "Unable to query usage", err)
		return
	}
	resp.WriteResponse(w, r, values)
}

func (s *Service) createSubscription(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	logger := s.Logger.With(zap.String("OrganizationID", orgID))

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	req.OrganizationID = orgID

	sub, err := s.Accounts.CreateOrganizationSubscription(r.Context(), req)
	if err != nil {
		s.fail(w, r, logger, "Unable to create subscription", err)
		return
	}
	resp.WriteResponseWithStatus(w, r, http.StatusCreated, sub)
}

func (s *Service) updateSeats(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	logger := s.Logger.With(zap.String("OrganizationID", orgID))

	var req SeatsRequest
	if e := decode(r, &req); e != nil {
		resp.WriteError(w, r, e)
		return
	}

	change, err := s.Accounts.UpdateEmployeeCount(r.Context(), orgID, req.SeatCount)
	if err != nil {
		s.fail(w, r, logger, "Unable to update seat count", err)
		return
	}
	resp.WriteResponse(w, r, change)
}

func (s *Service) processBilling(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	logger := s.Logger.With(zap.String("OrganizationID", orgID))

	rec, err := s.Processor.ProcessBilling(r.Context(), orgID)
	if err != nil {
		s.fail(w, r, logger, "Unable to process billing", err)
		return
	}
	resp.WriteResponse(w, r, rec)
}

func (s *Service) billOverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "id")
	logger := s.Logger.With(zap.String("OrganizationID", orgID))

	var req OverageRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp.WriteError(w, r, resp.ErrInvalidJson())
			return
		}
	}

	rec, err := s.overage(ctx, orgID, req.BillingPeriod)
	if err != nil {
		s.fail(w, r, logger, "Unable to calculate overage", err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	resp.WriteResponse(w, r, rec)
}

func (s *Service) overage(ctx context.Context, orgID, period string) (*Record, error) {
	if len(period) == 0 {
		period = usage.PreviousPeriod(s.Processor.Now())
	}
	if !usage.ValidPeriod(period) {
		return nil, apperr.Validation("billingPeriod", "must be formatted as YYYY-MM")
	}
	sub, err := s.Processor.Subscriptions.FindCurrent(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, apperr.NotFound("subscription", orgID)
	}
	return s.Processor.CalculateOverageCharges(ctx, sub, period)
}

func (s *Service) listRecords(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	logger := s.Logger.With(zap.String("OrganizationID", orgID))

	limit := 50
	if v := r.URL.Query().Get("limit"); len(v) > 0 {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := s.Processor.Records.ListByOrganization(r.Context(), orgID, limit)
	if err != nil {
		s.fail(w, r, logger, "Unable to list billing records", err)
		return
	}
	resp.WriteResponse(w, r, records)
}

// Router will return the routes under billing API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/prices", s.quotePrice)

	r.Route("/organizations/{id}", func(r chi.Router) {
		r.Get("/usage", s.getUsage)
		r.Post("/usage", s.recordUsage)
		r.Post("/subscription", s.createSubscription)
		r.Put("/seats", s.updateSeats)
		r.Post("/billing", s.processBilling)
		r.Post("/overage", s.billOverage)
		r.Get("/records", s.listRecords)
	})

	return r
}
