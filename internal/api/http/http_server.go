package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/olyamironova/ledger-engine/internal/api/dto"
	"github.com/olyamironova/ledger-engine/internal/core"
	"github.com/olyamironova/ledger-engine/internal/domain"
	"github.com/olyamironova/ledger-engine/internal/middleware"
	"go.uber.org/zap"
)

const IdempotencyHeader = "Idempotency-Key"

type HTTPServer struct {
	Eng     *core.Engine
	log     *zap.Logger
	limiter *middleware.RateLimiter
}

func NewHTTPServer(eng *core.Engine, log *zap.Logger, limiter *middleware.RateLimiter) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	if limiter == nil {
		limiter = middleware.PerSecond(0)
	}
	return &HTTPServer{Eng: eng, log: log, limiter: limiter}
}

// Router builds the gin engine. Account routes read the caller from
// X-Account-ID; the admin group is expected to sit behind an operator-only
// ingress.
func (s *HTTPServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	acct := r.Group("/", middleware.Identity(), s.limiter.Middleware())
	acct.POST("/orders", s.submitOrder)
	acct.POST("/orders/buy", s.submitSide(domain.Buy))
	acct.POST("/orders/sell", s.submitSide(domain.Sell))
	acct.GET("/positions/:instrument_id", s.getPosition)
	acct.GET("/stats", s.getStatistics)
	acct.GET("/wallet", s.getWallet)
	acct.GET("/trades", s.listTrades)
	acct.GET("/trades/:id", s.getTrade)

	admin := r.Group("/admin")
	admin.POST("/accounts", s.createAccount)
	admin.GET("/instruments", s.listInstruments)
	admin.POST("/instruments", s.createInstrument)
	admin.PATCH("/instruments/:id", s.updateInstrument)
	admin.POST("/instruments/:id/toggle", s.toggleInstrument)
	admin.POST("/reconcile", s.reconcile)

	return r
}

func (s *HTTPServer) submitOrder(c *gin.Context) {
	var req dto.SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	order, err := req.ToDomain(middleware.AccountID(c), c.GetHeader(IdempotencyHeader))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.execute(c, order)
}

func (s *HTTPServer) submitSide(side domain.Side) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dto.SideOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		order, err := dto.SubmitOrderRequest{
			InstrumentID: req.InstrumentID,
			Side:         string(side),
			Quantity:     req.Quantity,
		}.ToDomain(middleware.AccountID(c), c.GetHeader(IdempotencyHeader))
		if err != nil {
			s.fail(c, err)
			return
		}
		s.execute(c, order)
	}
}

func (s *HTTPServer) execute(c *gin.Context, order domain.OrderRequest) {
	res, err := s.Eng.SubmitOrder(c.Request.Context(), order)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, dto.SubmitOrderResponse{
		Trade:      dto.FromTrade(res.Trade),
		NewBalance: res.NewBalance,
		Replayed:   res.Replayed,
	})
}

func (s *HTTPServer) getPosition(c *gin.Context) {
	accountID, instrumentID := middleware.AccountID(c), c.Param("instrument_id")
	qty, err := s.Eng.GetPosition(c.Request.Context(), accountID, instrumentID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.PositionResponse{AccountID: accountID, InstrumentID: instrumentID, Quantity: qty})
}

func (s *HTTPServer) getStatistics(c *gin.Context) {
	st, err := s.Eng.GetStatistics(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromStatistics(st))
}

func (s *HTTPServer) getWallet(c *gin.Context) {
	w, err := s.Eng.GetBalance(c.Request.Context(), middleware.AccountID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.WalletResponse{AccountID: w.AccountID, Balance: w.Balance, Currency: w.Currency})
}

func (s *HTTPServer) listTrades(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	trades, err := s.Eng.ListTrades(c.Request.Context(), middleware.AccountID(c), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.TradesResponse{Trades: dto.FromTrades(trades)})
}

func (s *HTTPServer) getTrade(c *gin.Context) {
	t, err := s.Eng.GetTrade(c.Request.Context(), middleware.AccountID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromTrade(t))
}

func (s *HTTPServer) createAccount(c *gin.Context) {
	var req dto.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	a, err := s.Eng.CreateAccount(c.Request.Context(), req.AccountID, req.Balance)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.AccountResponse{AccountID: a.ID, Balance: a.Balance, CreatedAt: a.CreatedAt})
}

func (s *HTTPServer) listInstruments(c *gin.Context) {
	list, err := s.Eng.ListInstruments(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.InstrumentsResponse{Instruments: dto.FromInstruments(list)})
}

func (s *HTTPServer) createInstrument(c *gin.Context) {
	var req dto.CreateInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inst, err := s.Eng.CreateInstrument(c.Request.Context(), req.ToDomain())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromInstrument(inst))
}

func (s *HTTPServer) updateInstrument(c *gin.Context) {
	var req dto.UpdateInstrumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	inst, err := s.Eng.UpdateInstrument(c.Request.Context(), c.Param("id"), req.ToDomain())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromInstrument(inst))
}

func (s *HTTPServer) toggleInstrument(c *gin.Context) {
	inst, err := s.Eng.ToggleInstrument(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromInstrument(inst))
}

func (s *HTTPServer) reconcile(c *gin.Context) {
	drift, err := s.Eng.ReconcilePositions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if drift == nil {
		drift = []domain.PositionDrift{}
	}
	c.JSON(http.StatusOK, dto.ReconcileResponse{Clean: len(drift) == 0, Drift: drift})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   domain.ErrInvalidArgument.Error(),
		Message: err.Error(),
	})
}

// fail writes the error kind and message. Internal failures are logged and
// reported without detail.
func (s *HTTPServer) fail(c *gin.Context, err error) {
	kind := domain.Kind(err)
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: kind, Message: msg})
}

// StatusFor maps a ledger error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidSide),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrInstrumentNotFound),
		errors.Is(err, domain.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInstrumentInactive),
		errors.Is(err, domain.ErrInsufficientInventory),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientPosition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrIdempotencyConflict),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrContention),
		errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
