package view_server

import (
	"errors"
	"net/http"

	"futuresdash/go_src/dash_errors"
	"futuresdash/go_src/dashboard"
	"futuresdash/go_src/futures_api"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var errNoFuturesAPI = errors.New("instrument REST API is not configured")

type batchDeleteBody struct {
	IDs []string `json:"ids"`
}

// apiFailure maps a REST client error onto the view's response: client
// errors of the resource server pass through, everything else is a bad gateway.
func apiFailure(c *gin.Context, op string, err error) {
	var apiErr *dash_errors.APIRequestError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		respondError(c, apiErr.StatusCode, err)
		return
	}
	logrus.Errorf("ViewServer: %s failed: %v", op, err)
	respondError(c, http.StatusBadGateway, err)
}

func (s *Server) requireAPI(c *gin.Context) bool {
	if s.api == nil {
		respondError(c, http.StatusServiceUnavailable, errNoFuturesAPI)
		return false
	}
	return true
}

// listFutures serves the watchlist, from the local cache when the server is down.
func (s *Server) listFutures(c *gin.Context) {
	var (
		list dashboard.InstrumentList
		err  error
	)
	if kw := c.Query("keyword"); kw != "" {
		list, err = s.dash.SearchInstruments(c.Request.Context(), kw)
	} else {
		list, err = s.dash.Instruments(c.Request.Context())
	}
	if errors.Is(err, dashboard.ErrNoInstrumentSource) {
		respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		apiFailure(c, "list futures", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getFuture(c *gin.Context) {
	if !s.requireAPI(c) {
		return
	}
	f, err := s.api.GetFuture(c.Request.Context(), c.Param("id"))
	if err != nil {
		apiFailure(c, "get future", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) createFuture(c *gin.Context) {
	if !s.requireAPI(c) {
		return
	}
	var in futures_api.FutureInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if in.Symbol == nil || *in.Symbol == "" || in.PricePerPoint == nil {
		respondError(c, http.StatusBadRequest, errors.New("symbol and price_per_point are required"))
		return
	}
	f, err := s.api.CreateFuture(c.Request.Context(), in)
	if err != nil {
		apiFailure(c, "create future", err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (s *Server) updateFuture(c *gin.Context) {
	if !s.requireAPI(c) {
		return
	}
	var in futures_api.FutureInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	f, err := s.api.UpdateFuture(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		apiFailure(c, "update future", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (s *Server) deleteFuture(c *gin.Context) {
	if !s.requireAPI(c) {
		return
	}
	if err := s.api.DeleteFuture(c.Request.Context(), c.Param("id")); err != nil {
		apiFailure(c, "delete future", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) batchDeleteFutures(c *gin.Context) {
	if !s.requireAPI(c) {
		return
	}
	var body batchDeleteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	if len(body.IDs) == 0 {
		respondError(c, http.StatusBadRequest, errors.New("ids must not be empty"))
		return
	}
	if err := s.api.DeleteFutures(c.Request.Context(), body.IDs); err != nil {
		apiFailure(c, "batch delete futures", err)
		return
	}
	c.Status(http.StatusNoContent)
}
