package view_server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"futuresdash/go_src/dash_errors"
	"futuresdash/go_src/dashboard"
	"futuresdash/go_src/series"
	"futuresdash/go_src/subscription"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// queryBody is the POST /api/query payload. Window bounds use "YYYY-MM-DD HH:mm"
// in the dashboard's timezone; empty bounds are open.
type queryBody struct {
	Symbols       []subscription.Instrument `json:"symbols"`
	StartDateShow string                    `json:"start_date_show"`
	EndDateShow   string                    `json:"end_date_show"`
	StartDatePL   string                    `json:"start_date_pl"`
	EndDatePL     string                    `json:"end_date_pl"`
}

type tradePair struct {
	Index       int                `json:"index"`
	Marker      series.TradePoint  `json:"marker"`
	Paired      bool               `json:"paired"`
	PairedIndex int                `json:"paired_index"`
	PairedLeg   *series.TradePoint `json:"paired_marker,omitempty"`
	Hedged      bool               `json:"hedged"`
}

func respondError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.Status())
}

func (s *Server) postConnect(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()
	if err := s.dash.Connect(ctx); err != nil {
		logrus.Warnf("ViewServer: Connect failed: %v", err)
		respondError(c, http.StatusBadGateway, err)
		return
	}
	c.JSON(http.StatusOK, s.dash.Status())
}

func (s *Server) postDisconnect(c *gin.Context) {
	s.dash.Disconnect()
	c.JSON(http.StatusOK, s.dash.Status())
}

func (s *Server) getChart(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.Store().GetChartData())
}

func (s *Server) postQuery(c *gin.Context) {
	var body queryBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	loc := s.dash.Location()
	display, err := subscription.ParseWindow(body.StartDateShow, body.EndDateShow, loc)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	pnl, err := subscription.ParseWindow(body.StartDatePL, body.EndDatePL, loc)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	err = s.dash.Query(dashboard.Query{Instruments: body.Symbols, Display: display, PnL: pnl})
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"request_id": s.dash.Status().LastRequestID})
	case errors.Is(err, dash_errors.ErrNotConnected):
		respondError(c, http.StatusConflict, err)
	case errors.Is(err, dash_errors.ErrNoInstruments), errors.Is(err, dashboard.ErrInvalidQuery):
		respondError(c, http.StatusBadRequest, err)
	default:
		logrus.Errorf("ViewServer: Query failed: %v", err)
		respondError(c, http.StatusBadGateway, err)
	}
}

// getTradePair answers a click on a trade marker: index refers to the
// markers the price chart draws.
func (s *Server) getTradePair(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, http.StatusBadRequest, errors.New("marker index must be an integer"))
		return
	}
	markers := series.VisibleMarkers(s.dash.Store().GetChartData())
	if index < 0 || index >= len(markers) {
		respondError(c, http.StatusNotFound, errors.New("no trade marker at that index"))
		return
	}

	resp := tradePair{Index: index, Marker: markers[index], PairedIndex: -1}
	if other, ok := series.PairedLeg(markers, index); ok {
		resp.Paired = true
		resp.PairedIndex = other
		resp.PairedLeg = &markers[other]
	}
	resp.Hedged = series.IsHedged(markers, markers[index].ID)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, s.dash.Alerts())
}

func (s *Server) deleteAlert(c *gin.Context) {
	if !s.dash.DismissAlert(c.Param("id")) {
		respondError(c, http.StatusNotFound, errors.New("alert not found"))
		return
	}
	c.Status(http.StatusNoContent)
}
