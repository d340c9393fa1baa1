package view_server

import (
	"io"

	"futuresdash/go_src/series"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// streamChart pushes the chart dataset as server-sent events: the current one
// at once, then every replacement. Each client holds one store listener for
// the life of its request.
func (s *Server) streamChart(c *gin.Context) {
	store := s.dash.Store()

	// Only the newest dataset matters; a slow client skips intermediate ones.
	updates := make(chan *series.ChartDataset, 1)
	id := store.AddListener(func(ds *series.ChartDataset) {
		for {
			select {
			case updates <- ds:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer store.RemoveListener(id)
	logrus.Debugf("ViewServer: Chart stream opened for %s", c.ClientIP())

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ds := <-updates:
			c.SSEvent("chart", ds)
			return true
		case <-ctx.Done():
			return false
		}
	})
	logrus.Debugf("ViewServer: Chart stream closed for %s", c.ClientIP())
}
