package api

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
)

// stream handles GET /servers/stream: a Server-Sent Events feed of status
// transitions. The first event is a snapshot of all instances so a
// dashboard can render without a second request. The server keeps no
// per-client state beyond the open connection; client disconnect (or hub
// shutdown) ends the subscription.
func (s *Server) stream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	ctx := c.Request.Context()
	events := s.store.Subscribe(ctx)

	snapshot, err := json.Marshal(s.store.List())
	if err == nil {
		fmt.Fprintf(c.Writer, "event: snapshot\n")
		fmt.Fprintf(c.Writer, "data: %s\n\n", snapshot)
		c.Writer.Flush()
	}

	clientGone := ctx.Done()
	for {
		select {
		case <-clientGone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "id: %s\n", ev.ID)
			fmt.Fprintf(c.Writer, "event: transition\n")
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			c.Writer.Flush()
		}
	}
}
