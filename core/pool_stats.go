package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/searchktools/stagehttp/core/http"
	"github.com/searchktools/stagehttp/core/pools"
)

// EngineStats combines service counters with worker pool statistics
type EngineStats struct {
	Service http.Stats            `json:"service"`
	Workers pools.WorkerPoolStats `json:"workers"`
}

// Stats returns a snapshot of the engine
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Service: e.svc.Stats(),
		Workers: e.workers.Stats(),
	}
}

// StatsJSON returns engine statistics as JSON string
func (e *Engine) StatsJSON() string {
	data, _ := json.MarshalIndent(e.Stats(), "", "  ")
	return string(data)
}

// StatsText returns engine statistics as human-readable text
func (e *Engine) StatsText() string {
	s := e.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, `Engine Statistics
=================

Connections:
  Active:   %d
  Accepted: %d
  Timeouts: %d
  Requests: %d

Workers:
  Workers:   %d
  Submitted: %d
  Completed: %d
  Rejected:  %d
  Panicked:  %d
`,
		s.Service.ActiveConns, s.Service.AcceptedConns, s.Service.Timeouts, s.Service.Requests,
		s.Workers.NumWorkers, s.Workers.TasksSubmitted, s.Workers.TasksCompleted,
		s.Workers.TasksRejected, s.Workers.TasksPanicked,
	)
	if len(s.Service.Handlers) > 0 {
		b.WriteString("\nHandlers:\n")
		for _, h := range s.Service.Handlers {
			fmt.Fprintf(&b, "  %-24s count=%d errors=%d avg=%v max=%v\n", h.Name, h.Count, h.Errors, h.Avg, h.Max)
		}
	}
	return b.String()
}
