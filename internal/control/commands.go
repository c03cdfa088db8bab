package control

import (
	"encoding/json"
	"fmt"

	"vnidsd/internal/vnidserr"
)

// StatusInfo is the `data` payload of a successful `status` response,
// spec.md §4.6.
type StatusInfo struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	UptimeSeconds   int64  `json:"uptime"`
	SuricataRunning bool   `json:"suricata_running"`
}

// StatsSnapshot is the `data` payload of a successful `get_stats`
// response: merged supervisor, dispatcher, and ingest counters plus the
// last stats event from the subprocess, spec.md §4.6.
type StatsSnapshot struct {
	RestartCount     int     `json:"restart_count"`
	QueuePushed      int64   `json:"queue_pushed"`
	QueuePopped      int64   `json:"queue_popped"`
	QueueDropped     int64   `json:"queue_dropped"`
	Dispatched       int64   `json:"dispatched"`
	StoreErrors      int64   `json:"store_errors"`
	EventsStored     int64   `json:"events_stored"`
	LinesRead        int64   `json:"lines_read"`
	ParseErrors      int64   `json:"parse_errors"`
	PacketsCaptured  int64   `json:"packets_captured"`
	PacketsDropped   int64   `json:"packets_dropped"`
	AlertsTotal      int64   `json:"alerts_total"`
	FlowsActive      int64   `json:"flows_active"`
	MemoryMB         int64   `json:"memory_mb"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	LatencyMicros    int64   `json:"latency_micros"`
	Throughput       float64 `json:"throughput"`
}

// EventSummary is one row of a `list_events` response.
type EventSummary struct {
	Ordinal   int64  `json:"ordinal"`
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Severity  string `json:"severity"`
	Protocol  string `json:"protocol"`
	Message   string `json:"message"`
	Seconds   int64  `json:"timestamp"`
}

// RuleFileStatus is one row of a `validate_rules` response.
type RuleFileStatus struct {
	Path  string `json:"path"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Handler is implemented by the daemon orchestrator; it is the entire
// surface the control plane is allowed to call into, per spec.md §4.6's
// dispatch rules.
type Handler interface {
	Status() StatusInfo
	GetStats() StatsSnapshot
	ReloadRules() error
	SetConfig(key, value string) error
	RequestShutdown()
	ListRules() ([]string, error)
	ListEvents(max int) ([]EventSummary, error)
	ValidateRules() ([]RuleFileStatus, error)
}

// allowedConfigKeys is the whitelist set_config may write to, spec.md
// §4.6.
var allowedConfigKeys = map[string]bool{
	"log_level":         true,
	"eve_socket":        true,
	"rules_dir":         true,
	"max_events":        true,
	"watchdog_interval": true,
	"stats_interval":    true,
}

type setConfigParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type listEventsParams struct {
	Max int `json:"max"`
}

// dispatch decodes and validates a request, calls into h, and builds the
// wire Response. It never panics and never blocks beyond the bounded
// calls Handler exposes.
func dispatch(h Handler, req Request, shuttingDown bool) Response {
	if shuttingDown {
		return errorResponse(vnidserr.CodeShutdownInProgress, "shutdown in progress")
	}

	if err := validateParams(req.Command, req.Params); err != nil {
		return errorResponse(vnidserr.CodeInvalidParams, err.Error())
	}

	switch req.Command {
	case "status":
		return successResponse(h.Status())

	case "get_stats":
		return successResponse(h.GetStats())

	case "reload_rules":
		if err := h.ReloadRules(); err != nil {
			return errorResponse(vnidserr.CodeOf(err), err.Error())
		}
		return Response{Success: true, Message: "rules reload requested"}

	case "set_config":
		var p setConfigParams
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &p)
		}
		if !allowedConfigKeys[p.Key] {
			return errorResponse(vnidserr.CodeInvalidConfigKey, "invalid config key")
		}
		if err := h.SetConfig(p.Key, p.Value); err != nil {
			return errorResponse(vnidserr.CodeOf(err), err.Error())
		}
		return Response{Success: true, Message: "config updated"}

	case "shutdown":
		h.RequestShutdown()
		return Response{Success: true, Message: "shutdown initiated"}

	case "list_rules":
		rules, err := h.ListRules()
		if err != nil {
			return errorResponse(vnidserr.CodeOf(err), err.Error())
		}
		return successResponse(rules)

	case "list_events":
		max := 100
		if len(req.Params) > 0 {
			var p listEventsParams
			if err := json.Unmarshal(req.Params, &p); err == nil && p.Max > 0 {
				max = p.Max
			}
		}
		events, err := h.ListEvents(max)
		if err != nil {
			return errorResponse(vnidserr.CodeOf(err), err.Error())
		}
		return successResponse(events)

	case "validate_rules":
		statuses, err := h.ValidateRules()
		if err != nil {
			return errorResponse(vnidserr.CodeOf(err), err.Error())
		}
		return successResponse(statuses)

	default:
		return errorResponse(vnidserr.CodeInvalidCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func successResponse(data any) Response {
	return Response{Success: true, Data: data}
}

func errorResponse(code vnidserr.Code, msg string) Response {
	return Response{Success: false, ErrorCode: int(code), Error: msg}
}
