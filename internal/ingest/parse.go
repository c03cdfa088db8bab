package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"vnidsd/internal/model"
	"vnidsd/internal/vnidserr"
)

// wireEvent mirrors the subset of the subprocess's NDJSON event shape
// spec.md §4.3 and §7 document. Fields absent from a given event_type are
// simply left zero.
type wireEvent struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`

	SrcIP    string `json:"src_ip"`
	SrcPort  int    `json:"src_port"`
	DestIP   string `json:"dest_ip"`
	DestPort int    `json:"dest_port"`
	Proto    string `json:"proto"`
	AppProto string `json:"app_proto"`

	Alert *struct {
		SignatureID int64  `json:"signature_id"`
		GID         int64  `json:"gid"`
		Signature   string `json:"signature"`
		Severity    int    `json:"severity"`
	} `json:"alert"`

	Anomaly *struct {
		Type string `json:"type"`
	} `json:"anomaly"`

	SomeIP *wireSomeIP `json:"someip"`
	DoIP   *wireDoIP   `json:"doip"`

	Stats *wireStats `json:"stats"`
}

type wireSomeIP struct {
	ServiceID uint16 `json:"service_id"`
	MethodID  uint16 `json:"method_id"`
	ClientID  uint16 `json:"client_id"`
}

type wireDoIP struct {
	SourceAddress uint16 `json:"source_address"`
	TargetAddress uint16 `json:"target_address"`
}

// wireStats mirrors the nested capture/decoder/detect/flow_mgr substructure
// of a stats event (spec.md §7).
type wireStats struct {
	Capture struct {
		KernelPackets int64 `json:"kernel_packets"`
		KernelDrops   int64 `json:"kernel_drops"`
	} `json:"capture"`
	Decoder struct {
		Bytes int64 `json:"bytes"`
	} `json:"decoder"`
	Detect struct {
		Alert int64 `json:"alert"`
	} `json:"detect"`
	FlowMgr struct {
		FlowsActive int64 `json:"flows_active"`
	} `json:"flow_mgr"`
	Flow struct {
		Memuse int64 `json:"memuse"`
	} `json:"flow"`
}

var errUnknownEventType = vnidserr.New(vnidserr.KindParse, "unknown event_type")

// parseLine decodes a single NDJSON line. If it is a stats event, isStats
// is true and the returned Stats snapshot should replace the latest one
// atomically; otherwise it is attempted as a security event. A "flow"
// event_type is a recognized-but-ignored case, per spec.md §4.3: it
// returns a zero Event with isStats false and err nil, distinguishable
// from a real event by its empty ID.
func parseLine(line []byte) (ev model.Event, st model.Stats, isStats bool, err error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return model.Event{}, model.Stats{}, false, vnidserr.Wrap(vnidserr.KindParse, "decode json", err)
	}

	eventType := strings.ToLower(w.EventType)
	seconds, micros := parseTimestamp(w.Timestamp)

	if eventType == "stats" {
		return model.Event{}, toStats(w.Stats), true, nil
	}
	if eventType == "flow" {
		return model.Event{}, model.Stats{}, false, nil
	}

	ev = model.Event{
		ID:           uuid.NewString(),
		Seconds:      seconds,
		Microseconds: micros,
		Source:       model.Endpoint{Address: w.SrcIP, Port: uint16(w.SrcPort)},
		Destination:  model.Endpoint{Address: w.DestIP, Port: uint16(w.DestPort)},
		Protocol:     resolveProtocol(w.Proto, w.AppProto),
	}

	switch eventType {
	case "alert":
		if w.Alert == nil {
			return model.Event{}, model.Stats{}, false, errUnknownEventType
		}
		ev.Kind = model.KindAlert
		ev.Rule = model.Rule{SignatureID: w.Alert.SignatureID, GroupID: w.Alert.GID}
		ev.Severity = model.SeverityFromPriority(w.Alert.Severity)
		ev.Message = w.Alert.Signature
	case "anomaly":
		if w.Anomaly == nil {
			return model.Event{}, model.Stats{}, false, errUnknownEventType
		}
		ev.Kind = model.KindAnomaly
		ev.Severity = model.SeverityMedium
		ev.Message = w.Anomaly.Type
	default:
		return model.Event{}, model.Stats{}, false, errUnknownEventType
	}

	promoteAutomotive(&ev, w.SomeIP, w.DoIP)
	ev.Truncate()
	return ev, model.Stats{}, false, nil
}

// resolveProtocol applies spec.md §4.3's rule: app_proto wins over the
// transport proto when it is a recognized value.
func resolveProtocol(proto, appProto string) model.Protocol {
	if p := model.ProtocolFromString(strings.ToLower(appProto)); p != model.ProtocolUnknown {
		return p
	}
	return model.ProtocolFromString(strings.ToLower(proto))
}

// promoteAutomotive upgrades the protocol discriminator to SomeIP/DoIP when
// the matching sub-object is present with non-zero key fields, per
// spec.md §4.3.
func promoteAutomotive(ev *model.Event, someip *wireSomeIP, doip *wireDoIP) {
	if someip != nil && (someip.ServiceID != 0 || someip.MethodID != 0) {
		ev.Protocol = model.ProtocolSomeIP
		ev.Metadata = &model.Metadata{SomeIP: &model.SomeIPMeta{
			ServiceID: someip.ServiceID,
			MethodID:  someip.MethodID,
			ClientID:  someip.ClientID,
		}}
		return
	}
	if doip != nil && (doip.SourceAddress != 0 || doip.TargetAddress != 0) {
		ev.Protocol = model.ProtocolDoIP
		ev.Metadata = &model.Metadata{DoIP: &model.DoIPMeta{
			SourceAddress: doip.SourceAddress,
			TargetAddress: doip.TargetAddress,
		}}
	}
}

// parseTimestamp splits an ISO-8601 timestamp into (unix seconds, micros).
// An unparseable or empty timestamp falls back to the current time, the
// same "never fail the line over one field" posture as the teacher's
// suricata normalizer.
func parseTimestamp(s string) (int64, int32) {
	if s == "" {
		now := time.Now().UTC()
		return now.Unix(), int32(now.Nanosecond() / 1000)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		now := time.Now().UTC()
		return now.Unix(), int32(now.Nanosecond() / 1000)
	}
	return t.Unix(), int32(t.Nanosecond() / 1000)
}

func toStats(w *wireStats) model.Stats {
	if w == nil {
		return model.Stats{}
	}
	return model.Stats{
		PacketsCaptured: w.Capture.KernelPackets,
		PacketsDropped:  w.Capture.KernelDrops,
		Bytes:           w.Decoder.Bytes,
		AlertsTotal:     w.Detect.Alert,
		FlowsActive:     w.FlowMgr.FlowsActive,
		MemoryMB:        w.Flow.Memuse / (1024 * 1024),
	}
}
