// Package model defines the normalized in-memory event record produced by
// ingest and consumed by the store, the dispatcher, and the control plane.
package model

import (
	"fmt"
	"time"
)

// Kind discriminates the shape of a detection event.
type Kind int

const (
	KindAlert Kind = iota
	KindAnomaly
	KindFlow
	KindStats
)

func (k Kind) String() string {
	switch k {
	case KindAlert:
		return "alert"
	case KindAnomaly:
		return "anomaly"
	case KindFlow:
		return "flow"
	case KindStats:
		return "stats"
	default:
		return "unknown"
	}
}

// Severity ranks events from most to least severe. Lower values are more
// severe, matching the priority mapping in spec.md §4.3.
type Severity int

const (
	SeverityCritical Severity = iota
	SeverityHigh
	SeverityMedium
	SeverityLow
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	case SeverityLow:
		return "low"
	default:
		return "info"
	}
}

// SeverityFromPriority maps a Suricata-style integer priority to Severity.
func SeverityFromPriority(priority int) Severity {
	switch priority {
	case 1:
		return SeverityCritical
	case 2:
		return SeverityHigh
	case 3:
		return SeverityMedium
	case 4:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Protocol is a closed enumeration of transport and application protocols,
// including the automotive discriminators required by spec.md §3.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
	ProtocolIGMP
	ProtocolSomeIP
	ProtocolDoIP
	ProtocolGBT32960
	ProtocolHTTP
	ProtocolTLS
	ProtocolDNS
	ProtocolMQTT
	ProtocolFTP
	ProtocolTelnet
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	case ProtocolIGMP:
		return "igmp"
	case ProtocolSomeIP:
		return "someip"
	case ProtocolDoIP:
		return "doip"
	case ProtocolGBT32960:
		return "gbt32960"
	case ProtocolHTTP:
		return "http"
	case ProtocolTLS:
		return "tls"
	case ProtocolDNS:
		return "dns"
	case ProtocolMQTT:
		return "mqtt"
	case ProtocolFTP:
		return "ftp"
	case ProtocolTelnet:
		return "telnet"
	default:
		return "unknown"
	}
}

// ProtocolFromString parses a lowercase protocol token from the wire format.
// Unrecognized tokens map to ProtocolUnknown rather than erroring, since
// ingest must never fail a whole line on an unfamiliar proto field.
func ProtocolFromString(s string) Protocol {
	switch s {
	case "tcp":
		return ProtocolTCP
	case "udp":
		return ProtocolUDP
	case "icmp":
		return ProtocolICMP
	case "igmp":
		return ProtocolIGMP
	case "someip", "some/ip", "some_ip":
		return ProtocolSomeIP
	case "doip":
		return ProtocolDoIP
	case "gbt32960", "gb/t32960", "gb/t-32960":
		return ProtocolGBT32960
	case "http":
		return ProtocolHTTP
	case "tls", "ssl":
		return ProtocolTLS
	case "dns":
		return ProtocolDNS
	case "mqtt":
		return ProtocolMQTT
	case "ftp", "ftp-data":
		return ProtocolFTP
	case "telnet":
		return ProtocolTelnet
	default:
		return ProtocolUnknown
	}
}

// Endpoint is a network endpoint: a bounded address string and a port.
type Endpoint struct {
	Address string // ≤45 bytes (longest IPv6 textual form)
	Port    uint16
}

// MaxAddressLen bounds Endpoint.Address per spec.md §3.
const MaxAddressLen = 45

// MaxMessageLen bounds Event.Message per spec.md §3.
const MaxMessageLen = 256

// MaxIDLen bounds Event.ID per spec.md §3 — exactly the length of a
// canonical UUID string, which is how ingest assigns every event's ID (see
// uuid.NewString in internal/ingest); an identifier in the subprocess's
// event line is not read.
const MaxIDLen = 36

// Rule identifies the matched detection rule, when the event is an alert.
type Rule struct {
	SignatureID int64
	GroupID     int64
}

// Metadata carries protocol-specific fields that do not fit the common
// envelope. Only one of the embedded pointers is ever populated.
type Metadata struct {
	SomeIP *SomeIPMeta
	DoIP   *DoIPMeta
}

// SomeIPMeta carries SOME/IP-specific fields promoted from the subprocess's
// "someip" sub-object.
type SomeIPMeta struct {
	ServiceID uint16
	MethodID  uint16
	ClientID  uint16
}

// DoIPMeta carries DoIP-specific fields promoted from the subprocess's
// "doip" sub-object.
type DoIPMeta struct {
	SourceAddress uint16
	TargetAddress uint16
}

// Event is the normalized in-memory representation of a single detection
// event, produced by ingest and consumed by the store, the dispatcher's
// callbacks, and the control plane.
type Event struct {
	ID           string
	Seconds      int64
	Microseconds int32
	Kind         Kind
	Severity     Severity
	Protocol     Protocol
	Source       Endpoint
	Destination  Endpoint
	Rule         Rule
	Message      string
	Metadata     *Metadata
}

// Time reconstructs a time.Time from the (seconds, microseconds) pair.
func (e Event) Time() time.Time {
	return time.Unix(e.Seconds, int64(e.Microseconds)*1000).UTC()
}

// Truncate clamps Address and Message fields to their documented bounds,
// enforcing the "never unbounded" invariant of spec.md §3.
func (e *Event) Truncate() {
	e.Source.Address = truncate(e.Source.Address, MaxAddressLen)
	e.Destination.Address = truncate(e.Destination.Address, MaxAddressLen)
	e.Message = truncate(e.Message, MaxMessageLen)
	if len(e.ID) > MaxIDLen {
		e.ID = e.ID[:MaxIDLen]
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// String renders a short diagnostic form, used in logs.
func (e Event) String() string {
	return fmt.Sprintf("%s[%s] %s:%d -> %s:%d (%s) %q",
		e.Kind, e.Severity, e.Source.Address, e.Source.Port,
		e.Destination.Address, e.Destination.Port, e.Protocol, e.Message)
}

// Stats is the most recent periodic stats snapshot from the subprocess.
// Only the latest snapshot is ever retained (spec.md §3).
type Stats struct {
	PacketsCaptured int64
	PacketsDropped  int64
	Bytes           int64
	AlertsTotal     int64
	FlowsActive     int64
	FlowsTotal      int64
	MemoryMB        int64
	UptimeSeconds   int64
	LatencyMicros   int64
	Throughput      float64
}
