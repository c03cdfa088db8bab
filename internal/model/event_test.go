package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Event embeds a *Metadata pointer, so a plain == comparison does not work
// once two records are expected to be structurally equal but are distinct
// allocations; cmp.Diff handles the pointer dereference for us.
func TestEvent_StructuralEquality(t *testing.T) {
	a := Event{
		ID:       "11111111-1111-1111-1111-111111111111",
		Seconds:  1700000000,
		Kind:     KindAlert,
		Severity: SeverityHigh,
		Protocol: ProtocolSomeIP,
		Source:   Endpoint{Address: "10.0.0.5", Port: 1234},
		Message:  "test alert",
		Metadata: &Metadata{SomeIP: &SomeIPMeta{ServiceID: 256, MethodID: 1, ClientID: 9}},
	}
	b := Event{
		ID:       "11111111-1111-1111-1111-111111111111",
		Seconds:  1700000000,
		Kind:     KindAlert,
		Severity: SeverityHigh,
		Protocol: ProtocolSomeIP,
		Source:   Endpoint{Address: "10.0.0.5", Port: 1234},
		Message:  "test alert",
		Metadata: &Metadata{SomeIP: &SomeIPMeta{ServiceID: 256, MethodID: 1, ClientID: 9}},
	}

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("unexpected diff between structurally equal events:\n%s", diff)
	}

	b.Metadata.SomeIP.ServiceID = 512
	if diff := cmp.Diff(a, b); diff == "" {
		t.Fatal("expected a diff after mutating b's nested metadata")
	}
}

func TestEvent_Truncate(t *testing.T) {
	e := Event{
		ID:      "this-id-is-far-too-long-to-fit-the-36-byte-bound",
		Source:  Endpoint{Address: "2001:0db8:0000:0000:0000:0000:0000:0001-overflow"},
		Message: make32x("x", MaxMessageLen+50),
	}
	e.Truncate()

	if len(e.ID) > MaxIDLen {
		t.Errorf("ID not truncated: len=%d", len(e.ID))
	}
	if len(e.Source.Address) > MaxAddressLen {
		t.Errorf("Source.Address not truncated: len=%d", len(e.Source.Address))
	}
	if len(e.Message) > MaxMessageLen {
		t.Errorf("Message not truncated: len=%d", len(e.Message))
	}
}

func make32x(s string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = s[0]
	}
	return string(out)
}
