package wire

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pushwire/pushwire-go/session"
)

func TestDecodeValidatesTypePayloadPairing(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{"hello round trip", `{"type":"hello","hello":{"credential":"tok","client_kind":"cli"}}`, ""},
		{"hello without payload", `{"type":"hello"}`, "without hello payload"},
		{"heartbeat needs no payload", `{"type":"heartbeat"}`, ""},
		{"heartbeat ack needs no payload", `{"type":"heartbeat_ack"}`, ""},
		{"sync without payload", `{"type":"reconnection_sync"}`, "without sync payload"},
		{"event without payload", `{"type":"event"}`, "without event payload"},
		{"empty batch", `{"type":"event_batch","events":[]}`, "without events"},
		{"unknown type", `{"type":"subscribe"}`, "unknown message type"},
		{"garbage", `{`, "decode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.frame))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				if msg == nil {
					t.Fatal("Decode returned nil message")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Decode error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestEncodeDecodeSync(t *testing.T) {
	policy := session.ReconnectPolicy{InitialDelay: 1, MaxDelay: 8, Multiplier: 2}
	in := &Message{
		Type: TypeReconnectionSync,
		Sync: &ReconnectionSync{
			MissedEvents: []Event{
				{Sequence: 7, Type: "order.created", Priority: session.PriorityHigh, Payload: json.RawMessage(`{"id":1}`)},
			},
			HadLoss:        true,
			SequenceCursor: 7,
			Policy:         &policy,
		},
	}

	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Sync.SequenceCursor != 7 || !out.Sync.HadLoss {
		t.Fatalf("sync round trip lost fields: %+v", out.Sync)
	}
	if len(out.Sync.MissedEvents) != 1 || out.Sync.MissedEvents[0].Sequence != 7 {
		t.Fatalf("missed events round trip: %+v", out.Sync.MissedEvents)
	}
	if out.Sync.Policy == nil || out.Sync.Policy.Multiplier != 2 {
		t.Fatalf("policy round trip: %+v", out.Sync.Policy)
	}
}

func TestFromMissed(t *testing.T) {
	ev := FromMissed(session.MissedEvent{
		Sequence: 9,
		Type:     "order.updated",
		Priority: session.PriorityNormal,
		Payload:  json.RawMessage(`{"id":2}`),
	})
	if ev.Sequence != 9 || ev.Type != "order.updated" || ev.Priority != session.PriorityNormal {
		t.Fatalf("FromMissed = %+v", ev)
	}
}
