package wire

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/dtn-router/model"
)

func sampleBundle() *model.Bundle {
	created := time.Date(2024, 3, 1, 12, 0, 0, 500, time.UTC)
	return &model.Bundle{
		ID:              model.BundleID{Source: "cc-0", Seq: 17},
		Source:          "cc-0",
		Destination:     "hospital-1",
		Priority:        model.PriorityMedical,
		CreatedAt:       created,
		TTL:             time.Hour,
		HopCount:        3,
		Retransmissions: 4,
		Payload:         []byte("triage update"),
		RoutePath:       []model.NodeID{"cc-0", "drone-2", "resp-5"},
		LastForwardAt:   created.Add(90 * time.Second),
		SprayBudget:     6,
		EnergyCost:      0.0125,
	}
}

func TestFramePreservesBundleMetadata(t *testing.T) {
	in := Frame{Bundle: sampleBundle(), Sender: "resp-5", NextHop: "hospital-1"}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	got, want := out.Bundle, in.Bundle
	if got.ID != want.ID || got.Source != want.Source || got.Destination != want.Destination {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || got.TTL != want.TTL {
		t.Fatalf("lifetime mismatch: created %v ttl %v", got.CreatedAt, got.TTL)
	}
	if got.HopCount != 3 || got.Retransmissions != 4 || got.SprayBudget != 6 {
		t.Fatalf("counters mismatch: %+v", got)
	}
	if !got.LastForwardAt.Equal(want.LastForwardAt) || got.EnergyCost != want.EnergyCost {
		t.Fatalf("forward state mismatch: %+v", got)
	}
	if len(got.RoutePath) != 3 || got.RoutePath[1] != "drone-2" {
		t.Fatalf("route path = %v", got.RoutePath)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("payload = %q", got.Payload)
	}
	if out.Sender != "resp-5" || out.NextHop != "hospital-1" {
		t.Fatalf("addressing = %q -> %q", out.Sender, out.NextHop)
	}
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	data, _ := Encode(Frame{Bundle: sampleBundle()})
	out, _ := Decode(data)
	for i := range data {
		data[i] = 0
	}
	if string(out.Bundle.Payload) != "triage update" {
		t.Fatalf("decoded payload aliases the frame buffer: %q", out.Bundle.Payload)
	}
}

func TestDerivedScoresAreNotTransmitted(t *testing.T) {
	b := sampleBundle()
	b.UrgencyScore = 0.9
	b.DeliveryProbability = 0.8
	data, _ := Encode(Frame{Bundle: b})
	out, _ := Decode(data)
	if out.Bundle.UrgencyScore != 0 || out.Bundle.DeliveryProbability != 0 {
		t.Fatalf("derived scores crossed the wire: %+v", out.Bundle)
	}
}

func TestBroadcastFrameAddressesEveryone(t *testing.T) {
	data, _ := Encode(Frame{Bundle: sampleBundle(), Sender: "cc-0"})
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.Addressed("anyone") {
		t.Fatalf("broadcast frame should address every node")
	}

	data, _ = Encode(Frame{Bundle: sampleBundle(), NextHop: "b"})
	out, _ = Decode(data)
	if out.Addressed("c") || !out.Addressed("b") {
		t.Fatalf("unicast frame addressing wrong")
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	data, _ := Encode(Frame{Bundle: sampleBundle()})
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from the future")
	data = protowire.AppendTag(data, 100, protowire.Fixed32Type)
	data = protowire.AppendFixed32(data, 7)

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode with unknown fields: %v", err)
	}
	if out.Bundle.ID.Seq != 17 {
		t.Fatalf("seq = %d", out.Bundle.ID.Seq)
	}
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("Decode(nil) = %v", err)
	}

	data, _ := Encode(Frame{Bundle: sampleBundle()})
	if _, err := Decode(data[:len(data)-3]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated frame error = %v, want ErrMalformed", err)
	}

	noSource := protowire.AppendTag(nil, fieldSeq, protowire.VarintType)
	noSource = protowire.AppendVarint(noSource, 1)
	if _, err := Decode(noSource); !errors.Is(err, ErrMalformed) {
		t.Fatalf("frame without source error = %v", err)
	}

	if _, err := Encode(Frame{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Encode(nil bundle) = %v", err)
	}
}
