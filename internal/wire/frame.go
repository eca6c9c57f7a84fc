// Package wire encodes bundles for transmission between nodes.
//
// Frames use the protobuf wire format so that unknown fields from newer
// peers are skipped rather than rejected. Derived scores (urgency, delivery
// probability) never leave the node that computed them.
package wire

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/dtn-router/model"
)

// Field numbers of the bundle frame.
const (
	fieldSource          protowire.Number = 1
	fieldSeq             protowire.Number = 2
	fieldDestination     protowire.Number = 3
	fieldPriority        protowire.Number = 4
	fieldCreated         protowire.Number = 5
	fieldTTL             protowire.Number = 6
	fieldHops            protowire.Number = 7
	fieldRetransmissions protowire.Number = 8
	fieldPayload         protowire.Number = 9
	fieldDelivered       protowire.Number = 10
	fieldRoutePath       protowire.Number = 11
	fieldLastForward     protowire.Number = 12
	fieldSprayBudget     protowire.Number = 13
	fieldNextHop         protowire.Number = 14
	fieldSender          protowire.Number = 15
	fieldEnergyCost      protowire.Number = 16
)

var (
	// ErrEmptyFrame is returned when decoding zero bytes.
	ErrEmptyFrame = errors.New("wire: empty frame")
	// ErrMalformed wraps every structural decode failure.
	ErrMalformed = errors.New("wire: malformed frame")
)

// Frame is one transmission: a bundle plus link-level addressing.
type Frame struct {
	Bundle *model.Bundle

	// Sender is the node that transmitted the frame.
	Sender model.NodeID

	// NextHop names the intended receiver; model.Broadcast addresses every
	// neighbour in range.
	NextHop model.NodeID
}

// Addressed reports whether node should process the frame.
func (f Frame) Addressed(node model.NodeID) bool {
	return f.NextHop == model.Broadcast || f.NextHop == node
}

// Encode serialises f.
func Encode(f Frame) ([]byte, error) {
	b := f.Bundle
	if b == nil {
		return nil, fmt.Errorf("%w: nil bundle", ErrMalformed)
	}
	if b.ID.Source == "" {
		return nil, fmt.Errorf("%w: bundle has no source", ErrMalformed)
	}

	out := make([]byte, 0, 64+len(b.Payload))
	out = appendString(out, fieldSource, string(b.ID.Source))
	out = appendVarint(out, fieldSeq, b.ID.Seq)
	out = appendString(out, fieldDestination, string(b.Destination))
	out = appendVarint(out, fieldPriority, uint64(b.Priority))
	out = protowire.AppendTag(out, fieldCreated, protowire.VarintType)
	out = protowire.AppendVarint(out, protowire.EncodeZigZag(b.CreatedAt.UnixNano()))
	out = appendVarint(out, fieldTTL, uint64(b.TTL))
	out = appendVarint(out, fieldHops, uint64(b.HopCount))
	out = appendVarint(out, fieldRetransmissions, uint64(b.Retransmissions))
	if len(b.Payload) > 0 {
		out = protowire.AppendTag(out, fieldPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, b.Payload)
	}
	if b.Delivered {
		out = appendVarint(out, fieldDelivered, protowire.EncodeBool(true))
	}
	for _, hop := range b.RoutePath {
		out = appendString(out, fieldRoutePath, string(hop))
	}
	if !b.LastForwardAt.IsZero() {
		out = protowire.AppendTag(out, fieldLastForward, protowire.VarintType)
		out = protowire.AppendVarint(out, protowire.EncodeZigZag(b.LastForwardAt.UnixNano()))
	}
	if b.SprayBudget > 0 {
		out = appendVarint(out, fieldSprayBudget, uint64(b.SprayBudget))
	}
	if f.NextHop != model.Broadcast {
		out = appendString(out, fieldNextHop, string(f.NextHop))
	}
	if f.Sender != "" {
		out = appendString(out, fieldSender, string(f.Sender))
	}
	if b.EnergyCost != 0 {
		out = protowire.AppendTag(out, fieldEnergyCost, protowire.Fixed64Type)
		out = protowire.AppendFixed64(out, math.Float64bits(b.EnergyCost))
	}
	return out, nil
}

// Decode parses a frame produced by Encode. The returned bundle owns its
// memory; data may be reused by the caller afterwards.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	b := &model.Bundle{}
	f := Frame{Bundle: b}
	var haveSource bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Frame{}, parseErr("tag", n)
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Frame{}, parseErr(fmt.Sprintf("field %d", num), n)
			}
			data = data[n:]
			applyVarint(b, num, v)

		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Frame{}, parseErr(fmt.Sprintf("field %d", num), n)
			}
			data = data[n:]
			switch num {
			case fieldSource:
				b.ID.Source = model.NodeID(v)
				b.Source = b.ID.Source
				haveSource = true
			case fieldDestination:
				b.Destination = model.NodeID(v)
			case fieldPayload:
				b.Payload = append([]byte(nil), v...)
			case fieldRoutePath:
				b.RoutePath = append(b.RoutePath, model.NodeID(v))
			case fieldNextHop:
				f.NextHop = model.NodeID(v)
			case fieldSender:
				f.Sender = model.NodeID(v)
			}

		case typ == protowire.Fixed64Type && num == fieldEnergyCost:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Frame{}, parseErr("energy cost", n)
			}
			data = data[n:]
			b.EnergyCost = math.Float64frombits(v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Frame{}, parseErr(fmt.Sprintf("unknown field %d", num), n)
			}
			data = data[n:]
		}
	}

	if !haveSource || b.ID.Source == "" {
		return Frame{}, fmt.Errorf("%w: missing source", ErrMalformed)
	}
	if !b.Priority.Valid() {
		return Frame{}, fmt.Errorf("%w: priority %d out of range", ErrMalformed, b.Priority)
	}
	return f, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldSeq, fieldPriority, fieldCreated, fieldTTL, fieldHops,
		fieldRetransmissions, fieldDelivered, fieldLastForward, fieldSprayBudget:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldSource, fieldDestination, fieldPayload, fieldRoutePath, fieldNextHop, fieldSender:
		return true
	}
	return false
}

func applyVarint(b *model.Bundle, num protowire.Number, v uint64) {
	switch num {
	case fieldSeq:
		b.ID.Seq = v
	case fieldPriority:
		b.Priority = model.Priority(v)
	case fieldCreated:
		b.CreatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
	case fieldTTL:
		b.TTL = time.Duration(v)
	case fieldHops:
		b.HopCount = uint32(v)
	case fieldRetransmissions:
		b.Retransmissions = uint32(v)
	case fieldDelivered:
		b.Delivered = protowire.DecodeBool(v)
	case fieldLastForward:
		b.LastForwardAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
	case fieldSprayBudget:
		b.SprayBudget = uint32(v)
	}
}

func appendString(out []byte, num protowire.Number, v string) []byte {
	out = protowire.AppendTag(out, num, protowire.BytesType)
	return protowire.AppendString(out, v)
}

func appendVarint(out []byte, num protowire.Number, v uint64) []byte {
	out = protowire.AppendTag(out, num, protowire.VarintType)
	return protowire.AppendVarint(out, v)
}

func parseErr(what string, n int) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, protowire.ParseError(n))
}
