package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format is the leading byte of an encoded request
type Format byte

const (
	// FormatJSON encodes the request as JSON
	FormatJSON Format = 0x00
	// FormatProtobuf encodes the request as a google.protobuf.Struct
	FormatProtobuf Format = 0x01
)

var (
	// ErrUnknownFormat is returned when the payload format cannot be determined
	ErrUnknownFormat = errors.New("unknown payload format")
	// ErrDecode is returned for payloads that do not decode to a request
	ErrDecode = errors.New("failed to decode request")
)

// Codec encodes execution requests for the Redis queue
type Codec struct {
	Format Format
}

// NewCodec returns a codec writing the given format. Decode accepts both.
func NewCodec(format Format) *Codec {
	return &Codec{Format: format}
}

// Encode serializes req with a one-byte format prefix
func (c *Codec) Encode(req *Request) ([]byte, error) {
	var data []byte
	var err error

	switch c.Format {
	case FormatJSON:
		data, err = json.Marshal(req)
	case FormatProtobuf:
		var msg *structpb.Struct
		msg, err = requestToStruct(req)
		if err == nil {
			data, err = proto.Marshal(msg)
		}
	default:
		return nil, fmt.Errorf("%w: format %d", ErrUnknownFormat, c.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	out := make([]byte, len(data)+1)
	out[0] = byte(c.Format)
	copy(out[1:], data)
	return out, nil
}

// Decode detects the format prefix and deserializes a request
func (c *Codec) Decode(data []byte) (*Request, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: payload too short", ErrDecode)
	}

	payload := data[1:]
	switch Format(data[0]) {
	case FormatJSON:
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w (JSON): %v", ErrDecode, err)
		}
		return &req, nil
	case FormatProtobuf:
		var msg structpb.Struct
		if err := proto.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("%w (Protobuf): %v", ErrDecode, err)
		}
		return structToRequest(&msg)
	default:
		return nil, fmt.Errorf("%w: format byte 0x%02X", ErrUnknownFormat, data[0])
	}
}

func requestToStruct(req *Request) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"query":        req.Query,
		"instance_id":  req.InstanceID,
		"window_start": req.WindowStart.UTC().Format(time.RFC3339Nano),
		"window_end":   req.WindowEnd.UTC().Format(time.RFC3339Nano),
		"owner_kind":   string(req.Owner.Kind),
		"owner_id":     req.Owner.ID,
	}
	if len(req.Parameters) > 0 {
		var params map[string]interface{}
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return nil, fmt.Errorf("parameters must be a JSON object: %w", err)
		}
		fields["parameters"] = params
	}
	return structpb.NewStruct(fields)
}

func structToRequest(msg *structpb.Struct) (*Request, error) {
	f := msg.GetFields()
	req := &Request{
		Query:      f["query"].GetStringValue(),
		InstanceID: f["instance_id"].GetStringValue(),
		Owner: Owner{
			Kind: OwnerKind(f["owner_kind"].GetStringValue()),
			ID:   f["owner_id"].GetStringValue(),
		},
	}

	var err error
	if req.WindowStart, err = time.Parse(time.RFC3339Nano, f["window_start"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("%w: window_start: %v", ErrDecode, err)
	}
	if req.WindowEnd, err = time.Parse(time.RFC3339Nano, f["window_end"].GetStringValue()); err != nil {
		return nil, fmt.Errorf("%w: window_end: %v", ErrDecode, err)
	}
	if p := f["parameters"].GetStructValue(); p != nil {
		if req.Parameters, err = json.Marshal(p.AsMap()); err != nil {
			return nil, fmt.Errorf("%w: parameters: %v", ErrDecode, err)
		}
	}
	return req, nil
}
