package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Key-exchange payloads are encoded with the protobuf wire format so they stay compatible with
// schema-based decoders. Field numbers are part of the format and must not be reused.

// ErrMalformedPayload is returned when key-exchange content cannot be decoded
var ErrMalformedPayload = errors.New("malformed key-exchange payload")

// Marshal encodes the request.
func (r *GroupKeyRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.RequestID)
	b = appendString(b, 2, r.StreamID)
	b = appendBytes(b, 3, r.PublicKey)
	for _, id := range r.GroupKeyIDs {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b
}

// UnmarshalGroupKeyRequest decodes a GroupKeyRequest.
func UnmarshalGroupKeyRequest(b []byte) (*GroupKeyRequest, error) {
	r := &GroupKeyRequest{}
	err := consumeFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			r.RequestID = string(v)
		case 2:
			r.StreamID = string(v)
		case 3:
			r.PublicKey = copyBytes(v)
		case 4:
			r.GroupKeyIDs = append(r.GroupKeyIDs, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("group key request: %w", err)
	}
	return r, nil
}

// Marshal encodes the response.
func (r *GroupKeyResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.RequestID)
	b = appendString(b, 2, r.StreamID)
	for _, k := range r.EncryptedGroupKeys {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEncryptedKey(k))
	}
	return b
}

// UnmarshalGroupKeyResponse decodes a GroupKeyResponse.
func UnmarshalGroupKeyResponse(b []byte) (*GroupKeyResponse, error) {
	r := &GroupKeyResponse{}
	err := consumeFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			r.RequestID = string(v)
		case 2:
			r.StreamID = string(v)
		case 3:
			k, err := unmarshalEncryptedKey(v)
			if err != nil {
				return err
			}
			r.EncryptedGroupKeys = append(r.EncryptedGroupKeys, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("group key response: %w", err)
	}
	return r, nil
}

// Marshal encodes the announce.
func (a *GroupKeyAnnounce) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.StreamID)
	b = appendString(b, 2, a.EncryptedWithKeyID)
	for _, k := range a.EncryptedGroupKeys {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEncryptedKey(k))
	}
	return b
}

// UnmarshalGroupKeyAnnounce decodes a GroupKeyAnnounce.
func UnmarshalGroupKeyAnnounce(b []byte) (*GroupKeyAnnounce, error) {
	a := &GroupKeyAnnounce{}
	err := consumeFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			a.StreamID = string(v)
		case 2:
			a.EncryptedWithKeyID = string(v)
		case 3:
			k, err := unmarshalEncryptedKey(v)
			if err != nil {
				return err
			}
			a.EncryptedGroupKeys = append(a.EncryptedGroupKeys, k)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("group key announce: %w", err)
	}
	return a, nil
}

// Marshal encodes the error response.
func (e *GroupKeyErrorResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, e.RequestID)
	b = appendString(b, 2, e.StreamID)
	b = appendString(b, 3, e.Code)
	b = appendString(b, 4, e.Message)
	for _, id := range e.GroupKeyIDs {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b
}

// UnmarshalGroupKeyErrorResponse decodes a GroupKeyErrorResponse.
func UnmarshalGroupKeyErrorResponse(b []byte) (*GroupKeyErrorResponse, error) {
	e := &GroupKeyErrorResponse{}
	err := consumeFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			e.RequestID = string(v)
		case 2:
			e.StreamID = string(v)
		case 3:
			e.Code = string(v)
		case 4:
			e.Message = string(v)
		case 5:
			e.GroupKeyIDs = append(e.GroupKeyIDs, string(v))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("group key error response: %w", err)
	}
	return e, nil
}

func marshalEncryptedKey(k EncryptedGroupKey) []byte {
	var b []byte
	b = appendString(b, 1, k.ID)
	b = appendBytes(b, 2, k.Ciphertext)
	if !k.ValidFrom.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(k.ValidFrom.UnixMilli()))
	}
	return b
}

func unmarshalEncryptedKey(b []byte) (EncryptedGroupKey, error) {
	var k EncryptedGroupKey
	err := consumeTypedFields(b, func(num protowire.Number, v []byte) error {
		switch num {
		case 1:
			k.ID = string(v)
		case 2:
			k.Ciphertext = copyBytes(v)
		}
		return nil
	}, func(num protowire.Number, v uint64) error {
		if num == 3 {
			k.ValidFrom = time.UnixMilli(int64(v)).UTC()
		}
		return nil
	})
	if err != nil {
		return EncryptedGroupKey{}, err
	}
	if k.ID == "" {
		return EncryptedGroupKey{}, fmt.Errorf("%w: encrypted group key without id", ErrMalformedPayload)
	}
	return k, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields walks every field of b, passing length-delimited values to fn.
// Fields of other wire types are skipped so newer encoders can add them.
func consumeFields(b []byte, fn func(num protowire.Number, v []byte) error) error {
	return consumeTypedFields(b, fn, nil)
}

// consumeTypedFields is consumeFields that also passes varint values to varint when it is non-nil.
func consumeTypedFields(b []byte, fn func(num protowire.Number, v []byte) error, varint func(num protowire.Number, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		b = b[n:]
		if typ == protowire.VarintType && varint != nil {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
			}
			if err := varint(num, v); err != nil {
				return err
			}
			b = b[n:]
			continue
		}
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, protowire.ParseError(n))
		}
		if err := fn(num, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
