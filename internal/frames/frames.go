// Package frames implements the wire format exchanged with the speech
// pipeline process: a protobuf Frame message whose audio variant carries the
// raw payload plus sample rate and channel count. The codec is written
// directly against the protobuf wire format so unknown fields from newer
// pipeline builds are skipped rather than rejected.
package frames

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the pipeline frame protocol.
//
//	message Frame        { oneof frame { ... AudioRawFrame audio = 2; ... } }
//	message AudioRawFrame { uint64 id = 1; string name = 2; bytes audio = 3;
//	                        uint32 sample_rate = 4; uint32 num_channels = 5; }
const (
	frameAudioField = 2

	audioPayloadField     = 3
	audioSampleRateField  = 4
	audioNumChannelsField = 5
)

// ErrFrameDecode reports a frame that could not be decoded. Callers drop the
// message and keep the connection alive.
var ErrFrameDecode = errors.New("frame decode error")

// AudioFrame is the structured audio unit exchanged with the pipeline.
type AudioFrame struct {
	Payload     []byte
	SampleRate  uint32
	NumChannels uint32
}

// Marshal encodes an AudioFrame into a serialized pipeline Frame.
func Marshal(f AudioFrame) []byte {
	inner := make([]byte, 0, len(f.Payload)+16)
	inner = protowire.AppendTag(inner, audioPayloadField, protowire.BytesType)
	inner = protowire.AppendBytes(inner, f.Payload)
	inner = protowire.AppendTag(inner, audioSampleRateField, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(f.SampleRate))
	inner = protowire.AppendTag(inner, audioNumChannelsField, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(f.NumChannels))

	out := make([]byte, 0, len(inner)+8)
	out = protowire.AppendTag(out, frameAudioField, protowire.BytesType)
	out = protowire.AppendBytes(out, inner)
	return out
}

// Unmarshal decodes a serialized pipeline Frame and returns its audio
// content. Frames without an audio variant, and frames with corrupt wire
// data, fail with ErrFrameDecode.
func Unmarshal(data []byte) (AudioFrame, error) {
	var frame AudioFrame
	found := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return AudioFrame{}, fmt.Errorf("%w: bad tag: %v", ErrFrameDecode, protowire.ParseError(n))
		}
		data = data[n:]

		if num == frameAudioField && typ == protowire.BytesType {
			sub, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return AudioFrame{}, fmt.Errorf("%w: bad audio field: %v", ErrFrameDecode, protowire.ParseError(n))
			}
			data = data[n:]

			af, err := unmarshalAudio(sub)
			if err != nil {
				return AudioFrame{}, err
			}
			frame = af
			found = true
			continue
		}

		// Other frame variants and unknown fields are skipped.
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return AudioFrame{}, fmt.Errorf("%w: bad field %d: %v", ErrFrameDecode, num, protowire.ParseError(n))
		}
		data = data[n:]
	}

	if !found {
		return AudioFrame{}, fmt.Errorf("%w: no audio frame", ErrFrameDecode)
	}
	return frame, nil
}

func unmarshalAudio(data []byte) (AudioFrame, error) {
	var frame AudioFrame

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return AudioFrame{}, fmt.Errorf("%w: bad audio tag: %v", ErrFrameDecode, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == audioPayloadField && typ == protowire.BytesType:
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return AudioFrame{}, fmt.Errorf("%w: bad payload: %v", ErrFrameDecode, protowire.ParseError(n))
			}
			// Copy out of the input buffer: callers reuse read buffers.
			frame.Payload = append([]byte(nil), payload...)
			data = data[n:]

		case num == audioSampleRateField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return AudioFrame{}, fmt.Errorf("%w: bad sample rate: %v", ErrFrameDecode, protowire.ParseError(n))
			}
			frame.SampleRate = uint32(v)
			data = data[n:]

		case num == audioNumChannelsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return AudioFrame{}, fmt.Errorf("%w: bad channel count: %v", ErrFrameDecode, protowire.ParseError(n))
			}
			frame.NumChannels = uint32(v)
			data = data[n:]

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return AudioFrame{}, fmt.Errorf("%w: bad audio field %d: %v", ErrFrameDecode, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	return frame, nil
}
