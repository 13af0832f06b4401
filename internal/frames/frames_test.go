package frames

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	payload := make([]byte, 3200)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	data := Marshal(AudioFrame{Payload: payload, SampleRate: 24000, NumChannels: 1})

	frame, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	if !bytes.Equal(frame.Payload, payload) {
		t.Error("Expected payload to round-trip byte-identical")
	}
	if frame.SampleRate != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", frame.SampleRate)
	}
	if frame.NumChannels != 1 {
		t.Errorf("Expected 1 channel, got %d", frame.NumChannels)
	}
}

func TestMarshalUnmarshal_EmptyPayload(t *testing.T) {
	data := Marshal(AudioFrame{Payload: nil, SampleRate: 16000, NumChannels: 2})

	frame, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	if len(frame.Payload) != 0 {
		t.Errorf("Expected empty payload, got %d bytes", len(frame.Payload))
	}
	if frame.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", frame.SampleRate)
	}
	if frame.NumChannels != 2 {
		t.Errorf("Expected 2 channels, got %d", frame.NumChannels)
	}
}

func TestUnmarshal_PayloadDoesNotAliasInput(t *testing.T) {
	data := Marshal(AudioFrame{Payload: []byte{1, 2, 3, 4}, SampleRate: 24000, NumChannels: 1})

	frame, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	// Clobber the input buffer; the decoded payload must be unaffected.
	for i := range data {
		data[i] = 0xFF
	}

	if !bytes.Equal(frame.Payload, []byte{1, 2, 3, 4}) {
		t.Error("Expected decoded payload to be copied out of the input buffer")
	}
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	// AudioRawFrame with id and name set ahead of the payload, plus an
	// unknown trailing field. Peers must ignore metadata they don't know.
	inner := protowire.AppendTag(nil, 1, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 42)
	inner = protowire.AppendTag(inner, 2, protowire.BytesType)
	inner = protowire.AppendString(inner, "AudioRawFrame")
	inner = protowire.AppendTag(inner, 3, protowire.BytesType)
	inner = protowire.AppendBytes(inner, []byte{9, 9, 9})
	inner = protowire.AppendTag(inner, 4, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 24000)
	inner = protowire.AppendTag(inner, 5, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 1)
	inner = protowire.AppendTag(inner, 99, protowire.VarintType)
	inner = protowire.AppendVarint(inner, 7)

	data := protowire.AppendTag(nil, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, inner)

	frame, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}

	if !bytes.Equal(frame.Payload, []byte{9, 9, 9}) {
		t.Errorf("Expected payload [9 9 9], got %v", frame.Payload)
	}
	if frame.SampleRate != 24000 || frame.NumChannels != 1 {
		t.Errorf("Expected 24000/1, got %d/%d", frame.SampleRate, frame.NumChannels)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	textVariant := protowire.AppendTag(nil, 1, protowire.BytesType)
	textVariant = protowire.AppendBytes(textVariant, []byte("not audio"))

	truncated := Marshal(AudioFrame{Payload: []byte{1, 2, 3}, SampleRate: 24000, NumChannels: 1})
	truncated = truncated[:len(truncated)-4]

	tests := []struct {
		name string
		data []byte
	}{
		{"empty input", nil},
		{"garbage", []byte{0xFF, 0xFF, 0xFF}},
		{"non-audio variant", textVariant},
		{"truncated frame", truncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !errors.Is(err, ErrFrameDecode) {
				t.Errorf("Expected ErrFrameDecode, got %v", err)
			}
		})
	}
}
