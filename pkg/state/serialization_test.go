package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *GraphState {
	s := NewFromMap(map[string]any{
		"query":   "weather in lisbon",
		"count":   7,
		"big":     int64(1) << 53,
		"score":   0.875,
		"enabled": true,
		"nothing": nil,
		"tags":    []any{"a", 1, false},
		"nested":  map[string]any{"inner": map[string]any{"depth": 2}},
	})
	s.Set("appended_last", "ok")
	s.SetMetadata("source", "unit-test")
	s.SetMetadata("attempts", 3)

	now := time.Now().UTC()
	s.AppendStep(ExecutionStep{
		NodeID:      "start",
		NodeName:    "Start",
		Status:      models.NodeStatusSuccess,
		StartedAt:   now,
		CompletedAt: now.Add(5 * time.Millisecond),
	})

	return s
}

func TestSerialize_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%t", compress), func(t *testing.T) {
			s := sampleState()
			opts := DefaultSerializationOptions()
			opts.Compress = compress

			data, err := Serialize(s, opts)
			require.NoError(t, err)

			restored, err := Deserialize(data)
			require.NoError(t, err)

			assert.Equal(t, s.ID(), restored.ID())
			assert.Equal(t, s.Version(), restored.Version())
			assert.Equal(t, s.Keys(), restored.Keys())
			assert.True(t, Equal(s, restored))
			assert.True(t, s.CreatedAt().Equal(restored.CreatedAt()))
			require.Len(t, restored.History(), 1)
			assert.Equal(t, "start", restored.History()[0].NodeID)
			assert.Equal(t, 5*time.Millisecond, restored.History()[0].Duration())
		})
	}
}

func TestSerialize_Idempotent(t *testing.T) {
	s := sampleState()

	first, err := Serialize(s, DefaultSerializationOptions())
	require.NoError(t, err)

	restored, err := Deserialize(first)
	require.NoError(t, err)

	second, err := Serialize(restored, DefaultSerializationOptions())
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestSerialize_OptionalSections(t *testing.T) {
	s := sampleState()

	data, err := Serialize(s, SerializationOptions{})
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, s.Arguments(), restored.Arguments())
	assert.Empty(t, restored.Metadata())
	assert.Empty(t, restored.History())
}

func TestSerialize_EnvelopeShape(t *testing.T) {
	data, err := Serialize(sampleState(), SerializationOptions{Compress: true})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Len(t, raw, 4)
	assert.InDelta(t, float64(DocumentFormat), raw["format"], 0)
	assert.Equal(t, true, raw["compressed"])
	assert.Len(t, raw["checksum"], 64)
	assert.NotEmpty(t, raw["payload"])
}

func TestDeserialize_RejectsEverySingleByteCorruption(t *testing.T) {
	for _, compress := range []bool{false, true} {
		data, err := Serialize(sampleState(), SerializationOptions{Compress: compress, IncludeMetadata: true})
		require.NoError(t, err)

		corrupted := append([]byte(nil), data...)

		for i := range data {
			for b := 0; b < 256; b++ {
				if byte(b) == data[i] {
					continue
				}

				corrupted[i] = byte(b)

				if _, err := Deserialize(corrupted); err == nil {
					t.Fatalf("corruption at byte %d to %q (compress=%t) was accepted", i, byte(b), compress)
				}
			}

			corrupted[i] = data[i]
		}
	}
}

func TestDeserialize_Errors(t *testing.T) {
	valid, err := Serialize(sampleState(), DefaultSerializationOptions())
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(valid, &env))

	encode := func(m map[string]any) []byte {
		out, err := json.Marshal(m)
		require.NoError(t, err)

		return out
	}

	without := func(key string) []byte {
		clone := make(map[string]any, len(env))
		for k, v := range env {
			if k != key {
				clone[k] = v
			}
		}

		return encode(clone)
	}

	with := func(key string, value any) []byte {
		clone := make(map[string]any, len(env))
		for k, v := range env {
			clone[k] = v
		}

		clone[key] = value

		return encode(clone)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrInvalidDocument},
		{name: "not json", data: []byte("state"), want: ErrInvalidDocument},
		{name: "missing checksum", data: without("checksum"), want: ErrInvalidDocument},
		{name: "missing payload", data: without("payload"), want: ErrInvalidDocument},
		{name: "unknown field", data: with("extra", 1), want: ErrInvalidDocument},
		{name: "renamed field", data: bytes.Replace(valid, []byte(`"format"`), []byte(`"Format"`), 1), want: ErrInvalidDocument},
		{name: "null field", data: with("compressed", nil), want: ErrInvalidDocument},
		{name: "future format", data: with("format", 2), want: ErrUnsupportedFormat},
		{name: "wrong checksum", data: with("checksum", "00"), want: ErrChecksumMismatch},
		{name: "trailing data", data: append(append([]byte(nil), valid...), []byte("{}")...), want: ErrInvalidDocument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			require.ErrorIs(t, err, tt.want)
		})
	}
}
