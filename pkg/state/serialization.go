package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/mod/semver"
)

// DocumentFormat is the version of the serialized envelope.
const DocumentFormat = 1

var (
	// ErrInvalidDocument indicates a serialized state that cannot be parsed.
	ErrInvalidDocument = errors.New("invalid state document")

	// ErrChecksumMismatch indicates a serialized state whose payload does not match its checksum.
	ErrChecksumMismatch = errors.New("state checksum mismatch")

	// ErrUnsupportedFormat indicates an envelope produced by an unknown format version.
	ErrUnsupportedFormat = errors.New("unsupported state document format")
)

// SerializationOptions controls what a serialized document contains.
type SerializationOptions struct {
	Compress        bool
	IncludeMetadata bool
	IncludeHistory  bool
}

// DefaultSerializationOptions includes metadata and history without compression.
func DefaultSerializationOptions() SerializationOptions {
	return SerializationOptions{
		IncludeMetadata: true,
		IncludeHistory:  true,
	}
}

type envelope struct {
	Format     *int    `json:"format"`
	Compressed *bool   `json:"compressed"`
	Checksum   *string `json:"checksum"`
	Payload    *string `json:"payload"`
}

type entry struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}

type stateDocument struct {
	StateID      string          `json:"state_id"`
	Version      string          `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	LastModified time.Time       `json:"last_modified"`
	Arguments    []entry         `json:"arguments"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	History      []ExecutionStep `json:"history,omitempty"`
}

var zstdCodec = sync.OnceValues(func() (*zstd.Encoder, *zstd.Decoder) {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)

	return enc, dec
})

// Serialize renders the state as a versioned, checksummed document.
func Serialize(s *GraphState, opts SerializationOptions) ([]byte, error) {
	snapshot := s.Clone()

	doc := stateDocument{
		StateID:      snapshot.id,
		Version:      snapshot.version,
		CreatedAt:    snapshot.createdAt,
		LastModified: snapshot.lastModified,
		Arguments:    make([]entry, 0, len(snapshot.keys)),
	}

	for _, k := range snapshot.keys {
		doc.Arguments = append(doc.Arguments, entry{Key: k, Value: snapshot.values[k]})
	}

	if opts.IncludeMetadata {
		doc.Metadata = snapshot.metadata
	}

	if opts.IncludeHistory {
		doc.History = snapshot.history
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state %s: %w", snapshot.id, err)
	}

	if opts.Compress {
		enc, _ := zstdCodec()
		if enc == nil {
			return nil, errors.New("zstd encoder unavailable")
		}

		payload = enc.EncodeAll(payload, nil)
	}

	sum := sha256.Sum256(payload)
	format := DocumentFormat
	compressed := opts.Compress
	checksum := hex.EncodeToString(sum[:])
	encoded := base64.StdEncoding.EncodeToString(payload)

	out, err := json.Marshal(envelope{
		Format:     &format,
		Compressed: &compressed,
		Checksum:   &checksum,
		Payload:    &encoded,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state envelope: %w", err)
	}

	return out, nil
}

// Deserialize parses a document produced by Serialize, verifying its checksum.
func Deserialize(data []byte) (*GraphState, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	payload, err := base64.StdEncoding.Strict().DecodeString(*env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %w", ErrInvalidDocument, err)
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != *env.Checksum {
		return nil, ErrChecksumMismatch
	}

	if *env.Compressed {
		_, dec := zstdCodec()
		if dec == nil {
			return nil, errors.New("zstd decoder unavailable")
		}

		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompression: %w", ErrInvalidDocument, err)
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var doc stateDocument
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrInvalidDocument, err)
	}

	if doc.StateID == "" {
		return nil, fmt.Errorf("%w: missing state id", ErrInvalidDocument)
	}

	if !semver.IsValid("v" + doc.Version) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, doc.Version)
	}

	s := &GraphState{
		id:           doc.StateID,
		version:      doc.Version,
		createdAt:    doc.CreatedAt,
		lastModified: doc.LastModified,
		values:       make(map[string]any, len(doc.Arguments)),
		metadata:     make(map[string]any, len(doc.Metadata)),
		history:      doc.History,
	}

	for _, e := range doc.Arguments {
		if _, dup := s.values[e.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidDocument, e.Key)
		}

		s.keys = append(s.keys, e.Key)
		s.values[e.Key] = normalize(e.Value)
	}

	for k, v := range doc.Metadata {
		s.metadata[k] = normalize(v)
	}

	return s, nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))

	var fields map[string]json.RawMessage
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidDocument)
	}

	var env envelope

	// Keys must match exactly, letter case included.
	targets := map[string]any{
		"format":     &env.Format,
		"compressed": &env.Compressed,
		"checksum":   &env.Checksum,
		"payload":    &env.Payload,
	}

	for key, raw := range fields {
		target, ok := targets[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown envelope field %q", ErrInvalidDocument, key)
		}

		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("%w: field %s: %w", ErrInvalidDocument, key, err)
		}
	}

	if env.Format == nil || env.Compressed == nil || env.Checksum == nil || env.Payload == nil {
		return nil, fmt.Errorf("%w: missing envelope field", ErrInvalidDocument)
	}

	if *env.Format != DocumentFormat {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, *env.Format)
	}

	return &env, nil
}
