package wire

// TopicEnvelope { 1:message_id 2:timestamp 3:payload(Any) }
// Any           { 1:type_url 2:value }

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rainco77/evochora-sub004/internal/domain"
)

// TypeURLPrefix is what writers prepend to the fully-qualified message
// name. Readers accept any prefix; only the part after the first '/' is
// significant.
const TypeURLPrefix = "type.googleapis.com/"

// Envelope is the wrapper around every topic payload.
type Envelope struct {
	MessageID string
	Timestamp int64
	TypeURL   string
	Payload   []byte
}

// NewEnvelope wraps a payload, minting a message id and writer timestamp.
func NewEnvelope(fullName string, payload []byte) Envelope {
	return Envelope{
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		TypeURL:   TypeURLPrefix + fullName,
		Payload:   payload,
	}
}

// FullName strips any URL prefix from a type URL. Everything after the
// first '/' is the fully-qualified message name; URLs without a '/' are
// taken as bare names.
func FullName(typeURL string) string {
	if i := strings.Index(typeURL, "/"); i >= 0 {
		return typeURL[i+1:]
	}
	return typeURL
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() []byte {
	var anyMsg []byte
	anyMsg = appendString(anyMsg, 1, e.TypeURL)
	anyMsg = appendBytes(anyMsg, 2, e.Payload)

	var b []byte
	b = appendString(b, 1, e.MessageID)
	b = appendInt64(b, 2, e.Timestamp)
	b = appendBytes(b, 3, anyMsg)
	return b
}

// UnmarshalEnvelope decodes an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			e.MessageID = string(f.bytes)
		case 2:
			e.Timestamp = int64(f.varint)
		case 3:
			return forEachField(f.bytes, func(af field) error {
				switch af.num {
				case 1:
					e.TypeURL = string(af.bytes)
				case 2:
					e.Payload = make([]byte, len(af.bytes))
					copy(e.Payload, af.bytes)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("op=wire.envelope: %w", err)
	}
	return e, nil
}

// Decoder turns a raw payload into a typed message.
type Decoder func(payload []byte) (any, error)

// Registry resolves payload decoders by fully-qualified message name.
// Populated at startup; unknown names fail with ErrUnknownType.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry returns a registry preloaded with the pipeline's message set.
func NewRegistry() *Registry {
	r := &Registry{decoders: map[string]Decoder{}}
	r.Register(TypeBatchInfo, func(p []byte) (any, error) { return UnmarshalBatchInfo(p) })
	r.Register(TypeMetadataInfo, func(p []byte) (any, error) { return UnmarshalMetadataInfo(p) })
	r.Register(TypeSimulationMetadata, func(p []byte) (any, error) { return UnmarshalSimulationMetadata(p) })
	r.Register(TypeTickDataBatch, func(p []byte) (any, error) { return UnmarshalTickDataBatch(p) })
	return r
}

// Register adds a decoder for a fully-qualified message name.
func (r *Registry) Register(fullName string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[fullName] = d
}

// Decode unwraps an envelope payload by its type URL.
func (r *Registry) Decode(typeURL string, payload []byte) (any, error) {
	name := FullName(typeURL)
	r.mu.RLock()
	d, ok := r.decoders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=wire.decode: %w: %q", domain.ErrUnknownType, typeURL)
	}
	v, err := d(payload)
	if err != nil {
		return nil, fmt.Errorf("op=wire.decode: %w", err)
	}
	return v, nil
}
