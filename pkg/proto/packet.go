package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/schema"
)

var (
	// ErrReceivedPacket is returned when a packet that was parsed off the wire is sent.
	ErrReceivedPacket = errors.New("received packets cannot be sent")
	// ErrInvalidPayload is returned when a payload does not satisfy its kind's schema.
	ErrInvalidPayload = errors.New("invalid packet payload")
	// ErrIDAlreadySet is returned when a correlation or reply id is set twice.
	ErrIDAlreadySet = errors.New("packet id already set")
	// ErrClosed is returned when sending on a connection that has gone away.
	ErrClosed = errors.New("connection closed")
)

var wireIDPattern = regexp.MustCompile(`^([a-z]2[a-z]|generic):[a-z\-0-9]+$`)

// Envelope is the JSON object carried in every websocket text message.
type Envelope struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UUID      string          `json:"uuid,omitempty"`
	ReplyUUID string          `json:"reply_uuid,omitempty"`
}

// Packet is a validated payload of a known kind. The payload is immutable;
// correlation and reply ids may each be set once.
type Packet struct {
	kind     Kind
	data     json.RawMessage
	id       uuid.UUID
	replyTo  uuid.UUID
	received bool
}

// New builds an outbound packet. It fails when payload does not satisfy the kind's schema.
func New(k Kind, payload any) (*Packet, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", k.WireID(), err)
	}
	values, err := decodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, k.WireID(), err)
	}
	if r := schema.Validate(values, k.Schema); r.Invalid {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, k.WireID(), r.Offenses)
	}
	return &Packet{kind: k, data: raw}, nil
}

// MustNew is New for payloads known to be valid at compile time.
func MustNew(k Kind, payload any) *Packet {
	p, err := New(k, payload)
	if err != nil {
		panic(err)
	}
	return p
}

// Reply builds an outbound packet answering req.
func Reply(req *Packet, k Kind, payload any) (*Packet, error) {
	p, err := New(k, payload)
	if err != nil {
		return nil, err
	}
	if err := p.SetReplyTo(req.ID()); err != nil {
		return nil, err
	}
	return p, nil
}

// Kind returns the packet's kind.
func (p *Packet) Kind() Kind { return p.kind }

// Is reports whether the packet is of kind k.
func (p *Packet) Is(k Kind) bool { return p.kind.WireID() == k.WireID() }

// ID returns the correlation id, or uuid.Nil.
func (p *Packet) ID() uuid.UUID { return p.id }

// ReplyTo returns the id of the packet this one answers, or uuid.Nil.
func (p *Packet) ReplyTo() uuid.UUID { return p.replyTo }

// Received reports whether the packet was parsed off the wire.
func (p *Packet) Received() bool { return p.received }

// SetID assigns the correlation id.
func (p *Packet) SetID(id uuid.UUID) error {
	if p.id != uuid.Nil {
		return ErrIDAlreadySet
	}
	p.id = id
	return nil
}

// SetReplyTo marks the packet as the answer to the packet with the given id.
func (p *Packet) SetReplyTo(id uuid.UUID) error {
	if p.replyTo != uuid.Nil {
		return ErrIDAlreadySet
	}
	p.replyTo = id
	return nil
}

// Decode unmarshals the validated payload into v.
func (p *Packet) Decode(v any) error {
	return json.Unmarshal(p.data, v)
}

// Marshal encodes the envelope for sending.
func (p *Packet) Marshal() ([]byte, error) {
	if p.received {
		return nil, ErrReceivedPacket
	}
	env := Envelope{ID: p.kind.WireID(), Data: p.data}
	if p.id != uuid.Nil {
		env.UUID = p.id.String()
	}
	if p.replyTo != uuid.Nil {
		env.ReplyUUID = p.replyTo.String()
	}
	return json.Marshal(env)
}

// Parse decodes a raw message received on a connection that accepts packets of
// direction dir. Anything malformed, unknown, travelling the wrong way or
// failing its schema is dropped and reported as false. Correlation ids that
// are not canonical UUIDs are ignored.
func Parse(raw []byte, dir Direction) (*Packet, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Debug().Err(err).Msg("dropping malformed packet")
		return nil, false
	}
	if !wireIDPattern.MatchString(env.ID) {
		log.Debug().Str("id", env.ID).Msg("dropping packet with malformed id")
		return nil, false
	}
	d, _, _ := strings.Cut(env.ID, ":")
	if Direction(d) != dir && Direction(d) != Generic {
		log.Debug().Str("id", env.ID).Str("expected", string(dir)).Msg("dropping packet travelling the wrong way")
		return nil, false
	}
	k, ok := Lookup(env.ID)
	if !ok {
		log.Debug().Str("id", env.ID).Msg("dropping unknown packet")
		return nil, false
	}

	data := env.Data
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = json.RawMessage("{}")
	}
	values, err := decodeObject(data)
	if err != nil {
		log.Debug().Err(err).Str("id", env.ID).Msg("dropping packet with non-object payload")
		return nil, false
	}
	if r := schema.Validate(values, k.Schema); r.Invalid {
		log.Debug().Str("id", env.ID).Interface("offenses", r.Offenses).Msg("dropping packet failing its schema")
		return nil, false
	}

	p := &Packet{kind: k, data: data, received: true}
	p.id = parseUUID(env.UUID)
	p.replyTo = parseUUID(env.ReplyUUID)
	return p, true
}

func parseUUID(s string) uuid.UUID {
	if len(s) != 36 {
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// decodeObject decodes raw as a JSON object keeping numbers exact.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, errors.New("payload is not an object")
	}
	return values, nil
}
