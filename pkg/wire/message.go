package wire

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// HighlightID is the message id of a Highlight.
const HighlightID = 4022

// Message is a decoded side-channel payload.
type Message interface {
	ID() int32
}

// Highlight turns the highlight of one player on or off.
type Highlight struct {
	Player  uuid.UUID
	Enabled bool
}

func (Highlight) ID() int32 { return HighlightID }

// Unknown is a message with an id this package does not decode.
type Unknown struct {
	Type    int32
	Payload []byte
}

func (m Unknown) ID() int32 { return m.Type }

// Decode reads the leading varint id and the body it announces.
func Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	id, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	switch id {
	case HighlightID:
		var m Highlight
		if m.Player, err = ReadUUID(r); err != nil {
			return nil, err
		}
		if m.Enabled, err = ReadBool(r); err != nil {
			return nil, err
		}
		return m, nil
	}
	return Unknown{Type: id, Payload: data[len(data)-r.Len():]}, nil
}

// Encode is the inverse of Decode.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteVarInt(&buf, m.ID()); err != nil {
		return nil, err
	}
	switch m := m.(type) {
	case Highlight:
		if err := WriteUUID(&buf, m.Player); err != nil {
			return nil, err
		}
		if err := WriteBool(&buf, m.Enabled); err != nil {
			return nil, err
		}
	case Unknown:
		buf.Write(m.Payload)
	default:
		return nil, fmt.Errorf("cannot encode message %T", m)
	}
	return buf.Bytes(), nil
}

// Highlights is the set of players highlighted through the side channel.
type Highlights struct {
	mu      sync.RWMutex
	players map[uuid.UUID]struct{}
}

func NewHighlights() *Highlights {
	return &Highlights{players: make(map[uuid.UUID]struct{})}
}

// Handle decodes a packet and applies it. Unknown messages are ignored.
func (h *Highlights) Handle(packet []byte) error {
	m, err := Decode(packet)
	if err != nil {
		return err
	}
	hl, ok := m.(Highlight)
	if !ok {
		log.WithField("id", m.ID()).Debug("Ignoring side-channel message")
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if hl.Enabled {
		h.players[hl.Player] = struct{}{}
	} else {
		delete(h.players, hl.Player)
	}
	return nil
}

func (h *Highlights) Contains(player uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.players[player]
	return ok
}

func (h *Highlights) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.players)
}
