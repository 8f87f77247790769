package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBMessage struct {
	ID          string `msgpack:"id"`
	SenderID    string `msgpack:"senderId"`
	ReceiverID  string `msgpack:"receiverId"`
	Body        string `msgpack:"body"`
	ContextID   string `msgpack:"contextId"`
	Read        bool   `msgpack:"read"`
	CreatedAtNs int64  `msgpack:"createdAtNs"`
}

// Key orders messages by creation time within a conversation bucket.
// The raw uuid bytes break ties between messages persisted in the
// same nanosecond.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 24)
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAtNs))
	if id, err := uuid.Parse(m.ID); err == nil {
		key = append(key, id[:]...)
	} else {
		key = append(key, m.ID...)
	}
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		ContextID:  m.ContextID,
		Read:       m.Read,
		CreatedAt:  m.CreatedAtNs / 1e6,
	}
}
