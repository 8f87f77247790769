package storage

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"vestnik/internal/models"
)

// DefaultConversationLimit is applied when a caller does not bound a
// conversation query.
const DefaultConversationLimit = 50

var bucketMessages = []byte("messages")

// BoltStore persists direct messages in a bbolt file. Messages live
// in one sub-bucket per unordered user pair, keyed by creation time,
// so conversation queries are a single cursor scan.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// pairKey names the conversation bucket for two users. The ids are
// sorted so both directions land in the same bucket.
func pairKey(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte(ids[0] + "\x00" + ids[1])
}

func splitPairKey(key []byte) (string, string, bool) {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return "", "", false
	}
	return string(key[:i]), string(key[i+1:]), true
}

// Save assigns the message its identity and creation timestamp and
// persists it. The stored record is returned.
func (s *BoltStore) Save(msg models.Message) (models.Message, error) {
	now := s.now()

	dbMsg := DBMessage{
		ID:          uuid.NewString(),
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Body:        msg.Body,
		ContextID:   msg.ContextID,
		CreatedAtNs: now.UnixNano(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(pairKey(msg.SenderID, msg.ReceiverID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return b.Put(dbMsg.Key(), data)
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}

	return dbMsg.toModel(), nil
}

// Conversation returns up to limit messages between the two users in
// creation-time ascending order. A non-positive limit falls back to
// DefaultConversationLimit.
func (s *BoltStore) Conversation(userID, otherUserID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}

	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket(pairKey(userID, otherUserID))
		if b == nil {
			return nil // no messages between this pair
		}

		c := b.Cursor()
		for k, v := c.First(); k != nil && len(messages) < limit; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	return messages, err
}

// MarkRead flips the read flag on every unread message from senderID
// to receiverID. Messages in the reverse direction are untouched.
func (s *BoltStore) MarkRead(senderID, receiverID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket(pairKey(senderID, receiverID))
		if b == nil {
			return nil
		}

		// Collect updates first: mutating under an open cursor
		// invalidates it.
		type update struct{ key, data []byte }
		var updates []update

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			if dbMsg.SenderID != senderID || dbMsg.ReceiverID != receiverID || dbMsg.Read {
				continue
			}
			dbMsg.Read = true
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			key := make([]byte, len(k))
			copy(key, k)
			updates = append(updates, update{key: key, data: data})
		}

		for _, u := range updates {
			if err := b.Put(u.key, u.data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Conversations derives the summary list for a user: one entry per
// counterpart, with the unread count addressed to the user and the
// timestamp of the latest message in either direction. Recomputed
// from history on every call.
func (s *BoltStore) Conversations(userID string) ([]models.ConversationSummary, error) {
	summaries := []models.ConversationSummary{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketMessages)
		c := root.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v != nil {
				continue // not a sub-bucket
			}
			first, second, ok := splitPairKey(k)
			if !ok {
				continue
			}

			var counterpart string
			switch userID {
			case first:
				counterpart = second
			case second:
				counterpart = first
			default:
				continue
			}

			b := root.Bucket(k)
			summary := models.ConversationSummary{UserID: counterpart}
			mc := b.Cursor()
			for mk, mv := mc.First(); mk != nil; mk, mv = mc.Next() {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(mv); err != nil {
					return fmt.Errorf("failed to unmarshal message: %w", err)
				}
				if dbMsg.ReceiverID == userID && !dbMsg.Read {
					summary.Unread++
				}
				if at := dbMsg.CreatedAtNs / 1e6; at > summary.LastMessageAt {
					summary.LastMessageAt = at
				}
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastMessageAt != summaries[j].LastMessageAt {
			return summaries[i].LastMessageAt > summaries[j].LastMessageAt
		}
		return summaries[i].UserID < summaries[j].UserID
	})

	return summaries, nil
}
