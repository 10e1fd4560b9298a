package chatsync

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMeta          = []byte("meta")

	keySavedAt = []byte("saved_at")
)

// Snapshot is a point-in-time copy of the directory and message logs, used
// to warm-start a store before the first fetch completes.
type Snapshot struct {
	Conversations []Conversation
	Messages      map[string][]Message
	SavedAt       time.Time
}

// Snapshot copies the directory and every message log.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Conversations: s.dir.list(),
		Messages:      make(map[string][]Message),
		SavedAt:       time.Now().UTC(),
	}
	for _, id := range s.log.conversationIDs() {
		snap.Messages[id] = s.log.messages(id)
	}
	return snap
}

// Restore replaces the directory with the snapshot's and loads its logs.
// Logs of conversations absent from the snapshot are kept.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dir.replace(snap.Conversations)
	for id, msgs := range snap.Messages {
		s.log.setMessages(id, msgs)
	}
}

// ============================================================================
// SnapshotStore
// ============================================================================

// SnapshotStore persists snapshots in a bbolt file.
type SnapshotStore struct {
	db *bbolt.DB
}

// positioned keeps a conversation's directory position, since bbolt
// iterates keys in byte order.
type positioned struct {
	Position     int          `json:"position"`
	Conversation Conversation `json:"conversation"`
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &SnapshotStore{db: db}, nil
}

func (ss *SnapshotStore) Close() error {
	return ss.db.Close()
}

// Save replaces the stored snapshot in one transaction.
func (ss *SnapshotStore) Save(snap Snapshot) error {
	return ss.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		convs := tx.Bucket(bucketConversations)
		for i, c := range snap.Conversations {
			data, err := marshalSnapshot(positioned{Position: i, Conversation: c})
			if err != nil {
				return fmt.Errorf("encode conversation %s: %w", c.ID, err)
			}
			if err := convs.Put([]byte(c.ID), data); err != nil {
				return err
			}
		}

		msgs := tx.Bucket(bucketMessages)
		for id, log := range snap.Messages {
			data, err := marshalSnapshot(log)
			if err != nil {
				return fmt.Errorf("encode messages of %s: %w", id, err)
			}
			if err := msgs.Put([]byte(id), data); err != nil {
				return err
			}
		}

		savedAt := make([]byte, 8)
		binary.BigEndian.PutUint64(savedAt, uint64(snap.SavedAt.UnixMilli()))
		return tx.Bucket(bucketMeta).Put(keySavedAt, savedAt)
	})
}

// Load reads the stored snapshot. An empty store yields an empty snapshot.
func (ss *SnapshotStore) Load() (Snapshot, error) {
	snap := Snapshot{Messages: make(map[string][]Message)}
	err := ss.db.View(func(tx *bbolt.Tx) error {
		var ordered []positioned
		err := tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var p positioned
			if err := unmarshalSnapshot(v, &p); err != nil {
				return fmt.Errorf("decode conversation %s: %w", k, err)
			}
			ordered = append(ordered, p)
			return nil
		})
		if err != nil {
			return err
		}
		snap.Conversations = make([]Conversation, len(ordered))
		for _, p := range ordered {
			if p.Position >= 0 && p.Position < len(ordered) {
				snap.Conversations[p.Position] = p.Conversation
			}
		}

		err = tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var log []Message
			if err := unmarshalSnapshot(v, &log); err != nil {
				return fmt.Errorf("decode messages of %s: %w", k, err)
			}
			snap.Messages[string(k)] = log
			return nil
		})
		if err != nil {
			return err
		}

		if v := tx.Bucket(bucketMeta).Get(keySavedAt); len(v) == 8 {
			snap.SavedAt = time.UnixMilli(int64(binary.BigEndian.Uint64(v))).UTC()
		}
		return nil
	})
	return snap, err
}

// Snapshots reuse the JSON field names so stored records read like the wire
// format.
func marshalSnapshot(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalSnapshot(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
