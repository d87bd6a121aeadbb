package internalqueue

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketDeviceQueues = []byte("device_queues")

const snapshotKey = "snapshot"

// BoltPersistence snapshots InternalQueue's buffers into a single
// bbolt bucket, following the teacher's bucket-per-entity /
// JSON-marshal-into-bucket pattern (adapted here from cluster object
// storage to a single per-device-job-map snapshot).
type BoltPersistence struct {
	db *bolt.DB
}

// NewBoltPersistence opens (creating if absent) a bbolt database at
// path and ensures the device-queue bucket exists.
func NewBoltPersistence(path string) (*BoltPersistence, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open internal queue store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeviceQueues)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init internal queue store: %w", err)
	}

	return &BoltPersistence{db: db}, nil
}

// Save overwrites the persisted snapshot with the current buffers.
func (p *BoltPersistence) Save(snapshot map[string][]*Job) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal internal queue snapshot: %w", err)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceQueues)
		return b.Put([]byte(snapshotKey), data)
	})
}

// Load reads back the last persisted snapshot, if any.
func (p *BoltPersistence) Load() (map[string][]*Job, error) {
	var snapshot map[string][]*Job
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeviceQueues)
		data := b.Get([]byte(snapshotKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, fmt.Errorf("load internal queue snapshot: %w", err)
	}
	return snapshot, nil
}

// Close closes the underlying database.
func (p *BoltPersistence) Close() error {
	return p.db.Close()
}
