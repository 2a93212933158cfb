package vault

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReceipts = []byte("receipts")
	bucketOrders   = []byte("orders")
)

// Bolt persists receipts in a BoltDB file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt initialises (and migrates) the BoltDB-backed vault.
func OpenBolt(path string, options *bolt.Options) (*Bolt, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReceipts, bucketOrders} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) Mint(ctx context.Context, r Receipt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, err := prepare(r)
	if err != nil {
		return "", err
	}
	orderKey := []byte(strings.ToLower(r.OrderID))
	var id string
	err = b.db.Update(func(tx *bolt.Tx) error {
		orders := tx.Bucket(bucketOrders)
		if existing := orders.Get(orderKey); existing != nil {
			id = string(existing)
			return nil
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketReceipts).Put([]byte(r.ID), raw); err != nil {
			return err
		}
		id = r.ID
		return orders.Put(orderKey, []byte(r.ID))
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *Bolt) Get(ctx context.Context, id string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec Receipt
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketReceipts).Get([]byte(strings.TrimSpace(id)))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *Bolt) ByOrder(ctx context.Context, orderID string) (*Receipt, error) {
	var id string
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketOrders).Get([]byte(strings.ToLower(strings.TrimSpace(orderID))))
		if raw == nil {
			return ErrNotFound
		}
		id = string(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, id)
}

func (b *Bolt) List(ctx context.Context) ([]Receipt, error) {
	var out []Receipt
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceipts).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Receipt
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
