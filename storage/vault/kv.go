package vault

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"tbc/storage"
)

var (
	receiptPrefix = []byte("receipt:")
	orderPrefix   = []byte("order:")
)

// KV is a Vault over a generic key-value database (in-memory or LevelDB).
type KV struct {
	mu sync.Mutex
	db storage.Database
}

// NewKV wraps db. The vault takes ownership and closes db on Close.
func NewKV(db storage.Database) *KV {
	return &KV{db: db}
}

// NewMemory returns an in-memory vault.
func NewMemory() *KV {
	return NewKV(storage.NewMemDB())
}

// OpenLevelDB opens a LevelDB-backed vault at path.
func OpenLevelDB(path string) (*KV, error) {
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, err
	}
	return NewKV(db), nil
}

func receiptKey(id string) []byte { return append(append([]byte(nil), receiptPrefix...), id...) }

func orderKey(orderID string) []byte {
	return append(append([]byte(nil), orderPrefix...), strings.ToLower(orderID)...)
}

func (v *KV) Mint(ctx context.Context, r Receipt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r, err := prepare(r)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	existing, err := v.db.Get(orderKey(r.OrderID))
	if err == nil {
		return string(existing), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	if err := v.db.Put(receiptKey(r.ID), raw); err != nil {
		return "", err
	}
	if err := v.db.Put(orderKey(r.OrderID), []byte(r.ID)); err != nil {
		return "", err
	}
	return r.ID, nil
}

func (v *KV) Get(ctx context.Context, id string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := v.db.Get(receiptKey(strings.TrimSpace(id)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (v *KV) ByOrder(ctx context.Context, orderID string) (*Receipt, error) {
	id, err := v.db.Get(orderKey(strings.TrimSpace(orderID)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v.Get(ctx, string(id))
}

func (v *KV) List(ctx context.Context) ([]Receipt, error) {
	var out []Receipt
	err := v.db.Iterate(receiptPrefix, func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r Receipt
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (v *KV) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}
