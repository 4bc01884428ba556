package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	instanceKeyPrefix         = "instance:"
	instanceIndexStatusPrefix = "instance:index:status:"
)

// BadgerStore stores saga instances in Badger.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed instance store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

// OpenBadgerStore opens a dedicated Badger DB for instance storage.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Save persists one instance at key "instance:{sagaID}" plus a status index.
func (s *BadgerStore) Save(ctx context.Context, instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("saga: instance cannot be nil")
	}
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := []byte(instanceDataKey(instance.ID))
	newIndexKey := []byte(instanceStatusIndexKey(instance.Status.String(), instance.ID))

	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var oldStatus string
		item, err := txn.Get(key)
		if err == nil {
			var previous Instance
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &previous) }); err == nil {
				oldStatus = previous.Status.String()
			}
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(newIndexKey, []byte{}); err != nil {
			return err
		}
		if oldStatus != "" && oldStatus != instance.Status.String() {
			_ = txn.Delete([]byte(instanceStatusIndexKey(oldStatus, instance.ID)))
		}
		return nil
	})
}

// Get loads one instance by id.
func (s *BadgerStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	var instance Instance
	err := s.db.View(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get([]byte(instanceDataKey(sagaID)))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrInstanceNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &instance) })
	})
	if err != nil {
		return nil, err
	}
	return cloneInstance(&instance), nil
}

// List queries instances by status with pagination.
func (s *BadgerStore) List(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	instances := make([]*Instance, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := []byte(instanceStatusIndexPrefix(filter.Status))
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				key := string(it.Item().Key())
				sagaID := strings.TrimPrefix(key, instanceStatusIndexPrefix(filter.Status))
				instance, err := s.getInTxn(txn, sagaID)
				if err != nil {
					continue
				}
				instances = append(instances, instance)
			}
			return nil
		}

		prefix := []byte(instanceKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			key := string(it.Item().Key())
			if strings.HasPrefix(key, instanceIndexStatusPrefix) {
				continue
			}
			var instance Instance
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &instance) }); err != nil {
				continue
			}
			instances = append(instances, &instance)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	sortInstances(instances)

	total := len(instances)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	limit := filter.Limit
	if limit < 0 {
		limit = 0
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	paged := make([]*Instance, 0, end-offset)
	for _, instance := range instances[offset:end] {
		paged = append(paged, cloneInstance(instance))
	}
	return paged, total, nil
}

// Delete removes one instance and its status index.
func (s *BadgerStore) Delete(ctx context.Context, sagaID string) error {
	key := []byte(instanceDataKey(sagaID))
	return s.db.Update(func(txn *badger.Txn) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		item, err := txn.Get(key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrInstanceNotFound
			}
			return err
		}

		var instance Instance
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &instance) }); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		_ = txn.Delete([]byte(instanceStatusIndexKey(instance.Status.String(), sagaID)))
		return nil
	})
}

func (s *BadgerStore) getInTxn(txn *badger.Txn, sagaID string) (*Instance, error) {
	item, err := txn.Get([]byte(instanceDataKey(sagaID)))
	if err != nil {
		return nil, err
	}
	var instance Instance
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &instance) }); err != nil {
		return nil, err
	}
	return &instance, nil
}

func instanceDataKey(sagaID string) string {
	return instanceKeyPrefix + sagaID
}

func instanceStatusIndexPrefix(status string) string {
	return instanceIndexStatusPrefix + status + ":"
}

func instanceStatusIndexKey(status, sagaID string) string {
	return instanceStatusIndexPrefix(status) + sagaID
}
