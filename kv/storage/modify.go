package storage

import "github.com/pingcap-incubator/tinyshard/kv/transaction/order"

// Modify is a single modification to a versioned row. Data is either a Put or a Delete.
type Modify struct {
	Data interface{}
}

type Put struct {
	Key     []byte
	Value   []byte
	Version order.Version
}

// Delete writes a tombstone at Version; older versions stay readable at older snapshots.
type Delete struct {
	Key     []byte
	Version order.Version
}

func (m *Modify) Key() []byte {
	switch m.Data.(type) {
	case Put:
		return m.Data.(Put).Key
	case Delete:
		return m.Data.(Delete).Key
	}
	return nil
}

func (m *Modify) Version() order.Version {
	switch m.Data.(type) {
	case Put:
		return m.Data.(Put).Version
	case Delete:
		return m.Data.(Delete).Version
	}
	return order.Version{}
}
