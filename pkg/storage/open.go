package storage

import (
	"fmt"
)

// Open creates the storage variant selected by typ. An absent bolt
// directory yields a fresh store, an existing one is recovered.
func Open(typ Type, dir string) (Storage, error) {
	switch typ {
	case TypeBolt, "":
		return OpenBolt(dir, nil)
	case TypeMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", typ)
	}
}

// IsFresh reports whether s holds no state at all, in which case the node
// bootstraps instead of restarting.
func IsFresh(s Storage) (bool, error) {
	hs, cs, err := s.InitialState()
	if err != nil {
		return false, err
	}
	last, err := s.LastIndex()
	if err != nil {
		return false, err
	}
	snap, err := s.Snapshot(0, 0)
	if err != nil {
		return false, err
	}
	return hs.IsEmpty() && cs.IsEmpty() && last == 0 && snap.IsEmpty(), nil
}
