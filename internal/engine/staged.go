package engine

import (
	"sort"
	"time"
)

// Reader is the read side of a partition that Staged layers writes over.
type Reader interface {
	Get(key string) (Record, bool, error)
	// Scan visits records in key order until fn returns false.
	Scan(fn func(Record) bool) error
	ExpiredKeys(now time.Time) ([]string, error)
}

// Staged is a Tx that buffers writes over a Reader so backends without
// native transactions can commit them in one step.
type Staged struct {
	base     Reader
	readOnly bool
	cleared  bool
	writes   map[string]*Record
}

// NewStaged creates a Tx reading through base. Writes fail with ErrReadOnly
// when readOnly is set.
func NewStaged(base Reader, readOnly bool) *Staged {
	return &Staged{
		base:     base,
		readOnly: readOnly,
		writes:   make(map[string]*Record),
	}
}

func (s *Staged) Get(key string) (Record, bool, error) {
	if rec, ok := s.writes[key]; ok {
		if rec == nil {
			return Record{}, false, nil
		}
		return *rec, true, nil
	}
	if s.cleared {
		return Record{}, false, nil
	}
	return s.base.Get(key)
}

func (s *Staged) Put(rec Record) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if rec.Key == "" {
		return ErrEmptyKey
	}
	rec.Value = append([]byte(nil), rec.Value...)
	s.writes[rec.Key] = &rec
	return nil
}

func (s *Staged) Delete(key string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.writes[key] = nil
	return nil
}

func (s *Staged) Clear() error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.cleared = true
	s.writes = make(map[string]*Record)
	return nil
}

func (s *Staged) Scan(fn func(Record) bool) error {
	merged := make(map[string]Record)
	if !s.cleared {
		if err := s.base.Scan(func(rec Record) bool {
			merged[rec.Key] = rec
			return true
		}); err != nil {
			return err
		}
	}
	for key, rec := range s.writes {
		if rec == nil {
			delete(merged, key)
			continue
		}
		merged[key] = *rec
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !fn(merged[key]) {
			return nil
		}
	}
	return nil
}

func (s *Staged) ExpiredKeys(now time.Time) ([]string, error) {
	type candidate struct {
		key       string
		expiresAt time.Time
	}
	var candidates []candidate

	if !s.cleared {
		keys, err := s.base.ExpiredKeys(now)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if _, overwritten := s.writes[key]; overwritten {
				continue
			}
			rec, ok, err := s.base.Get(key)
			if err != nil {
				return nil, err
			}
			if ok {
				candidates = append(candidates, candidate{key: key, expiresAt: rec.ExpiresAt})
			}
		}
	}
	for key, rec := range s.writes {
		if rec != nil && rec.Expired(now) {
			candidates = append(candidates, candidate{key: key, expiresAt: rec.ExpiresAt})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].expiresAt.Equal(candidates[j].expiresAt) {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})
	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys, nil
}

// Pending returns the buffered writes: whether the partition was cleared
// first, records to put, and keys to delete.
func (s *Staged) Pending() (cleared bool, puts []Record, deletes []string) {
	for key, rec := range s.writes {
		if rec == nil {
			deletes = append(deletes, key)
			continue
		}
		puts = append(puts, *rec)
	}
	sort.Slice(puts, func(i, j int) bool { return puts[i].Key < puts[j].Key })
	sort.Strings(deletes)
	return s.cleared, puts, deletes
}

// Dirty reports whether any write was buffered.
func (s *Staged) Dirty() bool {
	return s.cleared || len(s.writes) > 0
}
