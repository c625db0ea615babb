package deposits

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

const (
	DefaultDir   = "./data/deposits"
	segmentLimit = 100
	maxSegments  = 10

	keyPrefix = "deposit_"
)

// WALStore journals every deposit state transition, so an intent that never got
// credited can still be found after a restart.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed deposit journal.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "deposit_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init deposit WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save appends the current state of the intent.
func (s *WALStore) Save(intent domain.DepositIntent) error {
	if s == nil || s.wal == nil {
		return errors.New("deposit store is not initialized")
	}
	if intent.ID == "" {
		return fmt.Errorf("deposit intent id is required")
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		return errors.Wrap(err, "marshal deposit intent")
	}

	key := fmt.Sprintf("%s%s", keyPrefix, strings.ToLower(intent.Owner.Hex()))

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// Latest returns the last recorded state of every intent of owner, newest first.
func (s *WALStore) Latest(owner common.Address) ([]domain.DepositIntent, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("deposit store is not initialized")
	}

	wantKey := fmt.Sprintf("%s%s", keyPrefix, strings.ToLower(owner.Hex()))

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]domain.DepositIntent)
	current := s.wal.CurrentIndex()
	for idx := uint64(1); idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil || key != wantKey {
			continue
		}

		var intent domain.DepositIntent
		if err := json.Unmarshal(payload, &intent); err != nil {
			return nil, errors.Wrap(err, "decode deposit intent")
		}
		byID[intent.ID] = intent
	}

	out := make([]domain.DepositIntent, 0, len(byID))
	for _, intent := range byID {
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("deposit store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
