package agents

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

const DefaultDir = "./data/agents"

var (
	// ErrNoAgent is returned when no agent is stored for an owner.
	ErrNoAgent = errors.New("no agent stored for owner")
	// ErrInvalidAgent marks a stored agent that can never load: bad JSON, foreign owner,
	// unparsable key or a key that does not derive the stored address.
	ErrInvalidAgent = errors.New("stored agent is invalid")
)

// Store keeps one agent key per owner wallet, one JSON file per owner.
// Files are local to this machine; concurrent processes are last-writer-wins.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create agent dir")
	}
	return &Store{dir: dir, logger: logger}, nil
}

type storedAgent struct {
	Owner      string    `json:"owner"`
	Address    string    `json:"address"`
	PrivateKey string    `json:"private_key"`
	Approved   bool      `json:"approved"`
	CreatedAt  time.Time `json:"created_at"`
}

// GetOrCreate returns the stored agent of owner if it is intact, otherwise generates,
// persists and returns a new unapproved one.
func (s *Store) GetOrCreate(owner common.Address) (*domain.AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.load(owner)
	if err == nil {
		return agent, nil
	}
	switch {
	case errors.Is(err, ErrNoAgent):
	case errors.Is(err, ErrInvalidAgent):
		// the old approval no longer applies to a rotated key
		s.logger.Warn("stored agent is invalid, rotating",
			zap.String("owner", owner.Hex()), zap.Error(err))
	default:
		// an unreadable file may still hold an approved key
		return nil, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate agent key")
	}
	agent = &domain.AgentIdentity{
		Owner:      owner,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
		Approved:   false,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.save(agent); err != nil {
		return nil, err
	}

	s.logger.Info("generated agent",
		zap.String("owner", owner.Hex()), zap.String("agent", agent.Address.Hex()))
	return agent, nil
}

// Get returns the stored agent of owner or ErrNoAgent.
func (s *Store) Get(owner common.Address) (*domain.AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(owner)
}

// MarkApproved records that the exchange accepted the agent.
func (s *Store) MarkApproved(owner common.Address) error {
	return s.setApproved(owner, true)
}

// MarkUnapproved records that the exchange no longer recognizes the agent.
func (s *Store) MarkUnapproved(owner common.Address) error {
	return s.setApproved(owner, false)
}

func (s *Store) setApproved(owner common.Address, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.load(owner)
	if err != nil {
		return err
	}
	if agent.Approved == approved {
		return nil
	}
	agent.Approved = approved
	return s.save(agent)
}

func (s *Store) path(owner common.Address) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", strings.ToLower(owner.Hex())))
}

func (s *Store) load(owner common.Address) (*domain.AgentIdentity, error) {
	payload, err := os.ReadFile(s.path(owner))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoAgent
		}
		return nil, errors.Wrap(err, "read agent")
	}

	var stored storedAgent
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, errors.Wrapf(ErrInvalidAgent, "decode agent: %v", err)
	}
	if !strings.EqualFold(stored.Owner, owner.Hex()) {
		return nil, errors.Wrapf(ErrInvalidAgent, "agent file belongs to %s", stored.Owner)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(stored.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAgent, "parse agent key: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(address.Hex(), stored.Address) {
		return nil, errors.Wrapf(ErrInvalidAgent, "agent key derives %s, stored address is %s", address.Hex(), stored.Address)
	}

	return &domain.AgentIdentity{
		Owner:      owner,
		Address:    address,
		PrivateKey: key,
		Approved:   stored.Approved,
		CreatedAt:  stored.CreatedAt,
	}, nil
}

// save writes the agent atomically via temp file.
func (s *Store) save(agent *domain.AgentIdentity) error {
	payload, err := json.MarshalIndent(storedAgent{
		Owner:      agent.Owner.Hex(),
		Address:    agent.Address.Hex(),
		PrivateKey: fmt.Sprintf("%x", crypto.FromECDSA(agent.PrivateKey)),
		Approved:   agent.Approved,
		CreatedAt:  agent.CreatedAt,
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode agent")
	}

	path := s.path(agent.Owner)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return errors.Wrap(err, "write agent temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "persist agent")
	}
	return nil
}
