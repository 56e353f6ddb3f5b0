package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/klawleybot/fleet-sub000/internal/models"
)

// Memory is an in-process Store used for dry-run mode and tests. It applies
// the same invariants as the relational implementation.
type Memory struct {
	mu sync.Mutex

	wallets    map[uint]*models.Wallet
	clusters   map[uint]*models.Cluster
	members    []*models.ClusterMember
	operations map[uint]*models.Operation
	trades     map[uint]*models.Trade
	positions  map[uint]*models.Position
	funding    map[uint]*models.FundingRecord

	nextID map[string]uint
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		wallets:    make(map[uint]*models.Wallet),
		clusters:   make(map[uint]*models.Cluster),
		operations: make(map[uint]*models.Operation),
		trades:     make(map[uint]*models.Trade),
		positions:  make(map[uint]*models.Position),
		funding:    make(map[uint]*models.FundingRecord),
		nextID:     make(map[string]uint),
	}
}

func (s *Memory) assignID(kind string) uint {
	s.nextID[kind]++
	return s.nextID[kind]
}

func (s *Memory) CreateWallet(_ context.Context, w *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.ID = s.assignID("wallet")
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt
	cp := *w
	s.wallets[w.ID] = &cp
	return nil
}

func (s *Memory) WalletByID(_ context.Context, id uint) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Memory) MasterWallet(_ context.Context) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.IsMaster {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) CreateCluster(_ context.Context, c *models.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.assignID("cluster")
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.clusters[c.ID] = &cp
	return nil
}

func (s *Memory) ClusterByID(_ context.Context, id uint) (*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Memory) Clusters(_ context.Context) ([]models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) AddMember(_ context.Context, m *models.ClusterMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.assignID("member")
	cp := *m
	s.members = append(s.members, &cp)
	return nil
}

func (s *Memory) ClusterWallets(_ context.Context, clusterID uint) ([]models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Wallet
	for _, m := range s.members {
		if m.ClusterID != clusterID || !m.Enabled {
			continue
		}
		if w, ok := s.wallets[m.WalletID]; ok {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) CreateOperation(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.operations {
		if existing.ClusterID == op.ClusterID && existing.Status.Open() {
			return ErrClusterOccupied
		}
	}
	op.ID = s.assignID("operation")
	op.CreatedAt = time.Now()
	op.UpdatedAt = op.CreatedAt
	cp := *op
	s.operations[op.ID] = &cp
	return nil
}

func (s *Memory) OperationByID(_ context.Context, id uint) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.operations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *Memory) OpenOperation(_ context.Context, clusterID uint) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.operations {
		if op.ClusterID == clusterID && op.Status.Open() {
			cp := *op
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Memory) LastOperationFinishedAt(_ context.Context, clusterID uint, excludeID uint) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, op := range s.operations {
		if op.ClusterID != clusterID || op.ID == excludeID {
			continue
		}
		if op.UpdatedAt.After(last) {
			last = op.UpdatedAt
		}
	}
	return last, nil
}

func (s *Memory) UpdateOperation(_ context.Context, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.ID]; !ok {
		return ErrNotFound
	}
	op.UpdatedAt = time.Now()
	cp := *op
	s.operations[op.ID] = &cp
	return nil
}

func (s *Memory) PendingOperations(_ context.Context, limit int) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, op := range s.operations {
		if op.Status == models.OpPending {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) StaleExecutingOperations(_ context.Context, olderThan time.Time) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, op := range s.operations {
		if op.Status == models.OpExecuting && op.UpdatedAt.Before(olderThan) {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) OperationsByCluster(_ context.Context, clusterID uint, limit int) ([]models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Operation
	for _, op := range s.operations {
		if op.ClusterID == clusterID {
			out = append(out, *op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) CreateTrade(_ context.Context, t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.assignID("trade")
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *Memory) TradesByOperation(_ context.Context, operationID uint) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for _, t := range s.trades {
		if t.OperationID == operationID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) positionKey(walletID uint, coin string) *models.Position {
	for _, pos := range s.positions {
		if pos.WalletID == walletID && pos.CoinAddress == coin {
			return pos
		}
	}
	return nil
}

func (s *Memory) PositionFor(_ context.Context, walletID uint, coin string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positionKey(walletID, coin)
	if pos == nil {
		return nil, ErrNotFound
	}
	cp := *pos
	return &cp, nil
}

func (s *Memory) ApplyFill(_ context.Context, fill PositionFill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.positionKey(fill.WalletID, fill.CoinAddress)
	if pos == nil {
		pos = &models.Position{WalletID: fill.WalletID, CoinAddress: fill.CoinAddress}
		pos.ID = s.assignID("position")
		s.positions[pos.ID] = pos
	}
	applyFillTo(pos, fill)
	return nil
}

func (s *Memory) PositionsByWallets(_ context.Context, walletIDs []uint) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uint]bool, len(walletIDs))
	for _, id := range walletIDs {
		wanted[id] = true
	}
	var out []models.Position
	for _, pos := range s.positions {
		if wanted[pos.WalletID] {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) HoldingsForCoin(ctx context.Context, walletIDs []uint, coin string) (*big.Int, error) {
	positions, err := s.PositionsByWallets(ctx, walletIDs)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for i := range positions {
		if positions[i].CoinAddress == coin {
			total.Add(total, positions[i].HoldingsRaw.BigInt())
		}
	}
	return total, nil
}

func (s *Memory) HeldCoins(ctx context.Context, walletIDs []uint, minHoldings *big.Int) ([]string, error) {
	positions, err := s.PositionsByWallets(ctx, walletIDs)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for i := range positions {
		coin := positions[i].CoinAddress
		if !seen[coin] && positions[i].HoldingsRaw.BigInt().Cmp(minHoldings) > 0 {
			seen[coin] = true
			out = append(out, coin)
		}
	}
	return out, nil
}

func (s *Memory) TradedCoins(ctx context.Context, walletIDs []uint) ([]string, error) {
	positions, err := s.PositionsByWallets(ctx, walletIDs)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for i := range positions {
		if !seen[positions[i].CoinAddress] {
			seen[positions[i].CoinAddress] = true
			out = append(out, positions[i].CoinAddress)
		}
	}
	return out, nil
}

func (s *Memory) CreateFundingRecord(_ context.Context, fr *models.FundingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fr.ID = s.assignID("funding")
	fr.CreatedAt = time.Now()
	fr.UpdatedAt = fr.CreatedAt
	cp := *fr
	s.funding[fr.ID] = &cp
	return nil
}

func (s *Memory) FundingByOperation(_ context.Context, operationID uint) ([]models.FundingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FundingRecord
	for _, fr := range s.funding {
		if fr.OperationID == operationID {
			out = append(out, *fr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// BackdateOperation rewinds an operation's UpdatedAt; staleness tests need
// to simulate an execution that never called back.
func (s *Memory) BackdateOperation(id uint, to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.operations[id]; ok {
		op.UpdatedAt = to
	}
}
