package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sharding-experiment/shardexec/config"
	"github.com/sharding-experiment/shardexec/internal/network"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/state"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

// MaxBlockBuffer is the maximum number of out-of-order blocks to buffer
const MaxBlockBuffer = 100

// BlockRequest asks a node to execute its shard of a block. Heights start
// at 1 and every node must see every height.
type BlockRequest struct {
	Height uint64                    `json:"height"`
	Block  protocol.PartitionedBlock `json:"block"`
}

// BlockFailure describes a BlockError on the wire
type BlockFailure struct {
	Shard   int    `json:"shard"`
	Round   int    `json:"round"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (f *BlockFailure) Err() *BlockError {
	return &BlockError{Shard: f.Shard, Round: f.Round, Kind: KindByName(f.Kind), Err: errors.New(f.Message)}
}

// BlockResponse carries one shard's outputs, indexed by round
type BlockResponse struct {
	Height  uint64                         `json:"height"`
	ShardID int                            `json:"shard_id"`
	Outputs [][]protocol.TransactionOutput `json:"outputs,omitempty"`
	Failure *BlockFailure                  `json:"failure,omitempty"`
}

// NodeConfig configures a shard node running in its own process
type NodeConfig struct {
	ShardID   int
	NumShards int
	// Peers holds the base URL of every shard's node, indexed by shard
	Peers            []string
	NumThreads       int
	ConcurrencyLevel int
	GasLimit         *uint64
	MergeLastRound   bool
	// ExecutionTimeout bounds one block; 0 waits forever
	ExecutionTimeout time.Duration
	Network          config.NetworkConfig
	Base             state.View
	Executor         vm.Executor
	Metrics          *Metrics
	Logger           *zap.Logger
}

// Server handles HTTP requests for a shard node. Cross-shard messages
// arrive on /crossshard/{round}; blocks arrive on /block and are executed
// in height order.
type Server struct {
	shardID          int
	numShards        int
	client           *Client
	inbound          []*network.LocalChannel
	router           *mux.Router
	buffer           *BlockBuffer
	base             state.View
	concurrency      int
	gasLimit         *uint64
	executionTimeout time.Duration
	log              *zap.Logger

	execMu    sync.Mutex // blocks execute one at a time, in order
	resultsMu sync.Mutex
	results   map[uint64]*Promise[BlockResponse]
	closeOnce sync.Once
}

func NewServer(cfg NodeConfig) (*Server, error) {
	if len(cfg.Peers) != cfg.NumShards {
		return nil, fmt.Errorf("have %d peers for %d shards", len(cfg.Peers), cfg.NumShards)
	}
	if cfg.Base == nil {
		return nil, errors.New("no base state view")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Executor == nil {
		cfg.Executor = vm.NewParallelExecutor(cfg.Logger.Named("vm"))
	}
	if cfg.NumThreads < 1 {
		cfg.NumThreads = DefaultNumThreads(cfg.NumShards)
	}
	if cfg.ConcurrencyLevel < 1 {
		cfg.ConcurrencyLevel = 1
	}

	inbound := make([]*network.LocalChannel, protocol.MaxAllowedPartitioningRounds)
	receive := make([]network.Inbound, len(inbound))
	for round := range inbound {
		inbound[round] = network.NewLocalChannel()
		receive[round] = inbound[round]
	}

	client, err := NewClient(ClientConfig{
		NumShards:  cfg.NumShards,
		ShardID:    cfg.ShardID,
		NumThreads: ShardThreads(cfg.ShardID, cfg.NumShards, cfg.NumThreads, cfg.MergeLastRound),
		Inbound:    receive,
		Outbound:   network.HTTPOutboundMatrix(cfg.Peers, cfg.ShardID, inbound, cfg.Network),
		Executor:   cfg.Executor,
		Policy:     ConcurrencyPolicy{MergeLastRound: cfg.MergeLastRound},
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	log := cfg.Logger.With(zap.Int("shard", cfg.ShardID))
	s := &Server{
		shardID:          cfg.ShardID,
		numShards:        cfg.NumShards,
		client:           client,
		inbound:          inbound,
		router:           mux.NewRouter(),
		buffer:           NewBlockBuffer(1, MaxBlockBuffer, log),
		base:             cfg.Base,
		concurrency:      cfg.ConcurrencyLevel,
		gasLimit:         cfg.GasLimit,
		executionTimeout: cfg.ExecutionTimeout,
		log:              log,
		results:          make(map[uint64]*Promise[BlockResponse]),
	}
	s.setupRoutes()
	return s, nil
}

// Router returns the HTTP router
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	network.NewHandler(s.router, s.inbound, s.log)
	s.router.HandleFunc("/block", s.handleBlock).Methods("POST")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.log.Info("Shard node starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.router)
}

// Close tears down the node's inbound channels. This method is idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		for _, ch := range s.inbound {
			ch.Close()
		}
	})
}

func (s *Server) promiseFor(height uint64) *Promise[BlockResponse] {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	p, ok := s.results[height]
	if !ok {
		p = NewPromise[BlockResponse]()
		s.results[height] = p
	}
	return p
}

func (s *Server) dropPromise(height uint64) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	delete(s.results, height)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid block: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Block.NumShards() != s.numShards {
		http.Error(w, fmt.Sprintf("block has %d shards, want %d", req.Block.NumShards(), s.numShards), http.StatusBadRequest)
		return
	}
	if err := req.Block.Validate(); err != nil {
		http.Error(w, "invalid block: "+err.Error(), http.StatusBadRequest)
		return
	}

	result := s.promiseFor(req.Height)

	s.execMu.Lock()
	ready := s.buffer.ProcessBlock(&req)
	for _, next := range ready {
		resp := s.execute(next)
		s.promiseFor(next.Height).Resolve(resp)
		s.dropPromise(next.Height)
	}
	s.execMu.Unlock()

	if len(ready) == 0 && !s.buffer.IsBuffered(req.Height) {
		select {
		case <-result.Done():
		default:
			s.dropPromise(req.Height)
			http.Error(w, fmt.Sprintf("block %d not accepted, expecting %d", req.Height, s.buffer.Expected()), http.StatusConflict)
			return
		}
	}

	select {
	case <-result.Done():
	case <-r.Context().Done():
		return
	}

	resp := result.Wait()
	w.Header().Set("Content-Type", "application/json")
	if resp.Failure != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) execute(req *BlockRequest) BlockResponse {
	ctx := context.Background()
	if s.executionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.executionTimeout)
		defer cancel()
	}

	s.log.Info("Executing block", zap.Uint64("height", req.Height))
	resp := BlockResponse{Height: req.Height, ShardID: s.shardID}
	outputs, err := s.client.ExecuteBlock(ctx, &req.Block.Shards[s.shardID], s.base, s.concurrency, s.gasLimit)
	if err != nil {
		failure := &BlockFailure{Shard: s.shardID, Kind: KindName(ErrExecutionFailure), Message: err.Error()}
		var blockErr *BlockError
		if errors.As(err, &blockErr) {
			failure.Shard = blockErr.Shard
			failure.Round = blockErr.Round
			failure.Kind = KindName(blockErr.Kind)
		}
		s.log.Error("Block failed", zap.Uint64("height", req.Height), zap.Error(err))
		resp.Failure = failure
		return resp
	}
	resp.Outputs = outputs
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"shard_id":        s.shardID,
		"num_shards":      s.numShards,
		"pool_size":       s.client.PoolSize(),
		"expected_height": s.buffer.Expected(),
	})
}
