// Package rest exposes the read-only HTTP browse surface: the principal
// chain, individual blocks, the pending pool, and per-account history.
package rest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/whosecoin/whosecoin-core/core"
	"github.com/whosecoin/whosecoin-core/crypto"
	"github.com/whosecoin/whosecoin-core/indexer"
)

// Server serves JSON views of the chain state. All handlers are read-only.
type Server struct {
	chain *core.Blockchain
	pool  *core.Pool
	idx   *indexer.Indexer

	srv *http.Server
	ln  net.Listener
	log *logrus.Entry
}

// NewServer creates a Server on addr. idx may be nil, in which case
// account history is served empty.
func NewServer(addr string, chain *core.Blockchain, pool *core.Pool, idx *indexer.Indexer) *Server {
	s := &Server{
		chain: chain,
		pool:  pool,
		idx:   idx,
		log:   logrus.WithField("component", "rest"),
	}
	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/block/", s.handleBlocks).Methods(http.MethodGet)
	r.HandleFunc("/block/{hash}/", s.handleBlock).Methods(http.MethodGet)
	r.HandleFunc("/pool/", s.handlePool).Methods(http.MethodGet)
	r.HandleFunc("/account/{key}/", s.handleAccount).Methods(http.MethodGet)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the port synchronously, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("server failed")
		}
	}()
	return nil
}

// Addr returns the listener's address. Useful when started on ":0".
func (s *Server) Addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return nil
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type headerView struct {
	Timestamp  uint64 `json:"timestamp"`
	PrevBlock  string `json:"prev_block"`
	MerkleRoot string `json:"merkle_root"`
	Creator    string `json:"creator"`
	Delegate   uint32 `json:"delegate"`
	Priority   string `json:"priority"`
}

type blockView struct {
	Hash         string              `json:"hash"`
	Height       uint32              `json:"height"`
	Header       headerView          `json:"header"`
	Transactions []*core.Transaction `json:"transactions"`
}

func viewOf(b *core.Block) blockView {
	txns := b.Transactions()
	if txns == nil {
		txns = []*core.Transaction{}
	}
	return blockView{
		Hash:   b.Hash().Hex(),
		Height: b.Height(),
		Header: headerView{
			Timestamp:  b.Timestamp(),
			PrevBlock:  b.Parent().Hash().Hex(),
			MerkleRoot: b.MerkleRoot().Hex(),
			Creator:    b.Creator().Hex(),
			Delegate:   b.Delegate(),
			Priority:   b.Priority().Hex(),
		},
		Transactions: txns,
	}
}

// handleBlocks returns the principal chain, newest-first.
func (s *Server) handleBlocks(w http.ResponseWriter, _ *http.Request) {
	views := []blockView{}
	for b := s.chain.Principal(); b != nil; b = b.Parent() {
		views = append(views, viewOf(b))
	}
	writeJSON(s.log, w, views)
}

// handleBlock returns one block by hash: 400 for bad hex, 404 for unknown.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	hash, err := crypto.HashFromHex(mux.Vars(r)["hash"])
	if err != nil {
		http.Error(w, "invalid block hash", http.StatusBadRequest)
		return
	}
	b := s.chain.Block(hash)
	if b == nil {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	writeJSON(s.log, w, viewOf(b))
}

// handlePool returns the pending transactions in insertion order.
func (s *Server) handlePool(w http.ResponseWriter, _ *http.Request) {
	txns := s.pool.Snapshot()
	if txns == nil {
		txns = []*core.Transaction{}
	}
	writeJSON(s.log, w, txns)
}

type accountView struct {
	Key          string           `json:"key"`
	Value        uint64           `json:"value"`
	Transactions []indexer.Record `json:"transactions"`
}

// handleAccount returns the key's balance at the principal leaf together
// with its confirmed transaction history.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	key, err := crypto.PubKeyFromHex(mux.Vars(r)["key"])
	if err != nil {
		http.Error(w, "invalid account key", http.StatusBadRequest)
		return
	}
	view := accountView{Key: key.Hex(), Transactions: []indexer.Record{}}
	if acc := s.chain.Principal().Account(key); acc != nil {
		view.Value = acc.Value()
	}
	if s.idx != nil {
		records, err := s.idx.TransactionsByAccount(key)
		if err != nil {
			http.Error(w, "index unavailable", http.StatusInternalServerError)
			return
		}
		if records != nil {
			view.Transactions = records
		}
	}
	writeJSON(s.log, w, view)
}

func writeJSON(log *logrus.Entry, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("write response")
	}
}
