package watcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradeguard/internal/chain"
	"github.com/mbd888/tradeguard/internal/events"
	"github.com/mbd888/tradeguard/internal/logging"
)

var contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

type fakeClient struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries [][2]uint64
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.queries = append(f.queries, [2]uint64{from, to})
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	got    []events.Event
	failOn map[string]int // tx ref -> remaining failures
}

func (s *recordingSink) Submit(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := ev.EventMeta().TxRef
	if s.failOn[tx] > 0 {
		s.failOn[tx]--
		return errors.New("lane full")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.got...)
}

func mintLog(t *testing.T, block uint64, tx string, index uint) types.Log {
	t.Helper()
	parsed, err := chain.ContractABI()
	require.NoError(t, err)
	ev := parsed.Events[chain.EventTokenMinted]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(1e18), big.NewInt(1700000000))
	require.NoError(t, err)
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(common.HexToAddress("0x01").Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash(tx),
		Index:       index,
	}
}

func newWatcher(t *testing.T, fc *fakeClient, sink Sink, cfg Config, opts ...Option) *Watcher {
	t.Helper()
	dec, err := chain.NewDecoder(chain.DefaultDecimals)
	require.NoError(t, err)
	cfg.Contract = contract
	return New(fc, dec, sink, cfg, logging.Discard(), opts...)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotZero(t, cfg.PollInterval)
	assert.NotZero(t, cfg.MaxBlockRange)
	assert.Zero(t, cfg.StartBlock)
}

func TestInit_StartsAtConfirmedHead(t *testing.T) {
	w := newWatcher(t, &fakeClient{head: 100}, &recordingSink{}, Config{Confirmations: 3})
	require.NoError(t, w.Init(context.Background()))
	assert.Equal(t, uint64(97), w.LastBlock())

	w = newWatcher(t, &fakeClient{head: 100}, &recordingSink{}, Config{StartBlock: 10})
	require.NoError(t, w.Init(context.Background()))
	assert.Equal(t, uint64(9), w.LastBlock())
}

func TestPoll_OnlyConfirmedLogs(t *testing.T) {
	fc := &fakeClient{head: 10, logs: []types.Log{
		mintLog(t, 5, "0xa1", 0),
		mintLog(t, 9, "0xa2", 0),
	}}
	sink := &recordingSink{}
	w := newWatcher(t, fc, sink, Config{StartBlock: 1, Confirmations: 2})
	require.NoError(t, w.Init(context.Background()))

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(8), w.LastBlock())

	fc.mu.Lock()
	fc.head = 12
	fc.mu.Unlock()
	n, err = w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sink.events(), 2)
}

func TestPoll_ChunksBlockRange(t *testing.T) {
	fc := &fakeClient{head: 10}
	w := newWatcher(t, fc, &recordingSink{}, Config{StartBlock: 1, MaxBlockRange: 3})
	require.NoError(t, w.Init(context.Background()))

	_, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{1, 3}, {4, 6}, {7, 9}, {10, 10}}, fc.queries)
	assert.Equal(t, uint64(10), w.LastBlock())
}

func TestPoll_RetriesFailedSubmitWithoutDuplicates(t *testing.T) {
	fc := &fakeClient{head: 20, logs: []types.Log{
		mintLog(t, 5, "0xb1", 0),
		mintLog(t, 7, "0xb2", 0),
		mintLog(t, 7, "0xb2", 1),
	}}
	b2 := common.HexToHash("0xb2").Hex()
	sink := &recordingSink{failOn: map[string]int{b2: 1}}
	w := newWatcher(t, fc, sink, Config{StartBlock: 1})
	require.NoError(t, w.Init(context.Background()))

	_, err := w.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(6), w.LastBlock(), "cursor stops before the failed block")
	assert.Len(t, sink.events(), 1)

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uint64(20), w.LastBlock())

	got := sink.events()
	require.Len(t, got, 3)
	assert.Equal(t, uint(0), got[1].EventMeta().LogIndex)
	assert.Equal(t, uint(1), got[2].EventMeta().LogIndex)
}

func TestPoll_SkipsUndecodableLogs(t *testing.T) {
	bad := mintLog(t, 3, "0xc1", 0)
	bad.Data = bad.Data[:4]
	fc := &fakeClient{head: 5, logs: []types.Log{bad, mintLog(t, 4, "0xc2", 0)}}
	sink := &recordingSink{}
	w := newWatcher(t, fc, sink, Config{StartBlock: 1})
	require.NoError(t, w.Init(context.Background()))

	n, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(5), w.LastBlock())
}

func TestStartStop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fc := &fakeClient{head: 1}
	sink := &recordingSink{}
	w := newWatcher(t, fc, sink, Config{PollInterval: time.Second}, WithClock(clock))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.Running())

	fc.mu.Lock()
	fc.head = 3
	fc.logs = []types.Log{mintLog(t, 3, "0xd1", 0)}
	fc.mu.Unlock()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return len(sink.events()) == 1 }, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.False(t, w.Running())
	w.Stop()
}
