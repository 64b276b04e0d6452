package graph

import (
	"context"
	"maps"
	"sync"
)

// Mode tells read statements from write statements in the recorded log.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// Statement is one cypher call seen by the MemoryClient.
type Statement struct {
	Mode   Mode
	Query  string
	Params map[string]any
	InTx   bool
}

// MemoryClient is a scripted Client for repository tests. Results are queued
// per mode and handed out in order; an empty queue yields an empty Result.
type MemoryClient struct {
	mu sync.Mutex

	log     []Statement
	queued  map[Mode][]Result
	inTx    bool
	commits int
	aborts  int

	failAll      error
	failAfter    int
	failAfterErr error
	connectivity error
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{queued: make(map[Mode][]Result), failAfter: -1}
}

// WithError makes every later statement and transaction fail with err.
func (m *MemoryClient) WithError(err error) *MemoryClient {
	m.mu.Lock()
	m.failAll = err
	m.mu.Unlock()
	return m
}

// FailAfter lets n more statements through, then fails each one with err.
func (m *MemoryClient) FailAfter(n int, err error) *MemoryClient {
	m.mu.Lock()
	m.failAfter, m.failAfterErr = n, err
	m.mu.Unlock()
	return m
}

// WithConnectivityError is what VerifyConnectivity reports.
func (m *MemoryClient) WithConnectivityError(err error) *MemoryClient {
	m.mu.Lock()
	m.connectivity = err
	m.mu.Unlock()
	return m
}

func (m *MemoryClient) PushReadResult(res Result)  { m.push(ModeRead, res) }
func (m *MemoryClient) PushWriteResult(res Result) { m.push(ModeWrite, res) }

func (m *MemoryClient) push(mode Mode, res Result) {
	m.mu.Lock()
	m.queued[mode] = append(m.queued[mode], res)
	m.mu.Unlock()
}

func (m *MemoryClient) ExecuteRead(_ context.Context, cypher string, params map[string]any) (Result, error) {
	return m.run(ModeRead, cypher, params)
}

func (m *MemoryClient) ExecuteWrite(_ context.Context, cypher string, params map[string]any) (Result, error) {
	return m.run(ModeWrite, cypher, params)
}

func (m *MemoryClient) run(mode Mode, cypher string, params map[string]any) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll != nil {
		return Result{}, m.failAll
	}
	if m.failAfter == 0 {
		return Result{}, m.failAfterErr
	}
	if m.failAfter > 0 {
		m.failAfter--
	}

	m.log = append(m.log, Statement{Mode: mode, Query: cypher, Params: maps.Clone(params), InTx: m.inTx})

	queue := m.queued[mode]
	if len(queue) == 0 {
		return Result{}, nil
	}
	m.queued[mode] = queue[1:]
	return queue[0], nil
}

// WriteTx hands fn a runner whose statements are logged as in-transaction
// writes. Statements stay in the log when fn fails; the abort is counted.
func (m *MemoryClient) WriteTx(ctx context.Context, fn func(ctx context.Context, tx Runner) error) error {
	m.mu.Lock()
	if err := m.failAll; err != nil {
		m.mu.Unlock()
		return err
	}
	m.inTx = true
	m.mu.Unlock()

	err := fn(ctx, memoryTx{m})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = false
	if err != nil {
		m.aborts++
		return err
	}
	m.commits++
	return nil
}

type memoryTx struct{ m *MemoryClient }

func (r memoryTx) Run(_ context.Context, cypher string, params map[string]any) (Result, error) {
	return r.m.run(ModeWrite, cypher, params)
}

// TxCounts reports committed and rolled back transactions.
func (m *MemoryClient) TxCounts() (committed, rolledBack int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits, m.aborts
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity
}

func (m *MemoryClient) Close(context.Context) error { return nil }

func (m *MemoryClient) WriteCalls() []Statement { return m.filter(ModeWrite) }
func (m *MemoryClient) ReadCalls() []Statement  { return m.filter(ModeRead) }

func (m *MemoryClient) filter(mode Mode) []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Statement
	for _, st := range m.log {
		if st.Mode == mode {
			out = append(out, st)
		}
	}
	return out
}
