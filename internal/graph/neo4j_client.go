package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// NewNeo4jClient dials a Bolt endpoint and checks it answers before returning.
func NewNeo4jClient(ctx context.Context, opts Options) (Client, error) {
	if opts.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, auth, func(c *neo4j.Config) {
		if opts.MaxConnections > 0 {
			c.MaxConnectionPoolSize = opts.MaxConnections
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", classify(err))
	}
	return &neo4jClient{driver: driver, database: opts.Database}, nil
}

type neo4jClient struct {
	driver   neo4j.DriverWithContext
	database string
}

func (c *neo4jClient) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
}

func (c *neo4jClient) ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return boltTx{tx}.Run(ctx, cypher, params)
	})
	if err != nil {
		return Result{}, classify(err)
	}
	return out.(Result), nil
}

func (c *neo4jClient) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	var res Result
	err := c.WriteTx(ctx, func(ctx context.Context, tx Runner) error {
		var err error
		res, err = tx.Run(ctx, cypher, params)
		return err
	})
	return res, err
}

// WriteTx runs fn in a managed transaction. The driver replays fn on
// transient cluster errors, so fn must not keep side effects outside tx.
func (c *neo4jClient) WriteTx(ctx context.Context, fn func(ctx context.Context, tx Runner) error) error {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, fn(ctx, boltTx{tx})
	})
	return classify(err)
}

func (c *neo4jClient) VerifyConnectivity(ctx context.Context) error {
	return classify(c.driver.VerifyConnectivity(ctx))
}

func (c *neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

type boltTx struct {
	tx neo4j.ManagedTransaction
}

func (b boltTx) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	cursor, err := b.tx.Run(ctx, cypher, params)
	if err != nil {
		return Result{}, err
	}
	rows, err := cursor.Collect(ctx)
	if err != nil {
		return Result{}, err
	}
	out := Result{Records: make([]Record, 0, len(rows))}
	for _, row := range rows {
		out.Records = append(out.Records, row.AsMap())
	}
	return out, nil
}

// classify tags driver failures the caller may retry with ErrUnavailable.
func classify(err error) error {
	if err == nil || !IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
