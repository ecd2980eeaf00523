// Package txn coordinates remote transactions with the local postgres
// transaction.
//
// Remote transactions begin lazily on the first operation a connector
// declares as requiring one. The registry of active remote transactions is
// process-global because postgres transaction callbacks have no user-data
// channel beyond what can be looked up by data source id. The coordinator
// holds a strong reference to each connection so it stays alive until the
// local transaction resolves, independent of the query slots that opened it.
package txn

import (
	"sync"

	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/fdw/client"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/metrics"
)

// Coordinator tracks at most one remote transaction per (local transaction,
// data source).
type Coordinator struct {
	logger *log.Logger

	mu sync.Mutex
	// active remote transactions, with insertion order preserved for commit.
	order  []string
	active map[string]*client.Connection
	// data sources that reported TransactionsNotSupported this transaction.
	nonTransactional map[string]bool
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *log.Logger) *Coordinator {
	return &Coordinator{
		logger:           logger,
		active:           make(map[string]*client.Connection),
		nonTransactional: make(map[string]bool),
	}
}

var (
	globalMu sync.Mutex
	global   *Coordinator
)

// Global returns the process-wide coordinator, creating it on first use.
func Global(logger *log.Logger) *Coordinator {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = NewCoordinator(logger)
	}
	return global
}

// BeginIfNeeded lazily starts a remote transaction on the connection's data
// source. Idempotent per (local transaction, data source). topLevel reports
// whether the triggering statement runs at the top transaction nesting
// level; a nested statement touching a non-transactional source draws a
// warning.
func (c *Coordinator) BeginIfNeeded(con *client.Connection, topLevel bool) error {
	c.mu.Lock()

	if c.active[con.DataSourceID] != nil {
		c.mu.Unlock()
		return nil
	}
	if c.nonTransactional[con.DataSourceID] {
		c.mu.Unlock()
		if !topLevel {
			c.logger.Query().Warn("transactions are not supported on data source",
				"data_source", con.DataSourceID)
		}
		return nil
	}
	c.mu.Unlock()

	// The begin round trip happens outside the map lock; the channel
	// serialises concurrent senders itself.
	supported, err := con.BeginTransaction()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTxnBegin,
			"failed to start transaction").
			WithField("data_source", con.DataSourceID).
			Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !supported {
		c.nonTransactional[con.DataSourceID] = true
		if !topLevel {
			c.logger.Query().Warn("transactions are not supported on data source",
				"data_source", con.DataSourceID)
		}
		return nil
	}

	// Raced with another slot beginning on the same source.
	if c.active[con.DataSourceID] != nil {
		return nil
	}

	c.active[con.DataSourceID] = con.Retain()
	c.order = append(c.order, con.DataSourceID)

	c.logger.Query().Debug("remote transaction started",
		"data_source", con.DataSourceID)

	return nil
}

// Active reports whether a remote transaction is open on the data source.
func (c *Coordinator) Active(dataSourceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[dataSourceID] != nil
}

// PreCommit commits every active remote transaction in insertion order. Any
// failure aborts the local commit: the error is returned and remaining
// transactions stay registered for the abort path.
func (c *Coordinator) PreCommit() error {
	for {
		con, ok := c.takeNext()
		if !ok {
			c.reset()
			return nil
		}

		err := con.CommitTransaction()
		releaseErr := con.Release()

		if err != nil {
			return errors.Wrap(err, errors.ErrCodeTxnCommit,
				"failed to commit remote transaction").
				WithField("data_source", con.DataSourceID).
				Err()
		}
		if releaseErr != nil {
			c.logger.Query().Error("failed to release committed connection", releaseErr,
				"data_source", con.DataSourceID)
		}

		metrics.TxnResolutions.WithLabelValues("committed").Inc()
		c.logger.Query().Debug("remote transaction committed",
			"data_source", con.DataSourceID)
	}
}

// Abort rolls back every active remote transaction. Failures are logged,
// never raised: the local transaction is already aborting.
func (c *Coordinator) Abort() {
	for {
		con, ok := c.takeNext()
		if !ok {
			break
		}

		if err := con.RollbackTransaction(); err != nil {
			c.logger.Query().Error("failed to rollback remote transaction", err,
				"data_source", con.DataSourceID)
		} else {
			metrics.TxnResolutions.WithLabelValues("rolled_back").Inc()
			c.logger.Query().Debug("remote transaction rolled back",
				"data_source", con.DataSourceID)
		}

		if err := con.Release(); err != nil {
			c.logger.Query().Error("failed to release connection", err,
				"data_source", con.DataSourceID)
		}
	}

	c.reset()
}

// PrePrepare rejects two-phase commit.
func (c *Coordinator) PrePrepare() error {
	return errors.New(errors.ErrCodeTxnUnsupported,
		"prepared transactions are not supported with remote data sources").Err()
}

// SubTransaction rejects savepoints across remote sources.
func (c *Coordinator) SubTransaction() error {
	c.mu.Lock()
	any := len(c.active) > 0
	c.mu.Unlock()

	if !any {
		return nil
	}
	return errors.New(errors.ErrCodeTxnUnsupported,
		"sub-transactions are not supported with remote data sources").Err()
}

// takeNext removes and returns the oldest active transaction.
func (c *Coordinator) takeNext() (*client.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.order) > 0 {
		id := c.order[0]
		c.order = c.order[1:]
		if con := c.active[id]; con != nil {
			delete(c.active, id)
			return con, true
		}
	}
	return nil, false
}

// reset clears per-transaction state once the local transaction resolves.
func (c *Coordinator) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.active = make(map[string]*client.Connection)
	c.nonTransactional = make(map[string]bool)
}
