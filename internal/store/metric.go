package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ngrok/sqlmw"
	"github.com/prometheus/client_golang/prometheus"
)

// instrumentedDriver is the name of the pgx driver wrapped with queryInterceptor.
const instrumentedDriver = "pgx-instrumented"

var (
	dbOperationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "episurv",
		Name:      "db_operation_duration_seconds",
		Help:      "Duration of the database operations issued by the job and address stores.",
		Buckets:   []float64{.005, .025, .1, .5, 1, 5},
	}, []string{"operation", "verb"})

	dbOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "episurv",
		Name:      "db_operations_total",
		Help:      "Database operations by outcome.",
	}, []string{"operation", "outcome"})

	registerDriverOnce sync.Once
)

func init() {
	prometheus.MustRegister(dbOperationSeconds, dbOperations)
}

// queryInterceptor times statements, transactions and connects on the postgres driver.
type queryInterceptor struct {
	sqlmw.NullInterceptor
}

// registerInstrumentedDriver makes instrumentedDriver available to database/sql.
func registerInstrumentedDriver() string {
	registerDriverOnce.Do(func() {
		sql.Register(instrumentedDriver, sqlmw.Driver(stdlib.GetDefaultDriver(), &queryInterceptor{}))
	})
	return instrumentedDriver
}

func (qi *queryInterceptor) ConnectorConnect(ctx context.Context, conn driver.Connector) (c driver.Conn, err error) {
	defer observe("connect", "", time.Now(), &err)
	return conn.Connect(ctx)
}

func (qi *queryInterceptor) ConnPing(ctx context.Context, conn driver.Pinger) (err error) {
	defer observe("ping", "", time.Now(), &err)
	return conn.Ping(ctx)
}

func (qi *queryInterceptor) ConnBeginTx(ctx context.Context, conn driver.ConnBeginTx, opts driver.TxOptions) (_ context.Context, tx driver.Tx, err error) {
	defer observe("begin", "", time.Now(), &err)
	tx, err = conn.BeginTx(ctx, opts)
	return ctx, tx, err
}

func (qi *queryInterceptor) ConnPrepareContext(ctx context.Context, conn driver.ConnPrepareContext, query string) (_ context.Context, stmt driver.Stmt, err error) {
	defer observe("prepare", statementVerb(query), time.Now(), &err)
	stmt, err = conn.PrepareContext(ctx, query)
	return ctx, stmt, err
}

func (qi *queryInterceptor) ConnExecContext(ctx context.Context, conn driver.ExecerContext, query string, args []driver.NamedValue) (res driver.Result, err error) {
	defer observe("exec", statementVerb(query), time.Now(), &err)
	return conn.ExecContext(ctx, query, args)
}

func (qi *queryInterceptor) ConnQueryContext(ctx context.Context, conn driver.QueryerContext, query string, args []driver.NamedValue) (_ context.Context, rows driver.Rows, err error) {
	defer observe("query", statementVerb(query), time.Now(), &err)
	rows, err = conn.QueryContext(ctx, query, args)
	return ctx, rows, err
}

func (qi *queryInterceptor) StmtExecContext(ctx context.Context, stmt driver.StmtExecContext, query string, args []driver.NamedValue) (res driver.Result, err error) {
	defer observe("exec", statementVerb(query), time.Now(), &err)
	return stmt.ExecContext(ctx, args)
}

func (qi *queryInterceptor) StmtQueryContext(ctx context.Context, stmt driver.StmtQueryContext, query string, args []driver.NamedValue) (_ context.Context, rows driver.Rows, err error) {
	defer observe("query", statementVerb(query), time.Now(), &err)
	rows, err = stmt.QueryContext(ctx, args)
	return ctx, rows, err
}

func (qi *queryInterceptor) TxCommit(_ context.Context, tx driver.Tx) (err error) {
	defer observe("commit", "", time.Now(), &err)
	return tx.Commit()
}

func (qi *queryInterceptor) TxRollback(_ context.Context, tx driver.Tx) (err error) {
	defer observe("rollback", "", time.Now(), &err)
	return tx.Rollback()
}

// observe is deferred by every interceptor; errp points at the interceptor's named error result.
func observe(operation, verb string, start time.Time, errp *error) {
	outcome := "ok"
	if errp != nil && *errp != nil {
		outcome = "error"
	}
	dbOperations.WithLabelValues(operation, outcome).Inc()
	dbOperationSeconds.WithLabelValues(operation, verb).Observe(time.Since(start).Seconds())
}

// statementVerb returns the lower-cased leading keyword of a statement, such as "select".
// A WITH clause counts as "with"; an empty statement gives "".
func statementVerb(query string) string {
	query = strings.TrimLeft(query, " \t\r\n(")
	end := strings.IndexFunc(query, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end >= 0 {
		query = query[:end]
	}
	return strings.ToLower(query)
}
