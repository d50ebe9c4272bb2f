package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/BaSui01/rendezvous"
	"github.com/BaSui01/rendezvous/types"
)

func setupTestLedger(t *testing.T) *Ledger {
	cfg := DefaultConfig()
	cfg.DSN = ":memory:"
	// One connection keeps the in-memory database alive and isolated
	// per test.
	cfg.MaxIdleConns = 1
	cfg.MaxOpenConns = 1

	l, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_AppendAndQuery(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, l.Append(ctx, &Record{
		FullKey: "worker/0;7;worker/1;edge_a;3:0",
		Channel: "edge_a", Direction: DirectionSend,
		Bytes: 10, Status: StatusOK, At: base.Add(-2 * time.Minute),
	}))
	require.NoError(t, l.Append(ctx, &Record{
		FullKey: "worker/0;7;worker/1;edge_a;4:0",
		Channel: "edge_a", Direction: DirectionRecv,
		Bytes: 10, Status: StatusOK, At: base.Add(-time.Minute),
	}))
	require.NoError(t, l.Append(ctx, &Record{
		FullKey: "worker/0;7;worker/2;edge_b;3:0",
		Channel: "edge_b", Direction: DirectionSend,
		Status: StatusDead, At: base,
	}))

	recs, err := l.RecentByChannel(ctx, "edge_a", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first.
	assert.Equal(t, "worker/0;7;worker/1;edge_a;4:0", recs[0].FullKey)
	assert.Equal(t, "worker/0;7;worker/1;edge_a;3:0", recs[1].FullKey)
	assert.Equal(t, DirectionRecv, recs[0].Direction)
	assert.Equal(t, 10, recs[0].Bytes)
	assert.NotEmpty(t, recs[0].ID)
}

func TestLedger_RecentLimit(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, &Record{
			FullKey: "k", Channel: "edge_a", Status: StatusOK,
			FrameID: uint64(i), At: base.Add(time.Duration(i) * time.Second),
		}))
	}

	recs, err := l.RecentByChannel(ctx, "edge_a", 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(4), recs[0].FrameID)
	assert.Equal(t, uint64(2), recs[2].FrameID)
}

func TestLedger_CountByStatus(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()

	for _, status := range []string{StatusOK, StatusOK, StatusDead, "ABORTED"} {
		require.NoError(t, l.Append(ctx, &Record{FullKey: "k", Channel: "c", Status: status}))
	}

	counts, err := l.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[StatusOK])
	assert.Equal(t, int64(1), counts[StatusDead])
	assert.Equal(t, int64(1), counts["ABORTED"])
}

func TestLedger_Purge(t *testing.T) {
	l := setupTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.Append(ctx, &Record{
		FullKey: "old", Channel: "edge_a", Status: StatusOK, At: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, l.Append(ctx, &Record{
		FullKey: "fresh", Channel: "edge_a", Status: StatusOK, At: now,
	}))

	purged, err := l.Purge(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	recs, err := l.RecentByChannel(ctx, "edge_a", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "fresh", recs[0].FullKey)
}

func TestLedger_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "oracle"

	l, err := Open(cfg, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, l)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}

func TestLedger_ClosedRejectsOperations(t *testing.T) {
	l := setupTestLedger(t)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	ctx := context.Background()

	err := l.Append(ctx, &Record{FullKey: "k", Channel: "c"})
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))

	_, err = l.RecentByChannel(ctx, "c", 1)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
}

func TestRecorder_RecordsExchanges(t *testing.T) {
	l := setupTestLedger(t)
	table := rendezvous.New(rendezvous.TableConfig{Shards: 4}, nil)
	t.Cleanup(func() { table.Close() })

	rec := NewRecorder(table, l, zap.NewNop())
	ctx := context.Background()

	key, err := rendezvous.ParseKey("worker/0;7;worker/1;edge_a;3:0")
	require.NoError(t, err)

	require.NoError(t, rec.Send(key, rendezvous.Args{}, rendezvous.Envelope{Payload: []byte("hello")}))

	env, _, err := rendezvous.Recv(ctx, rec, key, rendezvous.Args{})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), env.Payload)

	recs, err := l.RecentByChannel(ctx, "edge_a", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byDirection := map[string]Record{}
	for _, r := range recs {
		byDirection[r.Direction] = r
	}
	require.Contains(t, byDirection, DirectionSend)
	require.Contains(t, byDirection, DirectionRecv)
	assert.Equal(t, StatusOK, byDirection[DirectionSend].Status)
	assert.Equal(t, 5, byDirection[DirectionRecv].Bytes)
	assert.Equal(t, "worker/0", byDirection[DirectionRecv].SrcEndpoint)
	assert.Equal(t, uint64(3), byDirection[DirectionRecv].FrameID)
}

func TestRecorder_RecordsFailureCodes(t *testing.T) {
	l := setupTestLedger(t)
	table := rendezvous.New(rendezvous.TableConfig{Shards: 4}, nil)
	t.Cleanup(func() { table.Close() })

	rec := NewRecorder(table, l, zap.NewNop())
	ctx := context.Background()

	key, err := rendezvous.ParseKey("worker/0;7;worker/1;edge_a;3:0")
	require.NoError(t, err)

	require.NoError(t, rec.Send(key, rendezvous.Args{}, rendezvous.Envelope{Payload: []byte("x")}))
	err = rec.Send(key, rendezvous.Args{}, rendezvous.Envelope{Payload: []byte("y")})
	require.Error(t, err)

	counts, err := l.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[string(types.ErrDuplicateExchange)])
	assert.Equal(t, int64(1), counts[StatusOK])
}

func TestRecorder_RecordsDeadDeliveries(t *testing.T) {
	l := setupTestLedger(t)
	table := rendezvous.New(rendezvous.TableConfig{Shards: 4}, nil)
	t.Cleanup(func() { table.Close() })

	rec := NewRecorder(table, l, zap.NewNop())
	ctx := context.Background()

	key, err := rendezvous.ParseKey("worker/0;7;worker/1;edge_a;3:0")
	require.NoError(t, err)

	require.NoError(t, rec.Send(key, rendezvous.Args{}, rendezvous.Envelope{Dead: true}))

	env, _, err := rendezvous.Recv(ctx, rec, key, rendezvous.Args{})
	require.NoError(t, err)
	assert.True(t, env.Dead)

	counts, err := l.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[StatusDead])
}

// mockLedger builds a Ledger over a scripted sqlmock connection, for
// driver failure paths the sqlite tests cannot reach.
func mockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &Ledger{
		db:     db,
		sqlDB:  sqlDB,
		config: DefaultConfig(),
		logger: zap.NewNop(),
	}, mock
}

func TestLedger_AppendFailureIsRetryable(t *testing.T) {
	l, mock := mockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `records`").WillReturnError(errors.New("deadlock found"))
	mock.ExpectRollback()

	err := l.Append(context.Background(), &Record{
		FullKey: "worker/0;7;worker/1;edge_a;3:0",
		Channel: "edge_a", Direction: DirectionSend,
		Bytes: 10, Status: StatusOK,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_QueryFailureIsRetryable(t *testing.T) {
	l, mock := mockLedger(t)

	mock.ExpectQuery("SELECT (.+) FROM `records`").
		WillReturnError(errors.New("server has gone away"))

	_, err := l.RecentByChannel(context.Background(), "edge_a", 5)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
