package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bequest-labs/bequest/pkg/plan"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func planRows(p *plan.Plan) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "owner", "executor", "beneficiaries", "shares_bps", "guardians",
		"threshold", "heartbeat_interval", "metadata_uri", "last_heartbeat", "released", "created_at",
	}).AddRow(
		int64(p.ID), string(p.Owner), string(p.Executor),
		[]byte(`["ben-1","ben-2"]`), []byte(`[6000,4000]`), []byte(`["g-1","g-2","g-3"]`),
		int64(p.Threshold), p.HeartbeatInterval, p.MetadataURI,
		p.LastHeartbeat, p.Released, p.CreatedAt,
	)
}

func TestPostgresInsertReturnsID(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO plans")).
		WithArgs("owner-1", "exec-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			uint32(2), int64(86400), "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	p := samplePlan()
	id, err := s.Insert(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, plan.ID(7), id)
	assert.Equal(t, plan.ID(7), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	s, mock := newMockPostgres(t)

	want := samplePlan()
	want.ID = 7
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + planColumns + ` FROM plans WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(planRows(want))

	got, err := s.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, plan.ID(7), got.ID)
	assert.Equal(t, plan.Identity("owner-1"), got.Owner)
	assert.Equal(t, []plan.Identity{"ben-1", "ben-2"}, got.Beneficiaries)
	assert.Equal(t, []uint32{6000, 4000}, got.SharesBps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + planColumns + ` FROM plans WHERE id = $1`)).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), 404)
	assert.ErrorIs(t, err, plan.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetHeartbeat(t *testing.T) {
	s, mock := newMockPostgres(t)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET last_heartbeat = $1 WHERE id = $2`)).
		WithArgs(at, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.SetHeartbeat(context.Background(), 7, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetHeartbeatNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET last_heartbeat = $1 WHERE id = $2`)).
		WithArgs(sqlmock.AnyArg(), int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetHeartbeat(context.Background(), 404, time.Now())
	assert.ErrorIs(t, err, plan.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkReleasedLatch(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET released = TRUE WHERE id = $1 AND released = FALSE`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.MarkReleased(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkReleasedAlreadySet(t *testing.T) {
	s, mock := newMockPostgres(t)

	// Zero rows updated plus an existing row means the latch was set.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET released = TRUE WHERE id = $1 AND released = FALSE`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	released := samplePlan()
	released.ID = 7
	released.Released = true
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + planColumns + ` FROM plans WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(planRows(released))

	err := s.MarkReleased(context.Background(), 7)
	assert.ErrorIs(t, err, plan.ErrAlreadyReleased)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkReleasedMissingPlan(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plans SET released = TRUE WHERE id = $1 AND released = FALSE`)).
		WithArgs(int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + planColumns + ` FROM plans WHERE id = $1`)).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := s.MarkReleased(context.Background(), 404)
	assert.ErrorIs(t, err, plan.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAddApprovalUpsert(t *testing.T) {
	s, mock := newMockPostgres(t)

	existing := samplePlan()
	existing.ID = 7
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + planColumns + ` FROM plans WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(planRows(existing))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO plan_approvals`)).
		WithArgs(int64(7), "g-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, s.AddApproval(context.Background(), 7, "g-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApprovalCount(t *testing.T) {
	s, mock := newMockPostgres(t)

	existing := samplePlan()
	existing.ID = 7
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + planColumns + ` FROM plans WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(planRows(existing))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM plan_approvals WHERE plan_id = $1`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

	n, err := s.ApprovalCount(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUnreleased(t *testing.T) {
	s, mock := newMockPostgres(t)

	p1 := samplePlan()
	p1.ID = 1
	p2 := samplePlan()
	p2.ID = 3
	rows := planRows(p1)
	rows.AddRow(
		int64(p2.ID), string(p2.Owner), string(p2.Executor),
		[]byte(`["ben-1","ben-2"]`), []byte(`[6000,4000]`), []byte(`["g-1","g-2","g-3"]`),
		int64(p2.Threshold), p2.HeartbeatInterval, p2.MetadataURI,
		p2.LastHeartbeat, p2.Released, p2.CreatedAt,
	)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + planColumns + ` FROM plans WHERE released = FALSE ORDER BY id`)).
		WillReturnRows(rows)

	plans, err := s.Unreleased(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, plan.ID(1), plans[0].ID)
	assert.Equal(t, plan.ID(3), plans[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInit(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plans").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.Init(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
