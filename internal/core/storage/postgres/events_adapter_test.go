package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	v1 "github.com/monstera-lab/monstera/internal/api/v1"
	"github.com/monstera-lab/monstera/internal/core/storage"
)

func TestAdapter_SaveEvent(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		event      *v1.Event
		mockResult func(mock sqlmock.Sqlmock, event *v1.Event)
		assertions func(t *testing.T, event *v1.Event, err error)
	}{
		{
			name: "success sets ingest seq",
			event: &v1.Event{
				ID:           "evt-1",
				EntityID:     "user-1",
				EntityType:   v1.EntityUser,
				Type:         "user_login",
				OccurredAt:   now,
				Location:     "web_app",
				SessionID:    "sess-1",
				Metadata:     v1.RawMetadata{"device_type": "desktop"},
				IsQualifying: true,
				IngestedAt:   now.Add(time.Second),
			},
			mockResult: func(mock sqlmock.Sqlmock, event *v1.Event) {
				mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
					WithArgs(
						event.ID,
						event.EntityID,
						event.EntityType,
						event.Type,
						event.OccurredAt,
						event.Location,
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
						event.IsQualifying,
						event.IsActivation,
						event.IngestedAt,
					).
					WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}).AddRow(int64(42)))
			},
			assertions: func(t *testing.T, event *v1.Event, err error) {
				require.NoError(t, err)
				require.Equal(t, int64(42), event.IngestSeq)
			},
		},
		{
			name: "duplicate maps to ErrDuplicate",
			event: &v1.Event{
				ID:         "evt-dup",
				EntityID:   "user-1",
				EntityType: v1.EntityUser,
				Type:       "user_login",
				OccurredAt: now,
				Location:   "web_app",
				IngestedAt: now.Add(time.Second),
			},
			mockResult: func(mock sqlmock.Sqlmock, event *v1.Event) {
				mock.ExpectQuery(regexp.QuoteMeta(querySaveEvent)).
					WithArgs(
						event.ID,
						event.EntityID,
						event.EntityType,
						event.Type,
						event.OccurredAt,
						event.Location,
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
						sqlmock.AnyArg(),
						event.IsQualifying,
						event.IsActivation,
						event.IngestedAt,
					).
					WillReturnRows(sqlmock.NewRows([]string{"ingest_seq"}))
			},
			assertions: func(t *testing.T, event *v1.Event, err error) {
				require.ErrorIs(t, err, storage.ErrDuplicate)
				require.Equal(t, int64(0), event.IngestSeq)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, mock, db := newMockAdapter(t)
			defer db.Close()

			if tc.mockResult != nil {
				tc.mockResult(mock, tc.event)
			}

			err := adapter.SaveEvent(context.Background(), tc.event)
			tc.assertions(t, tc.event, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAdapter_RetrieveEventsAfterCursor(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	occurredAt := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	ingestedAt := occurredAt.Add(2 * time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveEventsAfterCursor)).
		WithArgs(int64(100), 2).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow(
				"evt-101", "user-1", "user", "user_login",
				occurredAt, "web_app", "sess-1", nil,
				[]byte(`{"device_type":"desktop"}`), true, false,
				ingestedAt, int64(101),
			).
			AddRow(
				"evt-102", "user-1", "user", "video_create",
				occurredAt.Add(time.Minute), "web_app", "sess-1", "video-editor",
				[]byte(`{"video_id":"vid-9"}`), true, true,
				ingestedAt.Add(time.Minute), int64(102),
			),
		).RowsWillBeClosed()

	events, err := adapter.RetrieveEventsAfterCursor(context.Background(), 100, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "evt-101", events[0].ID)
	require.Equal(t, int64(101), events[0].IngestSeq)
	require.Equal(t, "desktop", events[0].Metadata["device_type"])
	require.Empty(t, events[0].ProductID)
	require.Equal(t, "evt-102", events[1].ID)
	require.Equal(t, "video-editor", events[1].ProductID)
	require.True(t, events[1].IsActivation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_RetrieveEntityHistory(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	watermark := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(queryRetrieveEntityHistory)).
		WithArgs("user-1", watermark).
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow(
				"evt-1", "user-1", "user", "user_signup",
				watermark.Add(-72*time.Hour), "web_app", nil, nil,
				nil, true, false,
				watermark.Add(-72*time.Hour), int64(1),
			),
		).RowsWillBeClosed()

	events, err := adapter.RetrieveEntityHistory(context.Background(), "user-1", watermark)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "user_signup", events[0].Type)
	require.Nil(t, events[0].Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_SaveQuarantined(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	q := &storage.QuarantinedEvent{
		ID:            "evt-bad",
		EntityID:      "user-ghost",
		EntityType:    "user",
		EventType:     "user_login",
		OccurredAt:    now.Add(-time.Hour),
		Payload:       v1.RawMetadata{"device_type": "desktop"},
		Reason:        "unknown_entity",
		Detail:        `user "user-ghost" has no entity record`,
		QuarantinedAt: now,
	}

	mock.ExpectExec(regexp.QuoteMeta(querySaveQuarantined)).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), q.Reason, sqlmock.AnyArg(),
			q.QuarantinedAt,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, adapter.SaveQuarantined(context.Background(), q))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_QuarantineCounts(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryQuarantineCounts)).
		WillReturnRows(sqlmock.NewRows([]string{"reason", "count"}).
			AddRow("unknown_entity", int64(7)).
			AddRow("stale_timestamp", int64(2)),
		).RowsWillBeClosed()

	counts, err := adapter.QuarantineCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"unknown_entity": 7, "stale_timestamp": 2}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	adapter := &Adapter{
		db:                       db,
		stmtSaveEvent:            mustPrepareStmt(t, db, mock, querySaveEvent),
		stmtRetrieveEventsCursor: mustPrepareStmt(t, db, mock, queryRetrieveEventsAfterCursor),
		stmtEntityHistory:        mustPrepareStmt(t, db, mock, queryRetrieveEntityHistory),
		stmtAccountHistory:       mustPrepareStmt(t, db, mock, queryRetrieveAccountHistory),
		stmtSaveQuarantined:      mustPrepareStmt(t, db, mock, querySaveQuarantined),
	}

	return adapter, mock, db
}

func mustPrepareStmt(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock, query string) *sql.Stmt {
	t.Helper()

	mock.ExpectPrepare(regexp.QuoteMeta(query))
	stmt, err := db.Prepare(query)
	require.NoError(t, err)

	return stmt
}

func eventRowColumns() []string {
	return []string{
		"id", "entity_id", "entity_type", "event_type",
		"occurred_at", "location", "session_id", "product_id",
		"metadata", "is_qualifying", "is_activation",
		"ingested_at", "ingest_seq",
	}
}
