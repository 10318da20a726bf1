package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"

	"flowhook.app/automation/internal/model"
)

const eventTable = "outbox_events"

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// pgEventStore is the Postgres outbox collection.
//
// Expected schema:
//
//	CREATE TABLE outbox_events (
//	    id           BIGINT PRIMARY KEY,
//	    topic        TEXT NOT NULL,
//	    origin       TEXT NOT NULL,
//	    action       TEXT,
//	    payload      JSONB NOT NULL,
//	    target_user  TEXT,
//	    tags         JSONB NOT NULL DEFAULT '[]',
//	    state        TEXT NOT NULL,
//	    lease_expiry TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
//	    retry_count  INT NOT NULL DEFAULT 0,
//	    hop_count    INT NOT NULL DEFAULT 0,
//	    tenant_id    TEXT NOT NULL DEFAULT '',
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX outbox_events_due ON outbox_events (state, lease_expiry);
type pgEventStore struct {
	q querier
}

func (s *pgEventStore) Insert(ctx context.Context, event *model.Event) error {
	tags, err := jsonCodec.Marshal(event.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	query, args, err := goqu.Dialect(dialectPostgres).
		Insert(eventTable).
		Rows(goqu.Record{
			"id":           event.ID,
			"topic":        event.Topic,
			"origin":       event.Origin,
			"action":       event.Action,
			"payload":      []byte(event.Payload),
			"target_user":  event.TargetUser,
			"tags":         tags,
			"state":        string(event.State),
			"lease_expiry": event.LeaseExpiry,
			"retry_count":  event.RetryCount,
			"hop_count":    event.HopCount,
			"tenant_id":    event.TenantID,
			"created_at":   event.CreatedAt,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting event %d: %w", event.ID, err)
	}
	return nil
}

func (s *pgEventStore) Get(ctx context.Context, id int64) (*model.Event, error) {
	query, args, err := selectEvents().
		Where(goqu.C("id").Eq(id)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

func (s *pgEventStore) ListDue(ctx context.Context, cutoff time.Time, limit int) ([]model.Event, error) {
	stmt := selectEvents().
		Where(goqu.Or(
			goqu.C("state").Eq(string(model.EventStateNew)),
			goqu.And(
				goqu.C("state").Eq(string(model.EventStateReserved)),
				goqu.C("lease_expiry").Lt(cutoff),
			),
		)).
		Order(goqu.I("id").Asc())
	if limit > 0 {
		stmt = stmt.Limit(uint(limit))
	}

	query, args, err := stmt.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building due query: %w", err)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying due events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *pgEventStore) Reserve(ctx context.Context, events []model.Event) error {
	// Last writer wins for state/lease/retry only: no version predicate on
	// purpose, concurrent pumps may race here and the lease makes it safe.
	var errs []error
	for i := range events {
		e := &events[i]
		query, args, err := goqu.Dialect(dialectPostgres).
			Update(eventTable).
			Set(goqu.Record{
				"state":        string(e.State),
				"lease_expiry": e.LeaseExpiry,
				"retry_count":  e.RetryCount,
			}).
			Where(goqu.C("id").Eq(e.ID)).
			Prepared(true).ToSQL()
		if err != nil {
			errs = append(errs, fmt.Errorf("building reserve for %d: %w", e.ID, err))
			continue
		}
		if _, err := s.q.Exec(ctx, query, args...); err != nil {
			errs = append(errs, fmt.Errorf("reserving event %d: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *pgEventStore) DeleteBatch(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := goqu.Dialect(dialectPostgres).
		Delete(eventTable).
		Where(goqu.C("id").In(ids)).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	if _, err := s.q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting %d events: %w", len(ids), err)
	}
	return nil
}

func selectEvents() *goqu.SelectDataset {
	return goqu.Dialect(dialectPostgres).
		From(eventTable).
		Select("id", "topic", "origin", "action", "payload", "target_user",
			"tags", "state", "lease_expiry", "retry_count", "hop_count",
			"tenant_id", "created_at")
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	//nolint:prealloc // result count unknown from SQL query
	var events []model.Event
	for rows.Next() {
		var (
			e       model.Event
			state   string
			payload []byte
			tags    []byte
		)
		if err := rows.Scan(&e.ID, &e.Topic, &e.Origin, &e.Action, &payload,
			&e.TargetUser, &tags, &state, &e.LeaseExpiry, &e.RetryCount,
			&e.HopCount, &e.TenantID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.State = model.EventState(state)
		e.Payload = payload
		if len(tags) > 0 {
			if err := jsonCodec.Unmarshal(tags, &e.Tags); err != nil {
				return nil, fmt.Errorf("corrupt tags on event %d: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
