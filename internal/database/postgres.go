package database

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

type PgRoomStore struct {
	conn *sql.DB
}

func NewPgRoomStore(dsn string) (*PgRoomStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &PgRoomStore{conn: db}, nil
}

func (db *PgRoomStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgRoomStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
