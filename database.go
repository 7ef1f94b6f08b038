package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"golang.org/x/exp/slog"
	_ "modernc.org/sqlite"
)

var (
	//go:embed schema/postgres.sql
	postgresSchema string

	//go:embed schema/sqlite.sql
	sqliteSchema string
)

// Store is the persistence the gallery needs. Implementations report missing
// rows as ErrNotFound and anything that went wrong in the database as
// ErrStorageFailure.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UpsertAlbum(ctx context.Context, name string) (Album, error)
	CreateImage(ctx context.Context, img Image) (Image, error)
	ListImages(ctx context.Context, tag string) ([]Image, error)
	GetImageByID(ctx context.Context, id string) (Image, error)
	DeleteImageByID(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLDatabase implements Store on Postgres or SQLite. Queries are written with
// '?' placeholders and rebound for Postgres.
type SQLDatabase struct {
	db     *sql.DB
	driver string
}

func OpenDatabase(ctx context.Context, cfg Config) (*SQLDatabase, error) {
	switch cfg.DBDriver {
	case DriverSQLite:
		return NewSQLiteDatabase(ctx, cfg.SQLitePath)
	default:
		return NewPostgreSQLDatabase(ctx, cfg.Postgres)
	}
}

func NewPostgreSQLDatabase(ctx context.Context, cfg PostgresConfig) (*SQLDatabase, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, err
	}

	return newSQLDatabase(ctx, db, DriverPostgres, postgresSchema)
}

func NewSQLiteDatabase(ctx context.Context, path string) (*SQLDatabase, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite has a single writer; one connection keeps concurrent requests
	// queued in database/sql instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return newSQLDatabase(ctx, db, DriverSQLite, sqliteSchema)
}

func newSQLDatabase(ctx context.Context, db *sql.DB, driver, schema string) (*SQLDatabase, error) {
	s := &SQLDatabase{db: db, driver: driver}

	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("Database pinged", "driver", driver)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	slog.Info("Database schema is up to date", "driver", driver)

	return s, nil
}

func (s *SQLDatabase) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageError("ping", err)
	}
	return nil
}

func (s *SQLDatabase) Close() error {
	return s.db.Close()
}

func (s *SQLDatabase) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	// A username that is already taken makes the insert return no row. The
	// unique constraint decides, so racing signups cannot both win.
	const createUser = `
	INSERT INTO users (id, username, password_hash)
	VALUES (?, ?, ?)
	ON CONFLICT (username) DO NOTHING
	RETURNING id
	`

	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
	}

	row := s.db.QueryRowContext(ctx, s.rebind(createUser), u.ID, u.Username, u.PasswordHash)
	if err := row.Scan(&u.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrDuplicateUsername
		}
		return User{}, storageError("create user", err)
	}

	return u, nil
}

func (s *SQLDatabase) GetUserByID(ctx context.Context, id string) (User, error) {
	const getUserByID = `
	SELECT
		id,
		username,
		password_hash
	FROM users
	WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(getUserByID), id)
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash); err != nil {
		return User{}, rowError("get user", err)
	}

	return u, nil
}

func (s *SQLDatabase) GetUserByUsername(ctx context.Context, username string) (User, error) {
	const getUserByUsername = `
	SELECT
		id,
		username,
		password_hash
	FROM users
	WHERE username = ?
	`

	row := s.db.QueryRowContext(ctx, s.rebind(getUserByUsername), username)
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash); err != nil {
		return User{}, rowError("get user by username", err)
	}

	return u, nil
}

// UpsertAlbum returns the album called name, creating it if needed, in a
// single statement. The no-op update makes RETURNING yield the existing row.
func (s *SQLDatabase) UpsertAlbum(ctx context.Context, name string) (Album, error) {
	const upsertAlbum = `
	INSERT INTO albums (id, name)
	VALUES (?, ?)
	ON CONFLICT (name) DO UPDATE SET name = excluded.name
	RETURNING id, name
	`

	row := s.db.QueryRowContext(ctx, s.rebind(upsertAlbum), uuid.NewString(), name)
	var a Album
	if err := row.Scan(&a.ID, &a.Name); err != nil {
		return Album{}, storageError("upsert album", err)
	}

	return a, nil
}

func (s *SQLDatabase) CreateImage(ctx context.Context, img Image) (Image, error) {
	const createImage = `
	INSERT INTO images (id, url, caption, tags, album_id, owner_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if img.Tags == nil {
		img.Tags = []string{}
	}

	tags, err := json.Marshal(img.Tags)
	if err != nil {
		return Image{}, fmt.Errorf("create image: encode tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(createImage),
		img.ID,
		img.URL,
		sql.NullString{String: img.Caption, Valid: img.Caption != ""},
		string(tags),
		img.AlbumID,
		img.OwnerID,
		img.CreatedAt,
	)
	if err != nil {
		return Image{}, storageError("create image", err)
	}

	return img, nil
}

// ListImages returns images newest first. A non-empty tag keeps only images
// whose tag set contains exactly that tag.
func (s *SQLDatabase) ListImages(ctx context.Context, tag string) ([]Image, error) {
	const listImages = `
	SELECT
		id,
		url,
		caption,
		tags,
		album_id,
		owner_id,
		created_at
	FROM images
	%s
	ORDER BY created_at DESC, id DESC
	`

	var (
		where string
		args  []any
	)

	if tag != "" {
		where = "WHERE " + s.hasTagClause()
		args = append(args, tag)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(fmt.Sprintf(listImages, where)), args...)
	if err != nil {
		return nil, storageError("list images", err)
	}
	defer rows.Close()

	items := []Image{}

	for rows.Next() {
		i, err := scanImage(rows)
		if err != nil {
			return nil, storageError("list images", err)
		}

		items = append(items, i)
	}

	if err := rows.Err(); err != nil {
		return nil, storageError("list images", err)
	}

	return items, nil
}

func (s *SQLDatabase) GetImageByID(ctx context.Context, id string) (Image, error) {
	const getImageByID = `
	SELECT
		id,
		url,
		caption,
		tags,
		album_id,
		owner_id,
		created_at
	FROM images
	WHERE id = ?
	`

	i, err := scanImage(s.db.QueryRowContext(ctx, s.rebind(getImageByID), id))
	if err != nil {
		return Image{}, rowError("get image", err)
	}

	return i, nil
}

func (s *SQLDatabase) DeleteImageByID(ctx context.Context, id string) error {
	const deleteImageByID = `
	DELETE FROM images
	WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, s.rebind(deleteImageByID), id)
	if err != nil {
		return storageError("delete image", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageError("delete image", err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLDatabase) hasTagClause() string {
	if s.driver == DriverPostgres {
		return "tags::jsonb @> jsonb_build_array(?::text)"
	}
	return "EXISTS (SELECT 1 FROM json_each(images.tags) WHERE json_each.value = ?)"
}

// rebind turns '?' placeholders into '$1', '$2', ... for Postgres.
func (s *SQLDatabase) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var (
		b strings.Builder
		n int
	)

	b.Grow(len(query) + 8)

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}

	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(row scanner) (Image, error) {
	var (
		i       Image
		caption sql.NullString
		tags    string
	)

	if err := row.Scan(
		&i.ID,
		&i.URL,
		&caption,
		&tags,
		&i.AlbumID,
		&i.OwnerID,
		&i.CreatedAt,
	); err != nil {
		return Image{}, err
	}

	if err := json.Unmarshal([]byte(tags), &i.Tags); err != nil {
		return Image{}, fmt.Errorf("decode tags of image %s: %w", i.ID, err)
	}

	if i.Tags == nil {
		i.Tags = []string{}
	}

	i.Caption = caption.String
	i.CreatedAt = i.CreatedAt.UTC()

	return i, nil
}

func rowError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return storageError(op, err)
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}
