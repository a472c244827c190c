package recording

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/fatih/structs"
)

// QueryParams narrows and pages a table read.
type QueryParams struct {
	// Where holds the WHERE clause without the "WHERE" keyword.
	Where string

	// Args holds the arguments for the placeholders in Where.
	Args []any

	// Limit is the maximum number of records to return; zero means no limit.
	Limit int

	// Offset is the number of records to skip.
	Offset int

	// OrderBy specifies sorting, without the "ORDER BY" keywords.
	OrderBy string
}

// Reader reads recorded run data back out of the database.
type Reader interface {
	// MapTable establishes a mapping between a database table and a Go
	// struct type. The mapping is required before querying a table.
	MapTable(tableName string, sampleEntry any)

	// ListTables returns the tables that have been mapped.
	ListTables() []string

	// Query reads entries from a table.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	// Close closes the reader.
	Close() error
}

type sqliteReader struct {
	*sql.DB

	typeMap map[string]reflect.Type
}

// NewReader opens a recording database for reading.
func NewReader(dbFilename string) Reader {
	db, err := sql.Open("sqlite3", dbFilename)
	if err != nil {
		panic(err)
	}

	return &sqliteReader{
		DB:      db,
		typeMap: make(map[string]reflect.Type),
	}
}

// NewReaderWithDB creates a Reader on an already-open database.
func NewReaderWithDB(db *sql.DB) Reader {
	return &sqliteReader{
		DB:      db,
		typeMap: make(map[string]reflect.Type),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.typeMap[tableName] = reflect.TypeOf(sampleEntry)
}

func (r *sqliteReader) ListTables() []string {
	tables := make([]string, 0, len(r.typeMap))
	for table := range r.typeMap {
		tables = append(tables, table)
	}

	return tables
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	structType, ok := r.typeMap[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("no mapping found for table: %s", tableName)
	}

	total, err := r.countRows(ctx, tableName, params)
	if err != nil {
		return nil, 0, err
	}

	query := r.buildQuery(tableName, structType, params)

	rows, err := r.QueryContext(ctx, query, params.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := make([]any, 0)
	for rows.Next() {
		entry := reflect.New(structType).Elem()

		fields := make([]any, structType.NumField())
		for i := range fields {
			fields[i] = entry.Field(i).Addr().Interface()
		}

		if err := rows.Scan(fields...); err != nil {
			return nil, 0, err
		}

		results = append(results, entry.Interface())
	}

	return results, total, rows.Err()
}

func (r *sqliteReader) countRows(
	ctx context.Context,
	tableName string,
	params QueryParams,
) (int, error) {
	query := "SELECT COUNT(*) FROM " + tableName
	if params.Where != "" {
		query += " WHERE " + params.Where
	}

	var total int
	err := r.QueryRowContext(ctx, query, params.Args...).Scan(&total)

	return total, err
}

func (r *sqliteReader) buildQuery(
	tableName string,
	structType reflect.Type,
	params QueryParams,
) string {
	columns := structs.Names(reflect.New(structType).Elem().Interface())
	query := "SELECT " + strings.Join(columns, ", ") + " FROM " + tableName

	if params.Where != "" {
		query += " WHERE " + params.Where
	}

	if params.OrderBy != "" {
		query += " ORDER BY " + params.OrderBy
	}

	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", params.Limit, params.Offset)
	}

	return query
}

// Close closes the underlying database.
func (r *sqliteReader) Close() error {
	return r.DB.Close()
}
