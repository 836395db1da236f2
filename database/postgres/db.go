package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sagarc03/filevault"
)

type columnInfo struct {
	name       string
	dataType   string
	isNullable bool
}

func validateTableSchema(ctx context.Context, pool *pgxpool.Pool, tableName string, expectedSchema map[string]columnInfo) error {
	if !filevault.IsValidTableName(tableName) {
		return fmt.Errorf("validate table schema: invalid table name: %s", tableName)
	}

	exists, err := tableExists(ctx, pool, tableName)
	if err != nil {
		return fmt.Errorf("validate table schema: %w", err)
	}

	if !exists {
		return fmt.Errorf("validate table schema: table %s does not exist", tableName)
	}

	query := `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`

	rows, err := pool.Query(ctx, query, tableName)
	if err != nil {
		return fmt.Errorf("validate table schema: query columns: %w", err)
	}
	defer rows.Close()

	actualColumns := make(map[string]columnInfo)
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return fmt.Errorf("validate table schema: scan column: %w", err)
		}
		actualColumns[name] = columnInfo{
			name:       name,
			dataType:   strings.ToLower(dataType),
			isNullable: nullable == "YES",
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("validate table schema: rows error: %w", err)
	}

	var missing, mismatched []string

	for colName, expected := range expectedSchema {
		actual, ok := actualColumns[colName]
		if !ok {
			missing = append(missing, colName)
			continue
		}

		if actual.dataType != expected.dataType {
			mismatched = append(mismatched,
				fmt.Sprintf("%s: expected %s, got %s", colName, expected.dataType, actual.dataType))
		}

		if actual.isNullable != expected.isNullable {
			mismatched = append(mismatched,
				fmt.Sprintf("%s: expected nullable=%v, got nullable=%v", colName, expected.isNullable, actual.isNullable))
		}
	}

	if len(missing) > 0 || len(mismatched) > 0 {
		var errMsg strings.Builder
		fmt.Fprintf(&errMsg, "table %s schema validation failed:\n", tableName)

		if len(missing) > 0 {
			fmt.Fprintf(&errMsg, "  missing columns: %s\n", strings.Join(missing, ", "))
		}

		if len(mismatched) > 0 {
			fmt.Fprintf(&errMsg, "  mismatched columns:\n")
			for _, msg := range mismatched {
				fmt.Fprintf(&errMsg, "    - %s\n", msg)
			}
		}

		return errors.New(errMsg.String())
	}

	return nil
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, tableName string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM information_schema.tables
			WHERE table_schema = current_schema()
			AND table_name = $1
		)
	`
	err := pool.QueryRow(ctx, query, tableName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table exists: %w", err)
	}
	return exists, nil
}

var fileTableSchema = map[string]columnInfo{
	"id":               {"id", "uuid", false},
	"owner":            {"owner", "text", false},
	"path":             {"path", "text", false},
	"backend":          {"backend", "text", false},
	"blob_key":         {"blob_key", "text", false},
	"size_bytes":       {"size_bytes", "bigint", false},
	"checksum":         {"checksum", "text", false},
	"content_type":     {"content_type", "text", false},
	"version":          {"version", "bigint", false},
	"status":           {"status", "text", false},
	"cleanup_attempts": {"cleanup_attempts", "integer", false},
	"created_at":       {"created_at", "timestamp with time zone", false},
	"updated_at":       {"updated_at", "timestamp with time zone", false},
	"deleted_at":       {"deleted_at", "timestamp with time zone", true},
}

// ValidateSchema checks that the files table has every column the repo
// reads and writes, with the expected type and nullability.
func ValidateSchema(ctx context.Context, pool *pgxpool.Pool, tables filevault.Tables) error {
	if err := validateTableSchema(ctx, pool, tables.Files, fileTableSchema); err != nil {
		return fmt.Errorf("validate schema %s: %w", tables.Files, err)
	}
	return nil
}
