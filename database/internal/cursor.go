// Package internal holds helpers shared by the SQL metadata backends.
package internal

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cursor is a decoded keyset pagination position: the last row of the
// previous page, identified by its created_at and a tie-breaking key.
type Cursor struct {
	CreatedAt time.Time
	Key       string
}

// EncodeCursor builds the opaque cursor for the row (createdAt, key).
func EncodeCursor(createdAt time.Time, key string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + key
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor. The empty string
// decodes to the zero Cursor, meaning the first page.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}

	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: invalid encoding: %w", err)
	}

	ts, key, ok := strings.Cut(string(raw), "|")
	if !ok {
		return Cursor{}, errors.New("decode cursor: invalid format")
	}
	if key == "" {
		return Cursor{}, errors.New("decode cursor: empty key")
	}

	createdAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: invalid timestamp: %w", err)
	}

	return Cursor{CreatedAt: createdAt, Key: key}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLikePattern escapes LIKE wildcards so s matches literally when used
// with ESCAPE '\'.
func EscapeLikePattern(s string) string {
	return likeEscaper.Replace(s)
}

var globEscaper = strings.NewReplacer(`[`, `[[]`, `*`, `[*]`, `?`, `[?]`)

// EscapeGlobPattern escapes SQLite GLOB wildcards so s matches literally.
// GLOB is used instead of LIKE where case-sensitive matching is required.
func EscapeGlobPattern(s string) string {
	return globEscaper.Replace(s)
}
