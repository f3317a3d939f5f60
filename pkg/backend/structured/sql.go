package structured

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// extractSQL pulls the statement out of a model reply, dropping code fences
// and a trailing semicolon.
func extractSQL(text string) string {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			lang := strings.TrimSpace(body[:nl])
			if lang == "" || strings.EqualFold(lang, "sql") {
				body = body[nl+1:]
			}
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		text = body
	}
	text = strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToLower(text), "sqlquery:") {
		text = strings.TrimSpace(text[len("sqlquery:"):])
	}
	return strings.TrimSpace(strings.TrimRight(text, "; \n\t"))
}

var errNotReadOnly = errors.New("only read-only SELECT statements are allowed")

// writeKeywords may not appear outside string literals, so a WITH clause
// cannot wrap a data-modifying statement.
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "REPLACE": true,
	"UPSERT": true, "DROP": true, "ALTER": true, "CREATE": true,
	"ATTACH": true, "DETACH": true, "PRAGMA": true, "VACUUM": true,
	"REINDEX": true,
}

// checkReadOnly accepts a single SELECT or WITH statement. The connection is
// also opened query-only, so this only gives the model early feedback.
func checkReadOnly(query string) error {
	words := sqlWords(query)
	if len(words) == 0 {
		return errNotReadOnly
	}
	switch words[0] {
	case "SELECT", "WITH":
	default:
		return errNotReadOnly
	}
	for _, w := range words[1:] {
		if writeKeywords[w] {
			return fmt.Errorf("%w: found %s", errNotReadOnly, w)
		}
	}
	if strings.Contains(query, ";") {
		return errors.New("multiple statements are not allowed")
	}
	return nil
}

// sqlWords returns the upper-cased bare words of query, skipping quoted
// strings and identifiers.
func sqlWords(query string) []string {
	var words []string
	var quote rune
	start := -1
	flush := func(end int) {
		if start >= 0 {
			words = append(words, strings.ToUpper(query[start:end]))
			start = -1
		}
	}
	for i, r := range query {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		switch {
		case r == '\'' || r == '"' || r == '`':
			flush(i)
			quote = r
		case r == '_' || unicode.IsLetter(r) || (start >= 0 && unicode.IsDigit(r)):
			if start < 0 {
				start = i
			}
		default:
			flush(i)
		}
	}
	flush(len(query))
	return words
}

// readOnlyDSN makes every pooled sqlite connection reject writes.
func readOnlyDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=query_only(1)"
}

func readSchema(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var ddl []string
	for rows.Next() {
		var stmt sql.NullString
		if err := rows.Scan(&stmt); err != nil {
			return "", err
		}
		if stmt.Valid {
			ddl = append(ddl, strings.TrimSpace(stmt.String))
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ddl) == 0 {
		return "", errors.New("database has no tables")
	}
	return strings.Join(ddl, "\n\n"), nil
}

// runQuery executes query in a read-only transaction and renders at most
// maxRows rows as a pipe table.
func runQuery(ctx context.Context, db *sql.DB, query string, maxRows int) (string, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.Join(cols, " | "))

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	n, extra := 0, 0
	for rows.Next() {
		if n >= maxRows {
			extra++
			continue
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatValue(v)
		}
		b.WriteString("\n")
		b.WriteString(strings.Join(cells, " | "))
		n++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if n == 0 {
		b.WriteString("\n(no rows)")
	}
	if extra > 0 {
		fmt.Fprintf(&b, "\n(%d more rows not shown)", extra)
	}
	return b.String(), nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
