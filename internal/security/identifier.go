package security

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the MySQL limit for table and column names. It is
// also enforced for ClickHouse so a job can target either destination.
const MaxIdentifierLength = 64

var identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateIdentifier checks that identifier can be interpolated into SQL.
// Drivers only bind values, never table or column names, so every name
// that reaches a statement goes through here first. Reserved words are
// accepted because identifiers are always backtick quoted.
func ValidateIdentifier(identifier string, identifierType string) error {
	if len(identifier) == 0 {
		return fmt.Errorf("%s cannot be empty", identifierType)
	}
	if len(identifier) > MaxIdentifierLength {
		return fmt.Errorf("%s too long (%d characters, max %d): %s", identifierType, len(identifier), MaxIdentifierLength, identifier)
	}
	if !identifierRegex.MatchString(identifier) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric and underscore allowed, must start with letter or underscore): %s", identifierType, identifier)
	}
	return nil
}

// QuoteIdentifier wraps identifier in backticks, doubling embedded ones.
// Both MySQL and ClickHouse accept this form.
func QuoteIdentifier(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

func ValidateAndQuote(identifier string, identifierType string) (string, error) {
	if err := ValidateIdentifier(identifier, identifierType); err != nil {
		return "", err
	}
	return QuoteIdentifier(identifier), nil
}

// QualifiedName returns `database`.`table`, or just `table` when database is empty.
func QualifiedName(database, table string) (string, error) {
	quotedTable, err := ValidateAndQuote(table, "table name")
	if err != nil {
		return "", err
	}
	if database == "" {
		return quotedTable, nil
	}
	quotedDB, err := ValidateAndQuote(database, "database name")
	if err != nil {
		return "", err
	}
	return quotedDB + "." + quotedTable, nil
}

// QuoteColumnList validates and quotes columns, joined by ", ".
func QuoteColumnList(columns []string) (string, error) {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		q, err := ValidateAndQuote(col, "column name")
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, ", "), nil
}

// QuoteString renders s as a single-quoted SQL string literal. It is used
// only where the server does not accept a placeholder (file names in
// LOAD DATA, SET statements).
func QuoteString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\x00", `\0`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}
