// Package migrations resolves the embedded catalog schema migrations per SQL
// dialect.
package migrations

import (
	"fmt"
	"io/fs"
	"strings"

	ocean "github.com/port-labs/ocean-sub007"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	migrationsRoot = "data/sql/migrations"
)

// Tables lists the catalog tables every dialect must create.
var Tables = []string{"ocean_entities", "ocean_delivery_claims"}

// Source is the migration tree of one dialect.
type Source struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// ForDialect resolves the migrations of dialect from root, or from the
// embedded tree when root is nil, and checks that its up migrations create
// every catalog table.
func ForDialect(root fs.FS, dialect string) (Source, error) {
	if root == nil {
		root = ocean.GetMigrationsFS()
	}
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	var path string
	switch dialect {
	case DialectPostgres:
		path = migrationsRoot
	case DialectSQLite:
		path = migrationsRoot + "/sqlite"
	default:
		return Source{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
	sub, err := fs.Sub(root, path)
	if err != nil {
		return Source{}, fmt.Errorf("migrations: resolve %s filesystem: %w", dialect, err)
	}
	source := Source{Dialect: dialect, Path: path, FS: sub}
	if err := checkTables(source); err != nil {
		return Source{}, err
	}
	return source, nil
}

// Register hands the embedded migrations of dialect to register, usually a
// persistence client's RegisterSQLMigrations.
func Register(dialect string, register func(fs.FS)) (Source, error) {
	if register == nil {
		return Source{}, fmt.Errorf("migrations: register function is required")
	}
	source, err := ForDialect(nil, dialect)
	if err != nil {
		return Source{}, err
	}
	register(source.FS)
	return source, nil
}

func checkTables(source Source) error {
	ups, err := fs.Glob(source.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("migrations: glob %s %s: %w", source.Dialect, source.Path, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", source.Dialect, source.Path)
	}
	created := map[string]bool{}
	for _, name := range ups {
		content, err := fs.ReadFile(source.FS, name)
		if err != nil {
			return fmt.Errorf("migrations: read %s/%s: %w", source.Path, name, err)
		}
		statement := strings.ToLower(strings.Join(strings.Fields(string(content)), " "))
		for _, table := range Tables {
			if strings.Contains(statement, "create table if not exists "+table+" ") ||
				strings.Contains(statement, "create table "+table+" ") {
				created[table] = true
			}
		}
	}
	missing := []string{}
	for _, table := range Tables {
		if !created[table] {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("migrations: %s migrations do not create [%s]", source.Dialect, strings.Join(missing, ", "))
	}
	return nil
}
