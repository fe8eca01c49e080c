package storage

import (
	"os"
	"path/filepath"

	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/types"
	"gopkg.in/yaml.v3"
)

// schemaPath is tables/<table>.schema (spec.md §6 on-disk layout).
func schemaPath(dataDir, table string) string {
	return filepath.Join(dataDir, "tables", table+".schema")
}

func saveSchema(dataDir string, schema *types.TableSchema) error {
	if err := os.MkdirAll(filepath.Join(dataDir, "tables"), 0o755); err != nil {
		return errs.Wrap(errs.KindConfig, "SchemaWriteFailed", "mkdir tables dir", err)
	}
	data, err := yaml.Marshal(schema)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "SchemaWriteFailed", "marshal schema", err)
	}
	if err := os.WriteFile(schemaPath(dataDir, schema.Name), data, 0o644); err != nil {
		return errs.Wrap(errs.KindConfig, "SchemaWriteFailed", "write schema file", err)
	}
	return nil
}

func loadSchema(dataDir, table string) (*types.TableSchema, error) {
	data, err := os.ReadFile(schemaPath(dataDir, table))
	if err != nil {
		return nil, errs.TableNotFound(table)
	}
	var schema types.TableSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, errs.Wrap(errs.KindCorruptData, "SchemaCorrupt", "unmarshal schema", err)
	}
	return &schema, nil
}

func dropSchema(dataDir, table string) error {
	err := os.Remove(schemaPath(dataDir, table))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindConfig, "SchemaDeleteFailed", "remove schema file", err)
	}
	return nil
}

// listSchemas enumerates every table with a persisted schema, used at
// engine startup to rebuild the in-memory catalog.
func listSchemas(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "tables"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var tables []string
	for _, e := range entries {
		name := e.Name()
		const suffix = ".schema"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			tables = append(tables, name[:len(name)-len(suffix)])
		}
	}
	return tables, nil
}
