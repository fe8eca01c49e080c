package storage

import (
	"github.com/nqdb/nqdb/pkg/errs"
	"github.com/nqdb/nqdb/pkg/types"
)

// maxCascadeDepth bounds foreign-key cascades: a plain visited-set still
// allows an arbitrarily long non-cyclic chain to recurse without limit, so
// depth is the backstop that actually trips FKCycle (DESIGN.md Open
// Question decision).
const maxCascadeDepth = 32

// checkInsertFKs verifies every FK on schema references an existing row
// before the insert is allowed to proceed.
func (e *Engine) checkInsertFKs(schema *types.TableSchema, fields map[string]types.Value) error {
	for _, fk := range schema.ForeignKeys {
		v, ok := fields[fk.FromColumn]
		if !ok || v.IsNull() {
			continue // NULL FK values are always permitted
		}
		target, ok := e.tables[fk.ToTable]
		if !ok {
			return errs.TableNotFound(fk.ToTable)
		}
		if _, found := e.findRowByColumn(target, fk.ToColumn, v); !found {
			return errs.FKViolation(fk.ToTable, fk.ToColumn)
		}
	}
	return nil
}

// cascadeDelete applies every FK across all known tables that references
// (table, deletedValue) — cascading, restricting, nulling, or ignoring per
// each FK's OnDelete action. visited bounds recursion through maxCascadeDepth
// and dedupes (table,rowID) pairs already processed in this cascade.
func (e *Engine) cascadeDelete(table string, deletedKeyCol string, deletedValue types.Value, visited map[string]bool, depth int) error {
	if depth > maxCascadeDepth {
		return errs.FKCycle()
	}
	for name, dependent := range e.tables {
		for _, fk := range dependent.schema.ForeignKeys {
			if fk.ToTable != table || fk.ToColumn != deletedKeyCol {
				continue
			}
			matches := e.findAllRowsByColumn(dependent, fk.FromColumn, deletedValue)
			for _, row := range matches {
				visitKey := name + ":" + itoa(uint64(row.ID))
				if visited[visitKey] {
					continue
				}
				visited[visitKey] = true

				switch fk.OnDelete {
				case types.ActionRestrict, "":
					return errs.FKRestrict(name)
				case types.ActionCascade:
					pk, _ := dependent.schema.Column(dependent.schema.PrimaryKey)
					pkVal := row.Fields[dependent.schema.PrimaryKey]
					if err := e.deleteRowDirect(name, row.ID); err != nil {
						return err
					}
					_ = pk
					if err := e.cascadeDelete(name, dependent.schema.PrimaryKey, pkVal, visited, depth+1); err != nil {
						return err
					}
				case types.ActionSetNull:
					row.Fields[fk.FromColumn] = types.NullValue()
					if err := e.updateRowDirect(name, row); err != nil {
						return err
					}
				case types.ActionNoAction:
					// no-op: referential integrity left to the application
				}
			}
		}
	}
	return nil
}
