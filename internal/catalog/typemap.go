package catalog

import "fmt"

// ToLogicalType maps a sys.types type name (plus precision/scale where they
// matter) to the host engine's logical type name, per spec.md §4.6's fixed
// mapping table. Names follow the engine-facing vocabulary used throughout
// SPEC_FULL.md (INT64, FLOAT64, DECIMAL(p,s), and so on) rather than the
// wire TypeID family in internal/wire, since catalog consumers reason about
// declared SQL types, not decoded wire bytes.
func ToLogicalType(sqlType string, precision, scale byte) string {
	switch sqlType {
	case "bit":
		return "BOOL"
	case "tinyint":
		return "INT8"
	case "smallint":
		return "INT16"
	case "int":
		return "INT32"
	case "bigint":
		return "INT64"
	case "real":
		return "FLOAT32"
	case "float":
		return "FLOAT64"
	case "smallmoney", "money":
		return "DECIMAL(19,4)"
	case "decimal", "numeric":
		return fmt.Sprintf("DECIMAL(%d,%d)", precision, scale)
	case "char", "varchar", "text":
		return "STRING"
	case "nchar", "nvarchar", "ntext":
		return "STRING"
	case "binary", "varbinary", "image":
		return "BYTES"
	case "uniqueidentifier":
		return "UUID"
	case "date":
		return "DATE"
	case "time":
		return fmt.Sprintf("TIME(%d)", scale)
	case "datetime2":
		return fmt.Sprintf("TIMESTAMP(%d)", scale)
	case "datetimeoffset":
		return fmt.Sprintf("TIMESTAMPTZ(%d)", scale)
	case "datetime", "smalldatetime":
		return "TIMESTAMP(3)"
	case "xml", "sql_variant", "hierarchyid", "geography", "geometry":
		return "UNSUPPORTED"
	default:
		return "UNSUPPORTED"
	}
}

// FromLogicalType is the reverse mapping used by CTAS/ADD COLUMN DDL
// generation (spec.md §4.6 "reverse mapping... used for CREATE TABLE and
// ALTER TABLE ADD COLUMN"). Returns an error for a logical type this
// connector cannot represent in a SQL Server column definition.
func FromLogicalType(logical string) (string, error) {
	switch logical {
	case "BOOL":
		return "bit", nil
	case "INT8":
		return "tinyint", nil
	case "INT16":
		return "smallint", nil
	case "INT32":
		return "int", nil
	case "INT64":
		return "bigint", nil
	case "FLOAT32":
		return "real", nil
	case "FLOAT64":
		return "float", nil
	case "STRING":
		return "nvarchar(max)", nil
	case "BYTES":
		return "varbinary(max)", nil
	case "UUID":
		return "uniqueidentifier", nil
	case "DATE":
		return "date", nil
	case "TIME(7)":
		return "time(7)", nil
	case "TIMESTAMP(7)":
		return "datetime2(7)", nil
	case "TIMESTAMPTZ(7)":
		return "datetimeoffset(7)", nil
	default:
		return "", fmt.Errorf("catalog: logical type %q has no SQL Server representation", logical)
	}
}
