package catalog

import "testing"

func TestToLogicalTypeScalarFamilies(t *testing.T) {
	cases := []struct {
		sqlType         string
		precision, scale byte
		want            string
	}{
		{"bit", 0, 0, "BOOL"},
		{"tinyint", 0, 0, "INT8"},
		{"smallint", 0, 0, "INT16"},
		{"int", 0, 0, "INT32"},
		{"bigint", 0, 0, "INT64"},
		{"real", 0, 0, "FLOAT32"},
		{"float", 0, 0, "FLOAT64"},
		{"money", 0, 0, "DECIMAL(19,4)"},
		{"decimal", 18, 4, "DECIMAL(18,4)"},
		{"nvarchar", 0, 0, "STRING"},
		{"varbinary", 0, 0, "BYTES"},
		{"uniqueidentifier", 0, 0, "UUID"},
		{"date", 0, 0, "DATE"},
		{"time", 0, 7, "TIME(7)"},
		{"datetime2", 0, 7, "TIMESTAMP(7)"},
		{"datetimeoffset", 0, 7, "TIMESTAMPTZ(7)"},
		{"datetime", 0, 0, "TIMESTAMP(3)"},
		{"xml", 0, 0, "UNSUPPORTED"},
		{"sql_variant", 0, 0, "UNSUPPORTED"},
		{"hierarchyid", 0, 0, "UNSUPPORTED"},
	}
	for _, c := range cases {
		got := ToLogicalType(c.sqlType, c.precision, c.scale)
		if got != c.want {
			t.Errorf("ToLogicalType(%q, %d, %d) = %q, want %q", c.sqlType, c.precision, c.scale, got, c.want)
		}
	}
}

func TestFromLogicalTypeRoundTripsScalarFamilies(t *testing.T) {
	cases := map[string]string{
		"BOOL":    "bit",
		"INT32":   "int",
		"INT64":   "bigint",
		"FLOAT64": "float",
		"STRING":  "nvarchar(max)",
		"BYTES":   "varbinary(max)",
		"UUID":    "uniqueidentifier",
		"DATE":    "date",
	}
	for logical, want := range cases {
		got, err := FromLogicalType(logical)
		if err != nil {
			t.Fatalf("FromLogicalType(%q): %v", logical, err)
		}
		if got != want {
			t.Errorf("FromLogicalType(%q) = %q, want %q", logical, got, want)
		}
	}
}

func TestFromLogicalTypeRejectsUnrepresentable(t *testing.T) {
	if _, err := FromLogicalType("UNSUPPORTED"); err == nil {
		t.Fatal("expected error for UNSUPPORTED logical type")
	}
}
