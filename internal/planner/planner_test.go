package planner

import (
	"strings"
	"testing"

	"github.com/dbbouncer/mssqlcore/internal/wire"
)

func TestBuildSimpleSelectNoFilter(t *testing.T) {
	plan := Plan{Schema: "dbo", Table: "Orders", Projection: []string{"Id", "Total"}}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Errorf("LocalFilter = %v, want nil", built.LocalFilter)
	}
	if !strings.Contains(built.SQL, "[Id], [Total]") {
		t.Errorf("SQL = %q, missing projected columns", built.SQL)
	}
	if !strings.Contains(built.SQL, "[dbo].[Orders]") {
		t.Errorf("SQL = %q, missing qualified table", built.SQL)
	}
}

func TestBuildEqPushesDownWithBoundParam(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: Cmp{Column: ColumnRef{Name: "Status"}, Op: OpEq, Args: []any{"open"}},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Fatalf("expected full pushdown, got local filter %v", built.LocalFilter)
	}
	if !strings.Contains(built.SQL, "[Status] = @p1") {
		t.Errorf("SQL = %q, want bound @p1 comparison", built.SQL)
	}
	if !strings.Contains(built.SQL, "@p1=N'open'") {
		t.Errorf("SQL = %q, want @p1 bound to literal", built.SQL)
	}
}

func TestBuildAndSplitsPushableAndLocalChildrenIndependently(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: And{Children: []Node{
			Cmp{Column: ColumnRef{Name: "Status"}, Op: OpEq, Args: []any{"open"}},
			Cmp{Column: ColumnRef{Name: "Total"}, Op: OpIn, Args: make([]any, maxInListSize+1)},
		}},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter == nil {
		t.Fatal("expected oversized IN child to remain local")
	}
	if !strings.Contains(built.SQL, "WHERE ([Status] = @p1)") {
		t.Errorf("SQL = %q, want only the eq child pushed", built.SQL)
	}
}

func TestBuildOrPushesOnlyWhenEveryLeafPushes(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: Or{Children: []Node{
			Cmp{Column: ColumnRef{Name: "Status"}, Op: OpEq, Args: []any{"open"}},
			Cmp{Column: ColumnRef{Name: "Total"}, Op: OpIn, Args: make([]any, maxInListSize+1)},
		}},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter == nil {
		t.Fatal("expected the whole OR to stay local since one leaf can't push")
	}
	if strings.Contains(built.SQL, "WHERE") {
		t.Errorf("SQL = %q, should have no WHERE clause", built.SQL)
	}
}

func TestBuildOrderByAndLimitEmitsTopOnlyWithOrder(t *testing.T) {
	limit := int64(10)
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		OrderBy: []OrderSpec{{Column: "Id", Desc: true}},
		Limit:   &limit,
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(built.SQL, "TOP (10)") {
		t.Errorf("SQL = %q, want TOP(10)", built.SQL)
	}
	if !strings.Contains(built.SQL, "ORDER BY [Id] DESC") {
		t.Errorf("SQL = %q, want ORDER BY", built.SQL)
	}
}

func TestBuildLimitWithoutOrderByOmitsTop(t *testing.T) {
	limit := int64(10)
	plan := Plan{Schema: "dbo", Table: "Orders", Limit: &limit}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(built.SQL, "TOP") {
		t.Errorf("SQL = %q, TOP should require ORDER BY", built.SQL)
	}
}

func TestBuildILikePushesOnlyForCaseInsensitiveCollation(t *testing.T) {
	ciCollation := wire.Collation{Flags: 0}
	csCollation := wire.Collation{Flags: 0x01}

	pushable := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: Cmp{Column: ColumnRef{Name: "Name", Collation: &ciCollation, IsText: true}, Op: OpILike, Args: []any{"a%"}},
	}
	built, err := Build(pushable)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Fatalf("expected ILIKE to push for case-insensitive collation, got local %v", built.LocalFilter)
	}

	notPushable := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: Cmp{Column: ColumnRef{Name: "Name", Collation: &csCollation, IsText: true}, Op: OpILike, Args: []any{"a%"}},
	}
	built2, err := Build(notPushable)
	if err != nil {
		t.Fatal(err)
	}
	if built2.LocalFilter == nil {
		t.Fatal("expected ILIKE to stay local for case-sensitive collation")
	}
}

func TestBuildCollationSafeBindingWrapsTextParam(t *testing.T) {
	coll := wire.Collation{Flags: 0}
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: Cmp{Column: ColumnRef{Name: "Name", Collation: &coll, IsText: true}, Op: OpEq, Args: []any{"bob"}},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(built.SQL, "COLLATE Latin1_General_CI_AS") {
		t.Errorf("SQL = %q, want collation-wrapped param", built.SQL)
	}
}

func TestBuildLowerPushesDownAsFunctionExpression(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: FuncCmp{Func: FuncLower, Column: ColumnRef{Name: "Status"}, Op: OpEq, Args: []any{"open"}},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Fatalf("expected full pushdown, got local filter %v", built.LocalFilter)
	}
	if !strings.Contains(built.SQL, "LOWER([Status]) = @p1") {
		t.Errorf("SQL = %q, want LOWER() comparison", built.SQL)
	}
}

func TestBuildUpperPushesDownAsFunctionExpression(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: FuncCmp{Func: FuncUpper, Column: ColumnRef{Name: "Status"}, Op: OpNE, Args: []any{"OPEN"}},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Fatalf("expected full pushdown, got local filter %v", built.LocalFilter)
	}
	if !strings.Contains(built.SQL, "UPPER([Status]) <> @p1") {
		t.Errorf("SQL = %q, want UPPER() comparison", built.SQL)
	}
}

func TestBuildSubstringPushesDownWithLiteralPositionalArgs(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: FuncCmp{
			Func: FuncSubstring, Column: ColumnRef{Name: "Status"},
			FuncArgs: []any{1, 3},
			Op:       OpEq, Args: []any{"ope"},
		},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Fatalf("expected full pushdown, got local filter %v", built.LocalFilter)
	}
	if !strings.Contains(built.SQL, "SUBSTRING([Status], 1, 3) = @p1") {
		t.Errorf("SQL = %q, want SUBSTRING() comparison with literal args", built.SQL)
	}
}

func TestBuildSubstringWithNonIntegerArgsStaysLocal(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: FuncCmp{
			Func: FuncSubstring, Column: ColumnRef{Name: "Status"},
			FuncArgs: []any{"one", 3},
			Op:       OpEq, Args: []any{"ope"},
		},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter == nil {
		t.Fatal("expected malformed SUBSTRING args to stay local rather than fail Build")
	}
	if strings.Contains(built.SQL, "WHERE") {
		t.Errorf("SQL = %q, should have no WHERE clause", built.SQL)
	}
}

func TestBuildLenIsNotCollationWrappedEvenOnTextColumn(t *testing.T) {
	coll := wire.Collation{Flags: 0}
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: FuncCmp{
			Func: FuncLen, Column: ColumnRef{Name: "Name", Collation: &coll, IsText: true},
			Op: OpGT, Args: []any{5},
		},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Fatalf("expected full pushdown, got local filter %v", built.LocalFilter)
	}
	if !strings.Contains(built.SQL, "LEN([Name]) > @p1") {
		t.Errorf("SQL = %q, want LEN() comparison", built.SQL)
	}
	if strings.Contains(built.SQL, "COLLATE") {
		t.Errorf("SQL = %q, LEN()'s integer result must not be collation-wrapped", built.SQL)
	}
}

func TestBuildFuncCmpIsNullPushesDown(t *testing.T) {
	plan := Plan{
		Schema: "dbo", Table: "Orders",
		Filter: FuncCmp{Func: FuncLower, Column: ColumnRef{Name: "Status"}, Op: OpIsNull},
	}
	built, err := Build(plan)
	if err != nil {
		t.Fatal(err)
	}
	if built.LocalFilter != nil {
		t.Fatalf("expected full pushdown, got local filter %v", built.LocalFilter)
	}
	if !strings.Contains(built.SQL, "LOWER([Status]) IS NULL") {
		t.Errorf("SQL = %q, want LOWER() IS NULL", built.SQL)
	}
}
