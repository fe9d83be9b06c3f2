// Package planner translates the host engine's projection/filter/ORDER-BY/
// LIMIT plan into parameterized, collation-safe T-SQL (spec.md §4.5). No
// pack example file builds SQL text from a filter tree, so the predicate
// IR and translation logic are grounded on spec.md §4.5 directly; the
// quoting/escaping discipline follows the teacher's defensive string
// handling conventions (explicit escaping helpers, never raw
// concatenation — see internal/sqltext).
package planner

import (
	"fmt"
	"strings"

	"github.com/dbbouncer/mssqlcore/internal/sqltext"
	"github.com/dbbouncer/mssqlcore/internal/wire"
)

// Op enumerates the predicate operators spec.md §4.5 lists as pushable.
type Op int

const (
	OpEq Op = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
	OpIsNull
	OpIsNotNull
	OpBetween
	OpIn
	OpLike
	OpILike
)

// ColumnRef names a column and, when known, its catalog-provided collation
// (needed for collation-safe binding and the ILIKE decision).
type ColumnRef struct {
	Name       string
	Collation  *wire.Collation
	IsText     bool
}

// Node is one node of the engine's filter tree.
type Node interface{ isNode() }

// Cmp is a single comparison/membership/pattern predicate against one
// column.
type Cmp struct {
	Column ColumnRef
	Op     Op
	Args   []any // 0 for IS [NOT] NULL, 1 for most, 2 for BETWEEN, N for IN
}

func (Cmp) isNode() {}

type And struct{ Children []Node }

func (And) isNode() {}

type Or struct{ Children []Node }

func (Or) isNode() {}

type Not struct{ Child Node }

func (Not) isNode() {}

// FuncOp names a pushable string function (spec.md §4.5 lists LOWER, UPPER,
// LEN, SUBSTRING alongside the comparison operators).
type FuncOp int

const (
	FuncLower FuncOp = iota
	FuncUpper
	FuncLen
	FuncSubstring
)

// FuncCmp compares a function-wrapped column expression — LOWER(col),
// UPPER(col), LEN(col), or SUBSTRING(col, start, length) — against a value.
// Shaped like Cmp but carries the extra positional arguments SUBSTRING
// needs.
type FuncCmp struct {
	Func     FuncOp
	Column   ColumnRef
	FuncArgs []any // SUBSTRING's (start, length); unused for LOWER/UPPER/LEN
	Op       Op
	Args     []any // comparison operand(s), same shape as Cmp.Args
}

func (FuncCmp) isNode() {}

// maxInListSize bounds IN(...) pushdown (spec.md §4.5 "up to a configured
// size").
const maxInListSize = 1000

// OrderSpec is one ORDER BY term.
type OrderSpec struct {
	Column string
	Desc   bool
}

// Plan is the engine-side request the planner translates.
type Plan struct {
	Schema     string
	Table      string
	Projection []string // nil/empty means SELECT *
	Filter     Node     // nil means no WHERE
	OrderBy    []OrderSpec
	Limit      *int64 // nil means no limit
}

// Built is the translated execution form plus whatever filter subtree
// could not be pushed down.
type Built struct {
	SQL          string // the full "EXEC sp_executesql ..." statement
	LocalFilter  Node   // nil if the whole filter pushed down
}

// paramBinder accumulates @pN parameter declarations/values as the
// predicate tree is walked.
type paramBinder struct {
	decls []string
	binds []string
	n     int
}

func (b *paramBinder) bind(value any, col ColumnRef) (string, error) {
	return b.bindAs(value, col.IsText, col)
}

// bindAs is bind with the textual-ness of the comparison decided by the
// caller rather than derived from col.IsText — needed for LEN(col), whose
// result is an integer even though col itself is text.
func (b *paramBinder) bindAs(value any, textual bool, col ColumnRef) (string, error) {
	b.n++
	name := fmt.Sprintf("@p%d", b.n)
	b.decls = append(b.decls, name+" NVARCHAR(MAX)")
	lit, err := sqltext.Literal(value)
	if err != nil {
		return "", err
	}
	b.binds = append(b.binds, fmt.Sprintf("%s=%s", name, lit))

	// Collation-safe binding (spec.md §4.5): when comparing to a VARCHAR
	// column with known collation, wrap the *parameter* with CONVERT+COLLATE
	// so the column side stays sargable.
	if textual && col.Collation != nil {
		return fmt.Sprintf("CONVERT(varchar(max), %s) COLLATE %s", name, collationName(*col.Collation)), nil
	}
	return name, nil
}

// collationName picks the collation name used in the COLLATE wrap from the
// collation's case-sensitivity bit alone: Latin1_General_CI_AS for a
// case-insensitive collation, Latin1_General_CS_AS otherwise. The LCID and
// the column's actual named collation (such as the DATABASEPROPERTYEX
// default the catalog provider fetches) are not used.
func collationName(c wire.Collation) string {
	if c.CaseInsensitive() {
		return "Latin1_General_CI_AS"
	}
	return "Latin1_General_CS_AS"
}

// Build translates plan into an sp_executesql call. When part of the
// filter cannot be pushed, the pushable subset becomes the WHERE clause and
// the remainder is returned as LocalFilter for the caller to evaluate
// in-engine (spec.md §4.5).
func Build(plan Plan) (Built, error) {
	binder := &paramBinder{}

	projection := "*"
	if len(plan.Projection) > 0 {
		parts := make([]string, len(plan.Projection))
		for i, c := range plan.Projection {
			parts[i] = sqltext.QuoteIdent(c)
		}
		projection = strings.Join(parts, ", ")
	}

	var where string
	var local Node
	if plan.Filter != nil {
		pushed, rest, err := splitNode(plan.Filter, binder)
		if err != nil {
			return Built{}, err
		}
		if pushed != "" {
			where = " WHERE " + pushed
		}
		local = rest
	}

	var orderBy string
	if len(plan.OrderBy) > 0 {
		terms := make([]string, len(plan.OrderBy))
		for i, o := range plan.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms[i] = fmt.Sprintf("%s %s", sqltext.QuoteIdent(o.Column), dir)
		}
		orderBy = " ORDER BY " + strings.Join(terms, ", ")
	}

	top := ""
	if plan.Limit != nil && len(plan.OrderBy) > 0 {
		top = fmt.Sprintf("TOP (%d) ", *plan.Limit)
	}

	stmt := fmt.Sprintf("SELECT %s%s FROM %s%s%s%s;", top, projection,
		sqltext.QuoteQualified(plan.Schema, plan.Table), where, orderBy, "")

	declStr := "N''"
	if len(binder.decls) > 0 {
		declStr = sqltext.QuoteStringLiteral(strings.Join(binder.decls, ", "))
	}
	exec := fmt.Sprintf("EXEC sp_executesql %s, %s", sqltext.QuoteStringLiteral(stmt), declStr)
	if len(binder.binds) > 0 {
		exec += ", " + strings.Join(binder.binds, ", ")
	}
	exec += ";"

	return Built{SQL: exec, LocalFilter: local}, nil
}

// splitNode pushes as much of node as possible into SQL, returning the
// pushed WHERE fragment and whatever subtree must stay local.
//
// Open Question decision (SPEC_FULL.md): an AND splits into a pushable set
// and a local set independently per child; an OR/NOT subtree containing
// ANY unsupported node is entirely local, since partially pushing an OR
// would change result semantics.
func splitNode(node Node, binder *paramBinder) (pushed string, local Node, err error) {
	switch n := node.(type) {
	case And:
		var pushedParts []string
		var localParts []Node
		for _, child := range n.Children {
			p, l, err := splitNode(child, binder)
			if err != nil {
				return "", nil, err
			}
			if p != "" {
				pushedParts = append(pushedParts, p)
			}
			if l != nil {
				localParts = append(localParts, l)
			}
		}
		var localNode Node
		if len(localParts) == 1 {
			localNode = localParts[0]
		} else if len(localParts) > 1 {
			localNode = And{Children: localParts}
		}
		if len(pushedParts) == 0 {
			return "", localNode, nil
		}
		return "(" + strings.Join(pushedParts, " AND ") + ")", localNode, nil

	case Or, Not:
		ok, frag, err := tryPushWhole(node, binder)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return frag, nil, nil
		}
		return "", node, nil

	case Cmp:
		ok, frag, err := pushCmp(n, binder)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return frag, nil, nil
		}
		return "", node, nil

	case FuncCmp:
		ok, frag, err := pushFuncCmp(n, binder)
		if err != nil {
			return "", nil, err
		}
		if ok {
			return frag, nil, nil
		}
		return "", node, nil

	default:
		return "", node, nil
	}
}

// tryPushWhole attempts to push an OR/NOT subtree as a single unit —
// it is only pushed if every leaf within it is pushable.
func tryPushWhole(node Node, binder *paramBinder) (bool, string, error) {
	switch n := node.(type) {
	case Or:
		parts := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			ok, frag, err := tryPushWhole(c, binder)
			if err != nil {
				return false, "", err
			}
			if !ok {
				return false, "", nil
			}
			parts = append(parts, frag)
		}
		return true, "(" + strings.Join(parts, " OR ") + ")", nil
	case Not:
		ok, frag, err := tryPushWhole(n.Child, binder)
		if !ok || err != nil {
			return false, "", err
		}
		return true, "(NOT " + frag + ")", nil
	case And:
		parts := make([]string, 0, len(n.Children))
		for _, c := range n.Children {
			ok, frag, err := tryPushWhole(c, binder)
			if err != nil {
				return false, "", err
			}
			if !ok {
				return false, "", nil
			}
			parts = append(parts, frag)
		}
		return true, "(" + strings.Join(parts, " AND ") + ")", nil
	case Cmp:
		return pushCmp(n, binder)
	case FuncCmp:
		return pushFuncCmp(n, binder)
	default:
		return false, "", nil
	}
}

func pushCmp(c Cmp, binder *paramBinder) (bool, string, error) {
	col := sqltext.QuoteIdent(c.Column.Name)
	switch c.Op {
	case OpIsNull:
		return true, col + " IS NULL", nil
	case OpIsNotNull:
		return true, col + " IS NOT NULL", nil
	case OpEq, OpNE, OpLT, OpLE, OpGT, OpGE:
		if len(c.Args) != 1 {
			return false, "", nil
		}
		bound, err := binder.bind(c.Args[0], c.Column)
		if err != nil {
			return false, "", err
		}
		return true, fmt.Sprintf("%s %s %s", col, opSymbol(c.Op), bound), nil
	case OpBetween:
		if len(c.Args) != 2 {
			return false, "", nil
		}
		lo, err := binder.bind(c.Args[0], c.Column)
		if err != nil {
			return false, "", err
		}
		hi, err := binder.bind(c.Args[1], c.Column)
		if err != nil {
			return false, "", err
		}
		return true, fmt.Sprintf("%s BETWEEN %s AND %s", col, lo, hi), nil
	case OpIn:
		if len(c.Args) == 0 || len(c.Args) > maxInListSize {
			// Oversized IN: whole conjunct stays local (SPEC_FULL.md Open
			// Question decision).
			return false, "", nil
		}
		bounds := make([]string, len(c.Args))
		for i, a := range c.Args {
			b, err := binder.bind(a, c.Column)
			if err != nil {
				return false, "", err
			}
			bounds[i] = b
		}
		return true, fmt.Sprintf("%s IN (%s)", col, strings.Join(bounds, ", ")), nil
	case OpLike:
		if len(c.Args) != 1 {
			return false, "", nil
		}
		pattern, ok := c.Args[0].(string)
		if !ok {
			return false, "", nil
		}
		bound, err := binder.bind(sqltext.EscapeLikePattern(pattern), c.Column)
		if err != nil {
			return false, "", err
		}
		return true, fmt.Sprintf("%s LIKE %s ESCAPE '\\'", col, bound), nil
	case OpILike:
		// Open Question decision: only pushes as plain LIKE when the
		// column's collation is already case-insensitive; otherwise stays
		// local (no LOWER()-wrapping path, since that breaks sargability).
		if c.Column.Collation == nil || !c.Column.Collation.CaseInsensitive() {
			return false, "", nil
		}
		if len(c.Args) != 1 {
			return false, "", nil
		}
		pattern, ok := c.Args[0].(string)
		if !ok {
			return false, "", nil
		}
		bound, err := binder.bind(sqltext.EscapeLikePattern(pattern), c.Column)
		if err != nil {
			return false, "", err
		}
		return true, fmt.Sprintf("%s LIKE %s ESCAPE '\\'", col, bound), nil
	default:
		return false, "", nil
	}
}

// pushFuncCmp pushes a LOWER/UPPER/LEN/SUBSTRING predicate (spec.md §4.5).
// A malformed FuncCmp (wrong SUBSTRING arity, non-integer start/length)
// stays local rather than failing the whole Build, the same as a malformed
// LIKE/IN in pushCmp.
func pushFuncCmp(c FuncCmp, binder *paramBinder) (bool, string, error) {
	expr, err := funcExpr(c.Func, c.Column, c.FuncArgs)
	if err != nil {
		return false, "", nil
	}
	// LEN(col) yields an integer even when col itself is text, so its
	// comparison operand must not get the VARCHAR collation wrap.
	textual := c.Func != FuncLen
	switch c.Op {
	case OpIsNull:
		return true, expr + " IS NULL", nil
	case OpIsNotNull:
		return true, expr + " IS NOT NULL", nil
	case OpEq, OpNE, OpLT, OpLE, OpGT, OpGE:
		if len(c.Args) != 1 {
			return false, "", nil
		}
		bound, err := binder.bindAs(c.Args[0], textual, c.Column)
		if err != nil {
			return false, "", err
		}
		return true, fmt.Sprintf("%s %s %s", expr, opSymbol(c.Op), bound), nil
	default:
		return false, "", nil
	}
}

// funcExpr renders the SQL text for one pushable function-wrapped column
// expression. SUBSTRING's start/length are emitted as literal integers in
// the statement text (like TOP's limit), not as @-bound parameters, since
// they are structural plan values rather than engine-supplied data.
func funcExpr(fn FuncOp, col ColumnRef, args []any) (string, error) {
	quoted := sqltext.QuoteIdent(col.Name)
	switch fn {
	case FuncLower:
		return fmt.Sprintf("LOWER(%s)", quoted), nil
	case FuncUpper:
		return fmt.Sprintf("UPPER(%s)", quoted), nil
	case FuncLen:
		return fmt.Sprintf("LEN(%s)", quoted), nil
	case FuncSubstring:
		if len(args) != 2 {
			return "", fmt.Errorf("planner: SUBSTRING requires (start, length), got %d args", len(args))
		}
		start, ok1 := toIntArg(args[0])
		length, ok2 := toIntArg(args[1])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("planner: SUBSTRING start/length must be integers")
		}
		return fmt.Sprintf("SUBSTRING(%s, %d, %d)", quoted, start, length), nil
	default:
		return "", fmt.Errorf("planner: unknown function op %v", fn)
	}
}

func toIntArg(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

func opSymbol(op Op) string {
	switch op {
	case OpEq:
		return "="
	case OpNE:
		return "<>"
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	default:
		return "="
	}
}
