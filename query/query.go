// Package query implements duskdb's query algebra: a closed set of
// query variants, each able to execute either as an index walk or as a full-scan
// filter over a decoded document, composed via And/Or/Not.
package query

import "github.com/duskdb/duskdb/document"

// Query is the sealed interface every query variant implements. The unexported
// method keeps the set closed to this package: each variant carries both halves
// of the index-walk/full-scan dispatch its executor picks between.
type Query interface {
	sealed()
}

// cmpOp is a single-field comparison operator.
type cmpOp int

const (
	opEQ cmpOp = iota
	opGT
	opGTE
	opLT
	opLTE
)

// Compare is a single-field EQ/GT/GTE/LT/LTE query.
type Compare struct {
	Field string
	Op    cmpOp
	Value document.Value
}

func (Compare) sealed() {}

func EQ(field string, v document.Value) Compare  { return Compare{Field: field, Op: opEQ, Value: v} }
func GT(field string, v document.Value) Compare  { return Compare{Field: field, Op: opGT, Value: v} }
func GTE(field string, v document.Value) Compare { return Compare{Field: field, Op: opGTE, Value: v} }
func LT(field string, v document.Value) Compare  { return Compare{Field: field, Op: opLT, Value: v} }
func LTE(field string, v document.Value) Compare { return Compare{Field: field, Op: opLTE, Value: v} }

// BetweenQuery matches keys in the closed interval [Lo, Hi].
type BetweenQuery struct {
	Field  string
	Lo, Hi document.Value
}

func (BetweenQuery) sealed() {}

func Between(field string, lo, hi document.Value) BetweenQuery {
	return BetweenQuery{Field: field, Lo: lo, Hi: hi}
}

// StartsWithQuery matches string values with the given leading prefix.
type StartsWithQuery struct {
	Field  string
	Prefix string
}

func (StartsWithQuery) sealed() {}

func StartsWith(field, prefix string) StartsWithQuery {
	return StartsWithQuery{Field: field, Prefix: prefix}
}

// InQuery matches any of Values — executed as the union of their EQ walks when
// indexed.
type InQuery struct {
	Field  string
	Values []document.Value
}

func (InQuery) sealed() {}

func In(field string, values ...document.Value) InQuery {
	return InQuery{Field: field, Values: values}
}

// AllQuery matches every document, in the given traversal order.
type AllQuery struct {
	Descending bool
}

func (AllQuery) sealed() {}

// All matches every document in the collection, ascending by `_id` unless desc is
// set.
func All(desc bool) AllQuery { return AllQuery{Descending: desc} }

// AndQuery matches documents satisfying both operands.
type AndQuery struct{ A, B Query }

func (AndQuery) sealed() {}

func And(a, b Query) AndQuery { return AndQuery{A: a, B: b} }

// OrQuery matches documents satisfying either operand.
type OrQuery struct{ A, B Query }

func (OrQuery) sealed() {}

func Or(a, b Query) OrQuery { return OrQuery{A: a, B: b} }

// NotQuery matches every document Q does not.
type NotQuery struct{ Q Query }

func (NotQuery) sealed() {}

func Not(q Query) NotQuery { return NotQuery{Q: q} }
