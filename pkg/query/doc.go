/*
Package query implements predicate evaluation, sorting, and pagination for
map queries.

A Query is a declarative description of a result set: a predicate tree
selecting records, an optional multi-field sort, a limit, and an opaque
cursor for fetching the next page. The same Query shape drives one-shot
queries and live subscriptions.

# Architecture

Predicates:

  - A Predicate is either a leaf comparison (field, operator, value) or a
    boolean combinator over child predicates
  - Fields address into the record's JSON document with dot paths
  - Comparison operators follow JSON semantics: numbers compare
    numerically, strings lexically, missing fields never match

Sorting:

  - Sort specs list (field, direction) pairs applied in order
  - Ties fall back to the record key, so result order is total and stable
    across nodes evaluating the same data

Cursors:

  - A cursor encodes the sort values and key of the last record on a page
  - AfterCursor resumes strictly after that position, so pages stay
    consistent even as unrelated records change between fetches
  - Cursors are opaque base64 to clients; Decode validates them against
    the query's sort spec

# Integration Points

  - pkg/server: scatter-gathers per-partition evaluation and merges the
    sorted partials
  - pkg/protocol: Query and Result embed in query frames
*/
package query
