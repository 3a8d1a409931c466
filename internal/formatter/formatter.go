// Package formatter caps the rows a T-SQL query can return.
//
// Rewrites are surgical edits on the clause list of the primary SELECT: the
// text outside the edited span (comments, CTE bodies, subqueries) is kept
// byte for byte. The recognized shapes are
//
//	[;][WITH cte AS (...)[, ...]] SELECT [ALL|DISTINCT] [TOP n | TOP (n)] ...
//	    [ORDER BY ... [OFFSET n ROW[S] [FETCH FIRST|NEXT n ROW[S] ONLY]]]
//	    [FOR ...] [OPTION (...)] [;]
//
// Anything else is reported with ErrUnsupported rather than returned
// unmodified, so a caller never runs an uncapped query by mistake.
package formatter

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rickchristie/mssql-mcp/internal/sqlscan"
)

var (
	// ErrUnsupported means the query shape cannot be rewritten safely.
	ErrUnsupported = errors.New("query cannot be rewritten safely")
	// ErrInvalidArgument means a limit, cap or offset was out of range.
	ErrInvalidArgument = errors.New("invalid rewrite argument")
)

// Mode selects the rewrite applied by Apply.
type Mode int

const (
	TopLimit Mode = iota
	OffsetPagination
)

// Request describes a rewrite.
type Request struct {
	Query  string
	Mode   Mode
	Cap    int
	Offset int // OffsetPagination only
	Limit  int // OffsetPagination only
}

// Result is a rewritten query plus advisory warnings. Warnings never block execution.
type Result struct {
	Query     string   `json:"query"`
	Warnings  []string `json:"warnings,omitempty"`
	Rewritten bool     `json:"rewritten"`
}

// Apply dispatches req to ApplyTopLimit or ApplyPaginationAndLimit.
func Apply(req Request) (Result, error) {
	switch req.Mode {
	case TopLimit:
		return ApplyTopLimit(req.Query, req.Cap)
	case OffsetPagination:
		return ApplyPaginationAndLimit(req.Query, req.Offset, req.Limit, req.Cap)
	default:
		return Result{}, fmt.Errorf("%w: unknown mode %d", ErrInvalidArgument, req.Mode)
	}
}

// ApplyTopLimit makes the primary SELECT return at most limit rows. An existing
// TOP n becomes TOP min(n, limit); otherwise TOP limit is injected after SELECT
// (and after DISTINCT/ALL). A query already paginated with OFFSET/FETCH gets its
// FETCH count clamped instead, since TOP and OFFSET cannot be combined.
func ApplyTopLimit(query string, limit int) (Result, error) {
	if limit < 1 {
		return Result{}, fmt.Errorf("%w: row limit must be >= 1, got %d", ErrInvalidArgument, limit)
	}
	s, err := scan(query)
	if err != nil {
		return Result{}, err
	}

	var edits []edit
	var warnings []string

	switch {
	case s.page.present:
		if !s.hasOrderBy {
			return Result{}, fmt.Errorf("%w: OFFSET/FETCH without ORDER BY", ErrUnsupported)
		}
		switch {
		case s.page.fetchIdx < 0:
			edits = append(edits, edit{at: s.page.end, end: s.page.end, text: fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit)})
		case s.page.fetchNumIdx < 0:
			return Result{}, fmt.Errorf("%w: FETCH count is not a numeric literal", ErrUnsupported)
		case s.page.fetchN > int64(limit):
			tok := s.toks[s.page.fetchNumIdx]
			edits = append(edits, edit{at: tok.Start, end: tok.End, text: strconv.Itoa(limit)})
			warnings = append(warnings, fmt.Sprintf("FETCH NEXT %d reduced to %d (maximum rows)", s.page.fetchN, limit))
		}

	case s.top.present:
		if s.top.percent {
			return Result{}, fmt.Errorf("%w: TOP ... PERCENT cannot be capped to a row count", ErrUnsupported)
		}
		if s.top.numIdx < 0 {
			return Result{}, fmt.Errorf("%w: TOP value is not a numeric literal", ErrUnsupported)
		}
		if s.top.n > int64(limit) {
			tok := s.toks[s.top.numIdx]
			edits = append(edits, edit{at: tok.Start, end: tok.End, text: strconv.Itoa(limit)})
			warnings = append(warnings, fmt.Sprintf("TOP %d reduced to %d (maximum rows)", s.top.n, limit))
		}

	default:
		edits = append(edits, edit{at: s.anchor, end: s.anchor, text: fmt.Sprintf(" TOP %d", limit)})
	}

	if s.setOp {
		warnings = append(warnings, "row limit applies to the first SELECT of a UNION/EXCEPT/INTERSECT only")
	}

	out := applyEdits(query, edits)
	return Result{Query: out, Warnings: warnings, Rewritten: out != query}, nil
}

// ApplyPaginationAndLimit pages the primary SELECT with OFFSET offset ROWS
// FETCH NEXT n ROWS ONLY, where n is limit clamped to [1, cap]. An existing
// OFFSET/FETCH clause is replaced; an existing TOP is converted, and a literal
// TOP smaller than n becomes the page size. Without an
// ORDER BY the query falls back to TOP n with a warning, because OFFSET/FETCH
// requires one.
func ApplyPaginationAndLimit(query string, offset, limit, cap int) (Result, error) {
	if cap < 1 {
		return Result{}, fmt.Errorf("%w: cap must be >= 1, got %d", ErrInvalidArgument, cap)
	}
	if offset < 0 {
		return Result{}, fmt.Errorf("%w: offset must be >= 0, got %d", ErrInvalidArgument, offset)
	}

	fetch := limit
	var warnings []string
	if fetch > cap {
		warnings = append(warnings, fmt.Sprintf("limit %d reduced to %d (maximum rows)", limit, cap))
		fetch = cap
	}
	if fetch < 1 {
		fetch = 1
	}

	s, err := scan(query)
	if err != nil {
		return Result{}, err
	}

	if !s.hasOrderBy {
		if s.page.present {
			return Result{}, fmt.Errorf("%w: OFFSET/FETCH without ORDER BY", ErrUnsupported)
		}
		res, err := ApplyTopLimit(query, fetch)
		if err != nil {
			return Result{}, err
		}
		msg := fmt.Sprintf("pagination not applied: OFFSET/FETCH requires ORDER BY, returning at most the first %d rows", fetch)
		if offset > 0 {
			msg += fmt.Sprintf(" (offset %d ignored)", offset)
		}
		res.Warnings = append(append(warnings, msg), res.Warnings...)
		return res, nil
	}

	clause := fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, fetch)
	var edits []edit

	if s.page.present {
		edits = append(edits, edit{at: s.page.start, end: s.page.end, text: clause})
	} else {
		if s.top.present {
			if s.top.percent || s.top.withTies {
				return Result{}, fmt.Errorf("%w: TOP with PERCENT or WITH TIES cannot be converted to OFFSET/FETCH", ErrUnsupported)
			}
			end := s.top.end
			for end < len(query) && (query[end] == ' ' || query[end] == '\t') {
				end++
			}
			edits = append(edits, edit{at: s.top.start, end: end})
			warnings = append(warnings, "TOP clause converted to OFFSET/FETCH pagination")
			if s.top.numIdx >= 0 && s.top.n >= 1 && s.top.n < int64(fetch) {
				warnings = append(warnings, fmt.Sprintf("page size %d reduced to %d (the query's own TOP)", fetch, s.top.n))
				fetch = int(s.top.n)
				clause = fmt.Sprintf("OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, fetch)
			}
		}
		edits = append(edits, s.tailInsert(clause))
	}

	if s.setOp {
		warnings = append(warnings, "pagination applies to the combined result of the UNION/EXCEPT/INTERSECT")
	}

	out := applyEdits(query, edits)
	return Result{Query: out, Warnings: warnings, Rewritten: out != query}, nil
}

// --- scanning ---

type topClause struct {
	present  bool
	start    int // byte offsets of the whole clause
	end      int
	numIdx   int // token index of the literal row count, -1 when an expression
	n        int64
	percent  bool
	withTies bool
}

type pageClause struct {
	present     bool
	start       int // byte offsets from OFFSET through ONLY (or ROWS)
	end         int
	fetchIdx    int // token index of FETCH, -1 when absent
	fetchNumIdx int // token index of the literal fetch count, -1 when an expression
	fetchN      int64
}

type scanned struct {
	src        string
	toks       []sqlscan.Token
	selectIdx  int
	anchor     int // byte offset right after SELECT [ALL|DISTINCT]
	top        topClause
	page       pageClause
	orderByIdx int
	hasOrderBy bool
	setOp      bool
}

func scan(query string) (*scanned, error) {
	toks := sqlscan.Significant(query)
	idx := sqlscan.PrimarySelect(toks)
	if idx < 0 {
		return nil, fmt.Errorf("%w: no top-level SELECT found", ErrUnsupported)
	}
	s := &scanned{src: query, toks: toks, selectIdx: idx, orderByIdx: -1}

	j := idx + 1
	s.anchor = toks[idx].End
	if j < len(toks) && (toks[j].Is("DISTINCT") || toks[j].Is("ALL")) {
		s.anchor = toks[j].End
		j++
	}
	if j < len(toks) && toks[j].Is("TOP") {
		top, err := parseTop(toks, j)
		if err != nil {
			return nil, err
		}
		s.top = top
	}

	offsetIdx, fetchIdx := -1, -1
	for i := idx + 1; i < len(toks); i++ {
		t := toks[i]
		if t.Depth != 0 || t.Kind != sqlscan.Word {
			continue
		}
		switch strings.ToUpper(t.Text) {
		case "ORDER":
			if i+1 < len(toks) && toks[i+1].Is("BY") {
				s.hasOrderBy = true
				s.orderByIdx = i
			}
		case "OFFSET":
			if offsetIdx < 0 {
				offsetIdx = i
			}
		case "FETCH":
			if fetchIdx < 0 {
				fetchIdx = i
			}
		case "UNION", "EXCEPT", "INTERSECT":
			s.setOp = true
		}
	}

	switch {
	case offsetIdx >= 0:
		page, err := parsePage(toks, offsetIdx)
		if err != nil {
			return nil, err
		}
		s.page = page
	case fetchIdx >= 0:
		return nil, fmt.Errorf("%w: FETCH without OFFSET", ErrUnsupported)
	}
	return s, nil
}

// parseTop reads TOP n | TOP (n) [PERCENT] [WITH TIES] starting at toks[j] (TOP).
func parseTop(toks []sqlscan.Token, j int) (topClause, error) {
	c := topClause{present: true, start: toks[j].Start, numIdx: -1}
	k := j + 1
	if k >= len(toks) {
		return c, fmt.Errorf("%w: TOP without a value", ErrUnsupported)
	}
	switch {
	case toks[k].Kind == sqlscan.Number:
		c.numIdx = k
		c.end = toks[k].End
		k++
	case toks[k].IsPunct("("):
		closeIdx := sqlscan.MatchParen(toks, k)
		if closeIdx < 0 {
			return c, fmt.Errorf("%w: unbalanced parentheses in TOP clause", ErrUnsupported)
		}
		if closeIdx == k+2 && toks[k+1].Kind == sqlscan.Number {
			c.numIdx = k + 1
		}
		c.end = toks[closeIdx].End
		k = closeIdx + 1
	default:
		return c, fmt.Errorf("%w: unrecognized TOP clause", ErrUnsupported)
	}
	if c.numIdx >= 0 {
		n, err := strconv.ParseInt(toks[c.numIdx].Text, 10, 64)
		if err != nil {
			c.numIdx = -1
		} else {
			c.n = n
		}
	}
	if k < len(toks) && toks[k].Is("PERCENT") {
		c.percent = true
		c.end = toks[k].End
		k++
	}
	if k+1 < len(toks) && toks[k].Is("WITH") && toks[k+1].Is("TIES") {
		c.withTies = true
		c.end = toks[k+1].End
	}
	return c, nil
}

// parsePage reads OFFSET expr ROW[S] [FETCH FIRST|NEXT expr ROW[S] ONLY] starting at toks[o].
func parsePage(toks []sqlscan.Token, o int) (pageClause, error) {
	c := pageClause{present: true, start: toks[o].Start, fetchIdx: -1, fetchNumIdx: -1}

	rows := findRowsWord(toks, o+1)
	if rows < 0 {
		return c, fmt.Errorf("%w: OFFSET clause without ROWS", ErrUnsupported)
	}
	c.end = toks[rows].End

	f := rows + 1
	if f >= len(toks) || !toks[f].Is("FETCH") {
		return c, nil
	}
	c.fetchIdx = f
	if f+1 >= len(toks) || !(toks[f+1].Is("NEXT") || toks[f+1].Is("FIRST")) {
		return c, fmt.Errorf("%w: FETCH must be followed by FIRST or NEXT", ErrUnsupported)
	}
	fetchRows := findRowsWord(toks, f+2)
	if fetchRows < 0 {
		return c, fmt.Errorf("%w: FETCH clause without ROWS", ErrUnsupported)
	}
	switch {
	case fetchRows == f+3 && toks[f+2].Kind == sqlscan.Number:
		c.fetchNumIdx = f + 2
	case fetchRows == f+5 && toks[f+2].IsPunct("(") && toks[f+3].Kind == sqlscan.Number && toks[f+4].IsPunct(")"):
		c.fetchNumIdx = f + 3
	}
	if c.fetchNumIdx >= 0 {
		n, err := strconv.ParseInt(toks[c.fetchNumIdx].Text, 10, 64)
		if err != nil {
			c.fetchNumIdx = -1
		} else {
			c.fetchN = n
		}
	}
	c.end = toks[fetchRows].End
	if fetchRows+1 < len(toks) && toks[fetchRows+1].Is("ONLY") {
		c.end = toks[fetchRows+1].End
	}
	return c, nil
}

func findRowsWord(toks []sqlscan.Token, from int) int {
	for i := from; i < len(toks); i++ {
		if toks[i].Depth != 0 {
			continue
		}
		if toks[i].Is("ROW") || toks[i].Is("ROWS") {
			return i
		}
		if toks[i].Kind == sqlscan.Word && (toks[i].Is("FETCH") || toks[i].Is("FOR") || toks[i].Is("OPTION")) {
			return -1
		}
	}
	return -1
}

// tailInsert places clause after ORDER BY: before a top-level FOR or OPTION
// clause if there is one, otherwise after the last token that is not a
// trailing semicolon.
func (s *scanned) tailInsert(clause string) edit {
	for i := s.orderByIdx; i < len(s.toks); i++ {
		t := s.toks[i]
		if t.Depth == 0 && (t.Is("FOR") || t.Is("OPTION")) {
			return edit{at: t.Start, end: t.Start, text: clause + " "}
		}
	}
	last := len(s.toks) - 1
	for last > s.selectIdx && s.toks[last].IsPunct(";") {
		last--
	}
	pos := s.toks[last].End
	return edit{at: pos, end: pos, text: " " + clause}
}

// --- editing ---

// edit replaces src[at:end] with text.
type edit struct {
	at   int
	end  int
	text string
}

func applyEdits(src string, edits []edit) string {
	if len(edits) == 0 {
		return src
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].at < edits[j].at })
	var sb strings.Builder
	pos := 0
	for _, e := range edits {
		sb.WriteString(src[pos:e.at])
		sb.WriteString(e.text)
		pos = e.end
	}
	sb.WriteString(src[pos:])
	return sb.String()
}
