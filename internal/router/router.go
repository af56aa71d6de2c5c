// Package router resolves a free-text query to one session.
//
// Matching is a pure function of the query and the candidate list: it never
// creates sessions and never consults anything but its arguments.
package router

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"

	"github.com/conductor-dev/conductor/internal/errs"
	"github.com/conductor-dev/conductor/internal/session"
)

// Tier identifies which rule decided a match. Lower tiers win.
type Tier int

const (
	TierNone Tier = iota
	// TierExactRepo: query equals the repo name, ignoring case.
	TierExactRepo
	// TierTaskID: query equals the task id, the task name or a step id.
	TierTaskID
	// TierRepoContainsQuery: repo name contains the query.
	TierRepoContainsQuery
	// TierQueryContainsRepo: query contains the repo name.
	TierQueryContainsRepo
	// TierPath: repo path contains the query.
	TierPath
	// TierRecency only ever breaks ties.
	TierRecency
)

var tierNames = map[Tier]string{
	TierNone:              "none",
	TierExactRepo:         "exact-repo",
	TierTaskID:            "task-id",
	TierRepoContainsQuery: "repo-contains-query",
	TierQueryContainsRepo: "query-contains-repo",
	TierPath:              "path",
	TierRecency:           "recency",
}

func (t Tier) String() string {
	if n, ok := tierNames[t]; ok {
		return n
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Result is a successful match.
type Result struct {
	Session *session.Session
	// Tier is the first tier that produced candidates.
	Tier Tier
	// Tied is how many sessions the deciding tier matched.
	Tied int
	// Reason is a short human-readable explanation.
	Reason string
}

// folded is a candidate with its comparison keys precomputed.
type folded struct {
	s        *session.Session
	repo     string
	path     string
	taskID   string
	taskName string
	stepIDs  []string
}

type predicate func(q string, c folded) bool

var tiers = []struct {
	tier Tier
	pred predicate
}{
	{TierExactRepo, func(q string, c folded) bool {
		return c.repo != "" && c.repo == q
	}},
	{TierTaskID, func(q string, c folded) bool {
		if (c.taskID != "" && c.taskID == q) || (c.taskName != "" && c.taskName == q) {
			return true
		}
		for _, id := range c.stepIDs {
			if id == q {
				return true
			}
		}
		return false
	}},
	{TierRepoContainsQuery, func(q string, c folded) bool {
		return c.repo != "" && strings.Contains(c.repo, q)
	}},
	{TierQueryContainsRepo, func(q string, c folded) bool {
		return c.repo != "" && strings.Contains(q, c.repo)
	}},
	{TierPath, func(q string, c folded) bool {
		return c.path != "" && strings.Contains(c.path, q)
	}},
}

// taskNameFilter is the looser task-name test used to separate sibling
// sessions of one repo.
func taskNameFilter(q string, c folded) bool {
	return c.taskName != "" && (strings.Contains(q, c.taskName) || strings.Contains(c.taskName, q))
}

// Match returns the best session for query, or an error wrapping
// errs.ErrNoMatch when no tier matches anything.
//
// The first tier with any candidates decides. Within it, ties are narrowed
// by each later tier in order (a narrowing that would leave nothing is
// skipped). When the repo tiers leave several sessions, a task-name filter
// runs first. Whatever remains is settled by recency: larger last_active,
// then newer created_at, then lower session id.
func Match(query string, candidates []*session.Session) (Result, error) {
	fold := cases.Fold()
	q := fold.String(strings.TrimSpace(query))
	if q == "" {
		return Result{}, errs.Invalidf("empty routing query")
	}

	all := make([]folded, 0, len(candidates))
	for _, s := range candidates {
		if s == nil {
			continue
		}
		c := folded{
			s:        s,
			repo:     fold.String(s.Repo),
			path:     fold.String(s.RepoPath),
			taskID:   fold.String(s.Task.ID),
			taskName: fold.String(s.Task.Name),
		}
		for _, st := range s.Steps {
			c.stepIDs = append(c.stepIDs, fold.String(st.ID))
		}
		all = append(all, c)
	}

	for i, t := range tiers {
		set := filter(all, q, t.pred)
		if len(set) == 0 {
			continue
		}
		tied := len(set)
		var notes []string

		if len(set) > 1 && isRepoTier(t.tier) {
			if narrowed := filter(set, q, taskNameFilter); len(narrowed) > 0 && len(narrowed) < len(set) {
				set = narrowed
				notes = append(notes, "task name")
			}
		}
		for _, later := range tiers[i+1:] {
			if len(set) == 1 {
				break
			}
			if narrowed := filter(set, q, later.pred); len(narrowed) > 0 && len(narrowed) < len(set) {
				set = narrowed
				notes = append(notes, later.tier.String())
			}
		}
		if len(set) > 1 {
			notes = append(notes, TierRecency.String())
		}

		best := mostRecent(set)
		return Result{
			Session: best.s,
			Tier:    t.tier,
			Tied:    tied,
			Reason:  reason(t.tier, best, notes),
		}, nil
	}

	return Result{}, fmt.Errorf("%w: nothing matches %q", errs.ErrNoMatch, query)
}

func isRepoTier(t Tier) bool {
	return t == TierExactRepo || t == TierRepoContainsQuery || t == TierQueryContainsRepo
}

func filter(in []folded, q string, pred predicate) []folded {
	var out []folded
	for _, c := range in {
		if pred(q, c) {
			out = append(out, c)
		}
	}
	return out
}

func mostRecent(set []folded) folded {
	best := set[0]
	for _, c := range set[1:] {
		if newer(c.s, best.s) {
			best = c
		}
	}
	return best
}

// newer reports whether a should win a recency tie against b.
func newer(a, b *session.Session) bool {
	if !a.LastActive.Equal(b.LastActive) {
		return a.LastActive.After(b.LastActive)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func reason(t Tier, c folded, notes []string) string {
	var r string
	switch t {
	case TierExactRepo:
		r = fmt.Sprintf("repo %q matches exactly", c.s.Repo)
	case TierTaskID:
		r = fmt.Sprintf("task %q matches", c.s.Task.Name)
	case TierRepoContainsQuery:
		r = fmt.Sprintf("repo %q contains query", c.s.Repo)
	case TierQueryContainsRepo:
		r = fmt.Sprintf("query mentions repo %q", c.s.Repo)
	case TierPath:
		r = fmt.Sprintf("path %s contains query", c.s.RepoPath)
	}
	if len(notes) > 0 {
		r += " (tie broken by " + strings.Join(notes, ", ") + ")"
	}
	return r
}
