package market

import "strings"

// ProjectFilter is a pure predicate over a project. Filters compose with
// AND semantics: a project is listed only when every filter matches.
type ProjectFilter func(Project) bool

// MatchProject reports whether the project passes every filter.
func MatchProject(project Project, filters ...ProjectFilter) bool {
	for _, filter := range filters {
		if filter != nil && !filter(project) {
			return false
		}
	}
	return true
}

// FilterStatus matches projects in the given status.
func FilterStatus(status ProjectStatus) ProjectFilter {
	return func(project Project) bool {
		return project.Status == status
	}
}

// FilterCategory matches projects in the given service category.
func FilterCategory(category string) ProjectFilter {
	return func(project Project) bool {
		return project.Category == category
	}
}

// FilterState matches projects located in the given state, case-insensitively.
func FilterState(state string) ProjectFilter {
	return func(project Project) bool {
		return strings.EqualFold(project.LocationState, state)
	}
}

// FilterBudgetRange matches projects whose budget falls inside
// [minCents, maxCents]. A zero maxCents means no upper bound; projects
// without a budget match only when minCents is zero.
func FilterBudgetRange(minCents, maxCents int64) ProjectFilter {
	return func(project Project) bool {
		if project.BudgetCents < minCents {
			return false
		}
		if maxCents > 0 && project.BudgetCents > maxCents {
			return false
		}
		return true
	}
}
