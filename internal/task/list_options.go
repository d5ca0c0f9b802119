package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing tasks.
type SortOrder int

const (
	// SortByUpdatedDesc orders tasks by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders tasks by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// ListOptions controls how tasks are selected when querying the store.
// Zero values mean "no filter".
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	Target       string
	Pattern      string
	UpdatedSince time.Time
	UpdatedUntil time.Time
	Order        SortOrder
}

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	opts.Limit = min(opts.Limit, maxListLimit)
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Target = strings.TrimSpace(opts.Target)
	opts.Pattern = strings.TrimSpace(opts.Pattern)
}

// matches reports whether the task passes every filter except paging.
func (opts ListOptions) matches(t *Task) bool {
	switch {
	case len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, t.Status):
		return false
	case opts.Target != "" && t.Target != opts.Target:
		return false
	case opts.Pattern != "" && t.Pattern != opts.Pattern:
		return false
	case !opts.UpdatedSince.IsZero() && t.UpdatedAt.Before(opts.UpdatedSince):
		return false
	case !opts.UpdatedUntil.IsZero() && t.UpdatedAt.After(opts.UpdatedUntil):
		return false
	}
	return true
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of tasks returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching tasks before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters tasks by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithTarget filters tasks routed to one downstream target.
func WithTarget(target string) ListOption {
	return func(opts *ListOptions) {
		opts.Target = target
	}
}

// WithPattern filters tasks submitted under one routing pattern.
func WithPattern(pattern string) ListOption {
	return func(opts *ListOptions) {
		opts.Pattern = pattern
	}
}

// WithUpdatedSince filters tasks updated at or after ts.
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedSince = ts
	}
}

// WithUpdatedUntil filters tasks updated at or before ts.
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedUntil = ts
	}
}

// WithSortOrder changes the returned order of tasks.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// normalizeStatuses drops unknown and repeated statuses, keeping first-seen order.
func normalizeStatuses(input []Status) []Status {
	var result []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(result, status) {
			result = append(result, status)
		}
	}
	return result
}
