package history

import (
	"context"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff renders a unified diff between two versions of a document.
// Identical inputs produce an empty string.
func UnifiedDiff(previous, current, fromLabel, toLabel string) string {
	if previous == current {
		return ""
	}

	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  3,
	}

	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return strings.TrimSpace(current)
	}

	return strings.TrimSpace(res)
}

// FileDiff is the change of one file between two revisions.
type FileDiff struct {
	From        string `json:"from"`
	To          string `json:"to"`
	FromMissing bool   `json:"fromMissing,omitempty"`
	ToMissing   bool   `json:"toMissing,omitempty"`
	Diff        string `json:"diff"`
}

// Diff compares filename between revisions from and to. A side where the file
// is absent is treated as empty content.
func (e *Engine) Diff(ctx context.Context, id, filename, from, to string) (FileDiff, error) {
	var (
		prev, cur           string
		prevFound, curFound bool
		err                 error
	)
	if prev, prevFound, err = e.source.ContentAt(ctx, id, filename, from); err != nil {
		return FileDiff{}, err
	}
	if cur, curFound, err = e.source.ContentAt(ctx, id, filename, to); err != nil {
		return FileDiff{}, err
	}

	return FileDiff{
		From:        from,
		To:          to,
		FromMissing: !prevFound,
		ToMissing:   !curFound,
		Diff:        UnifiedDiff(prev, cur, filename+"@"+from, filename+"@"+to),
	}, nil
}
