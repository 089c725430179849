package model

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/Ludea/speedupdate/pkg/errors"
)

var cleanNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// CleanName is a revision or package name restricted to
// [A-Za-z0-9_.-]+ so it is always safe as a path segment.
type CleanName string

// NewCleanName validates name and returns it as a CleanName.
func NewCleanName(name string) (CleanName, error) {
	if !cleanNameRe.MatchString(name) {
		return "", errors.Newf(errors.KindUnsupportedFormat,
			"invalid name %q (must match [A-Za-z0-9_.-]+)", name)
	}
	return CleanName(name), nil
}

func (c CleanName) String() string { return string(c) }

// CompareRevisions orders two revision strings by dotted-numeric
// comparison, segment by segment. Numeric segments compare as
// integers, a numeric segment orders before a non-numeric one, and
// two non-numeric segments compare lexicographically. A shorter
// revision orders before a longer one with the same prefix.
func CompareRevisions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.ParseUint(as[i], 10, 64)
		bn, berr := strconv.ParseUint(bs[i], 10, 64)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case aerr == nil:
			return -1 // numeric orders before non-numeric
		case berr == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}
