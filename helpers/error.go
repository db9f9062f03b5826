package helpers

import (
	"strings"

	"github.com/juju/errors"
)

// FoldErrors skips nil. Single error is returned as is, so errors.Cause still works.
func FoldErrors(errs []error) error {
	var first error
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			if first == nil {
				first = e
			}
			ss = append(ss, e.Error())
		}
	}
	switch len(ss) {
	case 0:
		return nil
	case 1:
		return first
	}
	return errors.Errorf("%s", strings.Join(ss, "\n"))
}
