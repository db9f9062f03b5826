package helpers

import (
	"fmt"
	"io"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))

	single := errors.Annotate(io.EOF, "read")
	assert.Equal(t, single, FoldErrors([]error{nil, single}))
	assert.Equal(t, io.EOF, errors.Cause(FoldErrors([]error{single})))

	err := FoldErrors([]error{fmt.Errorf("first"), nil, fmt.Errorf("100%% second")})
	assert.EqualError(t, err, "first\n100% second")
}
