package diag

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	e := Errorf(CodeAmbiguous, "ambiguous column name: %s", "a")
	assert.Equal(t, "ambiguous column name: a", e.Error())

	e.Clause = "WHERE"
	assert.Equal(t, "WHERE: ambiguous column name: a", e.Error())
}

func TestListAccumulates(t *testing.T) {
	var l List
	assert.Nil(t, l.Err())

	l.Add(Errorf(CodeUnresolved, "no such column: x"))
	l.Add(Errorf(CodeShape, "row value misused"))

	err := l.Err()
	require.Error(t, err)
	assert.Equal(t, "no such column: x (and 1 more)", err.Error())
	assert.True(t, IsUnresolved(err))
	assert.True(t, IsShape(err))
	assert.False(t, IsLimit(err))
	assert.Equal(t, CodeUnresolved, CodeOf(err))

	since := l.Since(1)
	assert.False(t, IsUnresolved(since))
	assert.True(t, IsShape(since))

	l.Truncate(1)
	assert.Equal(t, 1, l.Len())
	assert.Nil(t, l.Since(1))
}

func TestWrappedDiagnostic(t *testing.T) {
	err := fmt.Errorf("compile: %w", Errorf(CodeLimit, "too many terms"))
	assert.True(t, IsLimit(err))
	assert.Len(t, All(err), 1)
	assert.Empty(t, All(errors.New("plain")))
}
