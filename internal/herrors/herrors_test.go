package herrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/matryer/is"
)

func TestKindOfUnwrapsWrappedCoreError(t *testing.T) {
	is := is.New(t)
	inner := New(LostSync, "walker.seek")
	outer := fmt.Errorf("reload: %w", inner)

	is.Equal(KindOf(outer), LostSync)
}

func TestCoreErrorIsMatchesByKind(t *testing.T) {
	is := is.New(t)
	a := New(PlaylistLoadFailed, "loader.refresh")
	b := New(PlaylistLoadFailed, "loader.refresh2")
	is.True(errors.Is(a, b)) // Is compares Kind, not Op or message
}

func TestCoreErrorUnwrap(t *testing.T) {
	is := is.New(t)
	cause := errors.New("connection reset")
	wrapped := Wrap(PlaylistLoadFailed, "download.get", cause)
	is.True(errors.Is(wrapped, cause))
}
