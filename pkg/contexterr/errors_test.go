package contexterr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without wrapped cause",
			err:  New(KindSchema, "bad field", nil),
			want: "schema: bad field",
		},
		{
			name: "with wrapped cause",
			err:  Wrap(KindIO, "write failed", errors.New("disk full")),
			want: "io: write failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(KindIO, "op failed", cause)

	assert.Same(t, cause, errors.Unwrap(err))
}

func TestErrorIsMatchesOnKindOnly(t *testing.T) {
	a := New(KindConflict, "seq mismatch", map[string]any{"current_seq": 3})
	b := New(KindConflict, "a different message entirely", nil)
	c := New(KindNotFound, "seq mismatch", nil)

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestSentinelsMatchViaErrorsIs(t *testing.T) {
	err := New(KindGate, "milestone token required", nil)

	assert.True(t, errors.Is(err, Gate))
	assert.False(t, errors.Is(err, Conflict))
}

func TestWrapPreservesKind(t *testing.T) {
	err := Wrap(KindCorruption, "ledger sequence gap", errors.New("eof"))
	assert.Equal(t, KindCorruption, err.Kind)
	assert.Error(t, err.Err)
}
