package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrappedError_Error(t *testing.T) {
	tests := []struct {
		name     string
		context  string
		cause    error
		expected string
	}{
		{
			name:     "simple error",
			context:  "reading container header",
			cause:    errors.New("invalid magic"),
			expected: "reading container header: invalid magic",
		},
		{
			name:     "nested error",
			context:  "parsing directory record",
			cause:    errors.New("unexpected tag byte"),
			expected: "parsing directory record: unexpected tag byte",
		},
		{
			name:     "empty context",
			context:  "",
			cause:    errors.New("some error"),
			expected: ": some error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &WrappedError{
				Context: tt.context,
				Cause:   tt.cause,
			}
			require.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name    string
		context string
		cause   error
		wantNil bool
	}{
		{
			name:    "wrap non-nil error",
			context: "reading section",
			cause:   errors.New("IO error"),
			wantNil: false,
		},
		{
			name:    "wrap nil error returns nil",
			context: "some operation",
			cause:   nil,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapError(tt.context, tt.cause)

			if tt.wantNil {
				require.Nil(t, err)
				return
			}

			require.NotNil(t, err)

			// Verify it's a WrappedError
			var wrapped *WrappedError
			ok := errors.As(err, &wrapped)
			require.True(t, ok, "error should be WrappedError type")
			require.Equal(t, tt.context, wrapped.Context)
			require.Equal(t, tt.cause, wrapped.Cause)
		})
	}
}

func TestWrappedError_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	wrapped := WrapError("context", originalErr)

	require.NotNil(t, wrapped)

	// Test using errors.Unwrap
	unwrapped := errors.Unwrap(wrapped)
	require.Equal(t, originalErr, unwrapped)
}

func TestWrappedError_ErrorsIs(t *testing.T) {
	originalErr := errors.New("specific error")
	wrapped := WrapError("first level", originalErr)
	doubleWrapped := WrapError("second level", wrapped)

	// errors.Is should work through the chain
	require.True(t, errors.Is(doubleWrapped, originalErr))
	require.True(t, errors.Is(wrapped, originalErr))
}

func TestWrappedError_ErrorsAs(t *testing.T) {
	originalErr := errors.New("base error")
	wrapped := WrapError("context", originalErr)

	var target *WrappedError
	require.True(t, errors.As(wrapped, &target))
	require.Equal(t, "context", target.Context)
	require.Equal(t, originalErr, target.Cause)
}

func TestWrapError_ChainedWrapping(t *testing.T) {
	// Test multiple levels of wrapping
	baseErr := errors.New("base error")
	level1 := WrapError("level 1", baseErr)
	level2 := WrapError("level 2", level1)
	level3 := WrapError("level 3", level2)

	require.NotNil(t, level3)

	// Verify error message contains all contexts
	errMsg := level3.Error()
	require.Contains(t, errMsg, "level 3")
	require.Contains(t, errMsg, "level 2")

	// Verify unwrapping works
	require.True(t, errors.Is(level3, baseErr))

	// Verify we can extract each level
	var target *WrappedError

	require.True(t, errors.As(level3, &target))
	require.Equal(t, "level 3", target.Context)

	// Unwrap once
	unwrapped1 := errors.Unwrap(level3)
	require.True(t, errors.As(unwrapped1, &target))
	require.Equal(t, "level 2", target.Context)

	// Unwrap again
	unwrapped2 := errors.Unwrap(unwrapped1)
	require.True(t, errors.As(unwrapped2, &target))
	require.Equal(t, "level 1", target.Context)

	// Final unwrap gets base error
	unwrapped3 := errors.Unwrap(unwrapped2)
	require.Equal(t, baseErr, unwrapped3)
}

func TestWrapError_RealWorldScenarios(t *testing.T) {
	t.Run("file reading error", func(t *testing.T) {
		ioErr := errors.New("unexpected EOF")
		err := WrapError("reading section prefix", ioErr)

		require.NotNil(t, err)
		require.Contains(t, err.Error(), "reading section prefix")
		require.Contains(t, err.Error(), "unexpected EOF")
		require.True(t, errors.Is(err, ioErr))
	})

	t.Run("parsing error chain", func(t *testing.T) {
		parseErr := errors.New("invalid format")
		dirErr := WrapError("parsing directory", parseErr)
		treeErr := WrapError("loading directory tree", dirErr)
		fileErr := WrapError("opening container", treeErr)

		require.NotNil(t, fileErr)

		// Should be able to find original error
		require.True(t, errors.Is(fileErr, parseErr))

		// Error message should be descriptive
		msg := fileErr.Error()
		require.Contains(t, msg, "opening container")
	})

	t.Run("nil error in chain", func(t *testing.T) {
		var baseErr error
		wrapped := WrapError("some context", baseErr)

		require.Nil(t, wrapped, "wrapping nil should return nil")
	})
}

func TestWrappedError_StructFields(t *testing.T) {
	ctx := "test context"
	cause := errors.New("test cause")

	err := &WrappedError{
		Context: ctx,
		Cause:   cause,
	}

	// Verify fields are accessible
	require.Equal(t, ctx, err.Context)
	require.Equal(t, cause, err.Cause)
}

func BenchmarkWrapError(b *testing.B) {
	baseErr := errors.New("base error")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = WrapError("context", baseErr)
	}
}

func BenchmarkWrapErrorNil(b *testing.B) {
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = WrapError("context", nil)
	}
}

func BenchmarkErrorMessage(b *testing.B) {
	err := WrapError("reading container header",
		WrapError("parsing field",
			errors.New("invalid signature")))

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = err.Error()
	}
}
