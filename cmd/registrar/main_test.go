package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePanic(t *testing.T) {
	t.Cleanup(func() {
		osWriteFile = os.WriteFile
		osExit = os.Exit
	})

	t.Run("writes panic log and exits 1", func(t *testing.T) {
		var written []byte
		var path string
		osWriteFile = func(name string, data []byte, perm os.FileMode) error {
			path, written = name, data
			return nil
		}
		code := -1
		osExit = func(c int) { code = c }

		func() {
			defer handlePanic()
			panic("boom")
		}()

		assert.Equal(t, 1, code)
		assert.Equal(t, panicLogFile, path)
		assert.Contains(t, string(written), "panic: boom")
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		called := false
		osExit = func(int) { called = true }
		func() {
			defer handlePanic()
		}()
		assert.False(t, called)
	})

	t.Run("write failure still exits 1", func(t *testing.T) {
		osWriteFile = func(string, []byte, os.FileMode) error { return os.ErrPermission }
		code := -1
		osExit = func(c int) { code = c }

		require.NotPanics(t, func() {
			defer handlePanic()
			panic("boom")
		})
		assert.Equal(t, 1, code)
	})
}
