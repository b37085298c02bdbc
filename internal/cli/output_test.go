package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/transport"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	called := false
	err := formatter.Success(map[string]int{"head_seq": 7}, func(io.Writer) { called = true })
	require.NoError(t, err)
	assert.False(t, called, "text renderer must not run for json")

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 7, resp.Data["head_seq"])
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("appended", nil))
	assert.Equal(t, "appended\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success(42, func(w io.Writer) { fmt.Fprint(w, "custom") }))
	assert.Equal(t, "custom", buf.String())
}

func TestOutputFormatter_Error(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, formatter.Error(CodeUnreachable, "instance unreachable", map[string]string{"url": "http://x"}))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeUnreachable, resp.Error.Code)
		assert.NotNil(t, resp.Error.Details)
	})

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, formatter.Error(CodeConfig, "bad config", "details hidden"))
		assert.Contains(t, buf.String(), "Error [E001]: bad config")
		assert.NotContains(t, buf.String(), "Details:")
	})

	t.Run("text verbose", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

		require.NoError(t, formatter.Error(CodeConfig, "bad config", "line 3"))
		assert.Contains(t, buf.String(), "Details: line 3")
	})
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	formatter.VerboseLog("dialing %s", "peer")
	assert.Empty(t, out.String())
	assert.Equal(t, "dialing peer\n", errOut.String())

	quiet := &OutputFormatter{Format: "text", Writer: out}
	quiet.VerboseLog("hidden")
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "inner", errors.New("cause")))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "inner: cause", WrapExitError(ExitFailure, "inner", errors.New("cause")).Error())
}

func TestRequestError(t *testing.T) {
	answered := requestError("append failed", &transport.StatusError{StatusCode: 503, Code: "halted", Message: "halted"})
	assert.Equal(t, ExitFailure, answered.Code)

	unreachable := requestError("append failed", errors.New("connection refused"))
	assert.Equal(t, ExitCommandError, unreachable.Code)
}

func TestTable(t *testing.T) {
	buf := &bytes.Buffer{}
	table(buf, []string{"PEER", "STATUS"}, [][]string{{"abc", "active"}, {"defghi", "pending"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "PEER"))
	assert.Equal(t, strings.Index(lines[0], "STATUS"), strings.Index(lines[1], "active"))
}
