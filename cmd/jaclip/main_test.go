package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jaclip "github.com/amikos-tech/jaclip-tokenizers"
)

func TestReadLines(t *testing.T) {
	lines, err := readLines(strings.NewReader("こんにちは\n\n  犬の写真  \r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"こんにちは", "犬の写真"}, lines)
}

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	f, rest, err := parseFlags([]string{"-model", "acme/tok", "-max-seq-len", "32", "-device", "cuda", "-v", "hello", "world"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "acme/tok", f.model)
	assert.Equal(t, 32, f.maxSeqLen)
	assert.Equal(t, "cuda", f.device)
	assert.True(t, f.verbose)
	assert.Equal(t, []string{"hello", "world"}, rest)

	_, _, err = parseFlags([]string{"-unknown"}, &stderr)
	require.Error(t, err)
}

func TestRunErrors(t *testing.T) {
	t.Chdir(t.TempDir())
	ctx := context.Background()
	var stdout, stderr bytes.Buffer

	err := run(ctx, []string{"-max-seq-len", "1", "こんにちは"}, strings.NewReader(""), &stdout, &stderr)
	require.ErrorIs(t, err, jaclip.ErrInvalidMaxSeqLen)

	err = run(ctx, []string{"-backend", "python", "こんにちは"}, strings.NewReader(""), &stdout, &stderr)
	require.Error(t, err)

	err = run(ctx, []string{"-model", t.TempDir()}, strings.NewReader(""), &stdout, &stderr)
	require.ErrorIs(t, err, jaclip.ErrEmptyInput)

	err = run(ctx, []string{"-model", t.TempDir()}, strings.NewReader("こんにちは\n"), &stdout, &stderr)
	require.ErrorIs(t, err, jaclip.ErrNoTokenizerArtifact)
	assert.Empty(t, stdout.String())
}
