package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTemplate = `
name: rss-intelligence
description: Fetch, analyze and publish RSS items
stages:
  - name: fetch
    worker: fetcher
    action: fetch
    stage_order: 1
`

const brokenTemplate = `
name: broken
stages:
  - name: a
    stage_order: 1
`

func writeTemplate(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestRegistry_LoadsValidSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "rss.yaml", validTemplate)
	writeTemplate(t, dir, "broken.yaml", brokenTemplate)
	writeTemplate(t, dir, "notes.txt", "not a template")

	r, err := NewRegistry(dir)
	require.NoError(t, err)

	tmpl, err := r.Get("rss-intelligence")
	require.NoError(t, err)
	assert.Equal(t, "Fetch, analyze and publish RSS items", tmpl.Description)

	// The broken file was skipped, not fatal.
	_, err = r.Get("broken")
	require.ErrorIs(t, err, ErrTemplateNotFound)

	assert.Len(t, r.List(), 1)
}

func TestRegistry_NameDefaultsToFilename(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "daily-digest.yaml", `
stages:
  - name: fetch
    worker: fetcher
    action: fetch
    stage_order: 1
`)

	r, err := NewRegistry(dir)
	require.NoError(t, err)

	_, err = r.Get("daily-digest")
	require.NoError(t, err)
}

func TestRegistry_Reload(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "rss.yaml", validTemplate)

	r, err := NewRegistry(dir)
	require.NoError(t, err)

	writeTemplate(t, dir, "second.yaml", `
name: second
stages:
  - name: run
    worker: w
    action: run
    stage_order: 1
`)
	require.NoError(t, r.Reload())

	_, err = r.Get("second")
	require.NoError(t, err)
	assert.Len(t, r.List(), 2)
}

func TestRegistry_Resolve(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "rss.yaml", validTemplate)

	r, err := NewRegistry(dir)
	require.NoError(t, err)

	plan, err := r.Resolve("rss-intelligence")
	require.NoError(t, err)
	assert.Equal(t, "rss-intelligence", plan.TemplateName)
	require.Len(t, plan.Tiers, 1)

	_, err = r.Resolve("missing")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRegistry_MissingDir(t *testing.T) {
	_, err := NewRegistry(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
