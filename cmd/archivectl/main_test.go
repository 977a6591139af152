package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgsServeMode(t *testing.T) {
	o, mode, err := parseArgs("serve", []string{"http", "-config", "archive.toml"})
	require.NoError(t, err)
	assert.Equal(t, "http", mode)
	assert.Equal(t, "archive.toml", o.configPath)

	_, mode, err = parseArgs("serve", []string{"-config", "archive.toml"})
	require.NoError(t, err)
	assert.Empty(t, mode)
}

func TestParseArgsRejectsStrayArguments(t *testing.T) {
	testCases := []struct {
		name string
		cmd  string
		args []string
	}{
		{"leading", "dedupe", []string{"everything", "-dry-run"}},
		{"trailing", "inherit", []string{"-fallback", "extra"}},
		{"plan-indexes", "plan-indexes", []string{"now"}},
		{"second serve argument", "serve", []string{"http", "stdio"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parseArgs(tc.cmd, tc.args)
			assert.ErrorIs(t, err, errUnexpectedArgument)
		})
	}
}

func TestIndexDryRun(t *testing.T) {
	testCases := []struct {
		args []string
		dry  bool
	}{
		{nil, true},
		{[]string{"-apply"}, false},
		{[]string{"-dry-run"}, true},
		{[]string{"-apply", "-dry-run"}, true},
	}
	for _, tc := range testCases {
		o, _, err := parseArgs("plan-indexes", tc.args)
		require.NoError(t, err)
		assert.Equal(t, tc.dry, o.indexDryRun(), tc.args)
	}
}
