package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstack-tools/upstack/config"
)

func TestValidateReportsSchemaError(t *testing.T) {
	dir := t.TempDir()
	src := `
Resource "Mystery" {
  Type = "AWS::Imaginary::Widget"
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.upstack"), []byte(src), 0o644))

	rootCmd.SetArgs([]string{"validate", dir})
	err := rootCmd.Execute()
	require.Error(t, err)

	// Template problems surface as the typed schema error, not a plain
	// diagnostics dump.
	var schemaErr *config.SchemaError
	require.True(t, errors.As(err, &schemaErr))
	require.NotEmpty(t, schemaErr.Diags)
	assert.Equal(t, "Unknown resource type", schemaErr.Diags[0].Summary)
}
