package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
workflows:
  - id: wf-custodian-outage
    name: Custodian outage
    active: true
    triggers:
      - field: SYSTEM_FAILURE
        operator: EQUALS
        threshold: true
        weight: 1
    steps:
      - id: notify
        sequence: 1
        name: Notify operations
        type: NOTIFICATION
        assigned_role: settlement_ops
`

func TestValidateListsCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "wf-custodian-outage\t1.0.0\t1 steps\tactive=true")
	assert.Contains(t, out.String(), "wf-failure-prevention")
}

func TestValidateRejectsBrokenCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workflows:\n  - id: broken\n    name: Broken\n    steps: []\n"), 0o600))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", path})
	require.Error(t, cmd.Execute())
}
