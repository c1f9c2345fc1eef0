package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

const sampleDoc = `
id: admission.basic
version: 1.2.0
scope: ideas
default_policy: reject
rules:
  - id: block-empty
    predicate: 'span.payload.text == ""'
    action: reject
    reason: empty text
  - id: tag-important
    predicate: 'span.payload.text.contains("important")'
    action: transform
    transform: '{"text": span.payload.text, "flagged": true}'
  - id: notify
    predicate: 'span.kind == "contract.registered"'
    action: emit_trigger
    trigger_id: notify-owner
  - id: catch-all
    predicate: 'true'
    action: accept
`

func TestParseDocument(t *testing.T) {
	c, err := ParseDocument([]byte(sampleDoc))
	require.NoError(t, err)

	assert.Equal(t, "admission.basic", c.ID)
	assert.Equal(t, "1.2.0", c.Version)
	assert.Equal(t, PolicyReject, c.DefaultPolicy)
	require.Len(t, c.Rules, 4)
	assert.Equal(t, ActionReject, c.Rules[0].Action)
	assert.Equal(t, "notify-owner", c.Rules[2].TriggerID)
}

func TestParseDocumentMissingPolicy(t *testing.T) {
	doc := `
id: x
version: 1.0.0
scope: ideas
rules: []
`
	_, err := ParseDocument([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))
}

func TestParseDocumentRejectWithoutReason(t *testing.T) {
	doc := `
id: x
version: 1.0.0
scope: ideas
default_policy: accept
rules:
  - predicate: 'true'
    action: reject
`
	_, err := ParseDocument([]byte(doc))
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))
}

func TestParseDocumentUnknownField(t *testing.T) {
	doc := `
id: x
version: 1.0.0
scope: ideas
default_policy: accept
rules: []
extra_field: nope
`
	_, err := ParseDocument([]byte(doc))
	assert.Error(t, err)
}

func TestValidateUnknownAction(t *testing.T) {
	c := Contract{
		ID: "c", Version: "1.0.0", Scope: "s", DefaultPolicy: PolicyAccept,
		Rules: []Rule{{Predicate: "true", Action: "explode"}},
	}
	err := c.Validate()
	require.Error(t, err)
	assert.Equal(t, motorerr.KindValidation, motorerr.KindOf(err))
}
