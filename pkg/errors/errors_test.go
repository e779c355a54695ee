package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCause(t *testing.T) {
	rootErr := New("root")
	tests := []struct {
		name string
		err  error
		exp  error
	}{
		{
			name: "NoWrapping",
			err:  rootErr,
			exp:  rootErr,
		},
		{
			name: "OneLevel",
			err:  WithContext(rootErr, "context"),
			exp:  rootErr,
		},
		{
			name: "TwoLevels",
			err:  WithContext(WithContext(rootErr, "inner"), "outer"),
			exp:  rootErr,
		},
		{
			name: "TypedError",
			err:  WithContext(FileNotFound{Path: "mops.yaml"}, "parse"),
			exp:  FileNotFound{Path: "mops.yaml"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, RootCause(test.err))
		})
	}
}

func TestWithContextMessage(t *testing.T) {
	err := WithContext(WithContext(New("boom"), "read file"), "parse config")
	assert.Equal(t, "parse config: read file: boom", err.Error())
}

func TestGetPrintableMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "PlainError",
			err:  WithContext(New("boom"), "push"),
			exp:  "push: boom",
		},
		{
			name: "FriendlyError",
			err:  NewFriendlyError("Tag %q does not exist. Run `mops tags` to list the available tags.", "v2"),
			exp:  "Tag \"v2\" does not exist. Run `mops tags` to list the available tags.",
		},
		{
			name: "WrappedFriendlyError",
			err:  WithContext(NewFriendlyError("friendly"), "context that should be hidden"),
			exp:  "friendly",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.exp, GetPrintableMessage(test.err))
		})
	}
}

func TestTypedErrorMessages(t *testing.T) {
	assert.Equal(t, `unsafe path "../../etc/passwd": path traversal`,
		UnsafePath{Path: "../../etc/passwd", Reason: "path traversal"}.Error())
	assert.Equal(t, `tag "latest" does not exist`, TagNotFound{Tag: "latest"}.Error())
	assert.Equal(t,
		`digest mismatch for "data/train.csv": expected sha256:aaaa, got sha256:bbbb`,
		DigestMismatch{
			Path:     "data/train.csv",
			Expected: "sha256:aaaa",
			Actual:   "sha256:bbbb",
		}.Error())
}
