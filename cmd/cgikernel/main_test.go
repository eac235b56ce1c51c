package main

import (
	"bytes"
	"testing"

	"github.com/guseggert/cgikernel/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPair(t *testing.T) {
	cases := []struct {
		name     string
		kv       string
		expName  string
		expValue string
		expErr   bool
	}{
		{name: "simple", kv: "a=1", expName: "a", expValue: "1"},
		{name: "value keeps equals", kv: "a=b=c", expName: "a", expValue: "b=c"},
		{name: "empty value", kv: "a=", expName: "a", expValue: ""},
		{name: "no equals", kv: "a", expErr: true},
		{name: "no name", kv: "=1", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			name, value, err := splitPair("query", c.kv)
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expName, name)
			assert.Equal(t, c.expValue, value)
		})
	}
}

func TestPrintResponse(t *testing.T) {
	resp, err := kernel.Assemble([]byte("Status: 201 Created\r\n" +
		"Content-Type: application/json\r\n" +
		"Set-Cookie: a=1; path=/x\r\n" +
		"X-Trace: t1\r\n" +
		"\r\n" +
		`{"ok":true}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printResponse(&buf, resp))
	assert.Equal(t, "201 Created\n"+
		"Content-Type: application/json\n"+
		"X-Trace: t1\n"+
		"Set-Cookie: a=1; Path=/x\n"+
		"\n"+
		`{"ok":true}`, buf.String())
}
