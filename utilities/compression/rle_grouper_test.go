package compression_test

import (
	"bytes"
	"io"
	"testing"

	c "github.com/dargueta/xiafs/utilities/compression"
	"github.com/stretchr/testify/assert"
)

func TestRunGrouper__FirstRun(t *testing.T) {
	tests := []struct {
		Name     string
		Data     []byte
		Expected c.ByteRun
	}{
		{"empty", []byte{}, c.InvalidRun},
		{"two initial", []byte{0, 0, 1, 0, 0, 0, 0}, c.ByteRun{Byte: 0, RunLength: 2}},
		{"one byte", []byte{6, 1, 5, 20, 31}, c.ByteRun{Byte: 6, RunLength: 1}},
		{"entire run", []byte{9, 9, 9, 9, 9, 9}, c.ByteRun{Byte: 9, RunLength: 6}},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			result, _ := c.NewRunGrouper(bytes.NewReader(test.Data)).NextRun()
			assert.Equal(t, test.Expected, result)
		})
	}
}

func TestRunGrouper__Sequence(t *testing.T) {
	data := []byte{1, 9, 4, 4, 4, 4, 4, 6, 6, 0, 1, 0, 0, 0}
	expected := []c.ByteRun{
		{Byte: 1, RunLength: 1},
		{Byte: 9, RunLength: 1},
		{Byte: 4, RunLength: 5},
		{Byte: 6, RunLength: 2},
		{Byte: 0, RunLength: 1},
		{Byte: 1, RunLength: 1},
		{Byte: 0, RunLength: 3},
	}

	grouper := c.NewRunGrouper(bytes.NewReader(data))
	for i, expectedRun := range expected {
		result, err := grouper.NextRun()
		assert.NoErrorf(t, err, "run %d", i)
		assert.Equalf(t, expectedRun, result, "run %d is wrong", i)
	}

	result, err := grouper.NextRun()
	assert.Equal(t, c.InvalidRun, result)
	assert.ErrorIs(t, err, io.EOF)
}
