package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemSizeClamp(t *testing.T) {
	got, err := ParseMemSize("1M", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(MinMemSize), got)
}

func TestParseMemSizeDefault(t *testing.T) {
	got, err := ParseMemSize("", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultMemSize), got)
}

func TestParseMemSizePassthrough(t *testing.T) {
	got, err := ParseMemSize("256M", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(256<<20), got)
}

func TestParseRanges(t *testing.T) {
	got, err := ParseRanges("0,2-4,7")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3, 4, 7}, got)
}

func TestParseRangesInvalid(t *testing.T) {
	_, err := ParseRanges("0,x-4")
	assert.Error(t, err)
}

func TestValidateAffinityMismatch(t *testing.T) {
	p := Parameter{NumCPUs: 2, CPUAffinity: []int{0}}
	assert.Error(t, p.Validate())
}

func TestValidateGDBRequiresSingleCPU(t *testing.T) {
	p := Parameter{NumCPUs: 2, GDBPort: 1234}
	assert.Error(t, p.Validate())
}

func TestValidateOK(t *testing.T) {
	p := Parameter{NumCPUs: 2, CPUAffinity: []int{0, 1}}
	assert.NoError(t, p.Validate())
}
