package pool

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutBody_DropsOversized(t *testing.T) {
	buf := GetBody()
	buf.WriteString("hello")
	PutBody(buf, 1) // capacity exceeds the limit, so it is not reset
	assert.Equal(t, "hello", buf.String())

	small := GetBody()
	small.WriteString("x")
	PutBody(small, 1<<20)
	assert.Zero(t, small.Len())
}

func TestPutBuffer_DropsOversized(t *testing.T) {
	big := bytes.NewBuffer(make([]byte, 0, MaxBufferCap+1))
	big.WriteString("keep")
	PutBuffer(big)
	assert.Equal(t, "keep", big.String())
}
