package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimGatewayPinUnpinCounting(t *testing.T) {
	g := NewSimGateway()
	gpa := GPA(0x4000)
	g.MapPage(gpa)

	assert.Zero(t, g.PinCount(gpa))

	require.NoError(t, g.Pin(gpa))
	require.NoError(t, g.Pin(gpa))
	assert.Equal(t, 2, g.PinCount(gpa))

	g.Unpin(gpa)
	assert.Equal(t, 1, g.PinCount(gpa))

	g.Unpin(gpa)
	g.Unpin(gpa) // unpinning below zero must not go negative
	assert.Zero(t, g.PinCount(gpa))
}

func TestSimGatewayPinUnmappedPageRetries(t *testing.T) {
	g := NewSimGateway()
	err := g.Pin(GPA(0x9000))
	assert.ErrorIs(t, err, ErrRetry)
}

func TestSimGatewayReadWritePageRoundTrip(t *testing.T) {
	g := NewSimGateway()
	gpa := GPA(0x5000)
	g.MapPage(gpa)

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i + 1)
	}
	g.WritePage(gpa, data)

	out := g.ReadPage(gpa)
	require.Len(t, out, 4096)
	assert.Equal(t, data, out[:len(data)])
	assert.Zero(t, out[len(data)], "remainder of the page must be zero-padded")
}

func TestSimGatewayReadPageUnmappedReturnsNil(t *testing.T) {
	g := NewSimGateway()
	assert.Nil(t, g.ReadPage(GPA(0x1234)))
}

func TestSimGatewayUnmapDropsFrame(t *testing.T) {
	g := NewSimGateway()
	gpa := GPA(0x6000)
	g.MapPage(gpa)
	require.NoError(t, g.Pin(gpa))

	g.Unmap(gpa)
	assert.Nil(t, g.ReadPage(gpa))
	assert.Zero(t, g.PinCount(gpa))
}

func TestSimGatewayShadowAllocReadWriteFree(t *testing.T) {
	g := NewSimGateway()
	hpa := g.AllocShadowPage()

	assert.Len(t, g.ReadShadow(hpa), 4096)

	data := []byte{1, 2, 3, 4}
	g.WriteShadow(hpa, data)
	out := g.ReadShadow(hpa)
	assert.Equal(t, data, out[:len(data)])

	g.FreeShadowPage(hpa)
	assert.Nil(t, g.ReadShadow(hpa))
}

func TestSimGatewayShadowAddressesDoNotCollideWithFrameHPAs(t *testing.T) {
	g := NewSimGateway()
	gpa := GPA(0x7000)
	g.MapPage(gpa)
	frameHPA := g.GPAToHPA(gpa)

	shadowHPA := g.AllocShadowPage()
	assert.NotEqual(t, frameHPA, shadowHPA)
	assert.Greater(t, uint64(shadowHPA), uint64(frameHPA))
}

func TestSimGatewayGPAToHVAAndHPAUnmapped(t *testing.T) {
	g := NewSimGateway()
	assert.Zero(t, g.GPAToHVA(GPA(0xDEAD)))
	assert.Zero(t, g.GPAToHPA(GPA(0xDEAD)))
}

func TestPageOffsetAndPageBase(t *testing.T) {
	assert.EqualValues(t, 0x123, PageOffset(0x1123))
	assert.EqualValues(t, 0x1000, PageBase(0x1123))
}
