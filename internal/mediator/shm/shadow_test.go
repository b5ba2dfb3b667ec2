package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
)

// writePageData maps and writes one guest page_data record at gpa.
func writePageData(t *testing.T, g *memory.SimGateway, gpa memory.GPA, pd *msg.PageData) {
	t.Helper()
	g.MapPage(gpa)
	g.WritePage(gpa, msg.EncodePageData(pd))
}

func TestBuildSingleRecordChain(t *testing.T) {
	g := memory.NewSimGateway()

	dataGPA := memory.GPA(0x10000)
	g.MapPage(dataGPA)

	headGPA := memory.GPA(0x20000)
	pd := &msg.PageData{}
	pd.Pages[0] = uint64(dataGPA)
	writePageData(t, g, headGPA, pd)

	buf, err := Build(g, g, headGPA, msg.PageSize, 0xC0FFEE, 0)
	require.NoError(t, err)

	assert.EqualValues(t, 0xC0FFEE, buf.Cookie)
	assert.Len(t, buf.GuestPages, 1)
	assert.EqualValues(t, 1, buf.NumPages)
	require.Len(t, buf.ShadowChain, 1)
	assert.Zero(t, buf.ShadowChain[0].NextPageData, "single-record chain terminates its own shadow record")

	// The encoded record must actually have been written to shadow memory.
	raw := g.ReadShadow(buf.ShadowHPAs[0])
	decoded := msg.DecodePageData(raw)
	assert.Equal(t, uint64(g.GPAToHPA(dataGPA)), decoded.Pages[0])
}

func TestBuildMultiRecordChainLinksNextPageData(t *testing.T) {
	g := memory.NewSimGateway()

	// Force a second page_data record by describing more entries than fit
	// in one BufferEntries-sized record.
	size := uint64(msg.BufferEntries+1) * msg.PageSize

	headGPA := memory.GPA(0x30000)
	nextGPA := memory.GPA(0x40000)

	head := &msg.PageData{NextPageData: uint64(nextGPA)}
	for i := 0; i < msg.BufferEntries; i++ {
		gpa := memory.GPA(0x100000 + uint64(i)*msg.PageSize)
		g.MapPage(gpa)
		head.Pages[i] = uint64(gpa)
	}
	writePageData(t, g, headGPA, head)

	tailDataGPA := memory.GPA(0x50000)
	g.MapPage(tailDataGPA)
	tail := &msg.PageData{}
	tail.Pages[0] = uint64(tailDataGPA)
	writePageData(t, g, nextGPA, tail)

	buf, err := Build(g, g, headGPA, size, 1, 0)
	require.NoError(t, err)
	require.Len(t, buf.ShadowChain, 2)

	assert.EqualValues(t, buf.ShadowHPAs[1], buf.ShadowChain[0].NextPageData)
	assert.Zero(t, buf.ShadowChain[1].NextPageData)
	assert.Len(t, buf.GuestPages, msg.BufferEntries+1)
}

func TestBuildRejectsWhenOverPageCap(t *testing.T) {
	g := memory.NewSimGateway()

	headGPA := memory.GPA(0x60000)
	writePageData(t, g, headGPA, &msg.PageData{})

	_, err := Build(g, g, headGPA, msg.PageSize, 2, msg.MaxSHMBufferPages)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestBuildRejectsEarlyChainTermination(t *testing.T) {
	g := memory.NewSimGateway()

	size := uint64(msg.BufferEntries+1) * msg.PageSize

	headGPA := memory.GPA(0x70000)
	head := &msg.PageData{} // NextPageData left zero despite more entries needed
	writePageData(t, g, headGPA, head)

	_, err := Build(g, g, headGPA, size, 3, 0)
	assert.ErrorIs(t, err, ErrBadParameters)
}

func TestBuildRejectsUnmappedChainRecord(t *testing.T) {
	g := memory.NewSimGateway()
	// headGPA is never mapped.
	_, err := Build(g, g, memory.GPA(0x80000), msg.PageSize, 4, 0)
	assert.ErrorIs(t, err, ErrBadParameters)
}

func TestBuildSkipsUnmappedEntriesWithoutPinning(t *testing.T) {
	g := memory.NewSimGateway()

	headGPA := memory.GPA(0x90000)
	pd := &msg.PageData{}
	pd.Pages[0] = uint64(memory.GPA(0x91000)) // never mapped, must be skipped
	writePageData(t, g, headGPA, pd)

	buf, err := Build(g, g, headGPA, msg.PageSize, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, buf.GuestPages, "an unmapped chain entry contributes no guest page")
}

func TestHeadPhysWithOffset(t *testing.T) {
	g := memory.NewSimGateway()

	dataGPA := memory.GPA(0xA0000)
	g.MapPage(dataGPA)

	headGPA := memory.GPA(0xB0010) // offset 0x10 within its page
	pd := &msg.PageData{}
	pd.Pages[0] = uint64(dataGPA)
	writePageData(t, g, memory.GPA(memory.PageBase(uint64(headGPA))), pd)

	buf, err := Build(g, g, memory.GPA(memory.PageBase(uint64(headGPA))), msg.PageSize, 6, 0)
	require.NoError(t, err)

	got := buf.HeadPhysWithOffset(0x10)
	assert.EqualValues(t, uint64(buf.ShadowHPAs[0])|0x10, got)
}
