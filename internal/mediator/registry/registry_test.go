package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/optee-mediator/internal/mediator/memory"
	"github.com/kata-containers/optee-mediator/internal/mediator/msg"
	"github.com/kata-containers/optee-mediator/internal/mediator/shm"
)

func TestEnlistDelistStdCallStampsIDAndPins(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)

	gpa := memory.GPA(0x1000)
	g.MapPage(gpa)

	call := &StdCall{GuestArgGPA: gpa, ThreadID: msg.ThreadIDNone}
	r.EnlistStdCall(call)

	assert.NotZero(t, call.ID)
	assert.Equal(t, 1, r.CallCount())
	assert.Equal(t, 1, g.PinCount(gpa))

	r.DelistStdCall(call)
	assert.Zero(t, r.CallCount())
	assert.Zero(t, g.PinCount(gpa))
}

func TestDelistStdCallTwiceIsNoop(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)
	gpa := memory.GPA(0x2000)
	g.MapPage(gpa)

	call := &StdCall{GuestArgGPA: gpa, ThreadID: msg.ThreadIDNone}
	r.EnlistStdCall(call)
	r.DelistStdCall(call)

	assert.NotPanics(t, func() { r.DelistStdCall(call) })
	assert.Zero(t, g.PinCount(gpa), "a second delist must not unpin the page again")
}

func TestSetThreadIDAndFindByThreadID(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)
	gpa := memory.GPA(0x3000)
	g.MapPage(gpa)

	call := &StdCall{GuestArgGPA: gpa, ThreadID: msg.ThreadIDNone}
	r.EnlistStdCall(call)

	require.NoError(t, r.SetThreadID(call, 42))
	found, ok := r.FindStdCallByThreadID(42)
	require.True(t, ok)
	assert.Same(t, call, found)

	// Reassigning clears the old index entry.
	require.NoError(t, r.SetThreadID(call, 43))
	_, ok = r.FindStdCallByThreadID(42)
	assert.False(t, ok)
	found, ok = r.FindStdCallByThreadID(43)
	require.True(t, ok)
	assert.Same(t, call, found)
}

func TestSetThreadIDUnknownCallReturnsNotFound(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)
	call := &StdCall{ID: 999}
	err := r.SetThreadID(call, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnlistSHMBufRejectsCookieReuse(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)

	buf1 := &shm.Buf{Cookie: 0xAAAA, NumPages: 1}
	require.NoError(t, r.EnlistSHMBuf(buf1))

	buf2 := &shm.Buf{Cookie: 0xAAAA, NumPages: 1}
	err := r.EnlistSHMBuf(buf2)
	assert.ErrorIs(t, err, ErrCookieInUse)
}

func TestEnlistSHMBufPinsGuestPagesAndTracksPageCount(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)

	gpa1, gpa2 := memory.GPA(0x4000), memory.GPA(0x5000)
	g.MapPage(gpa1)
	g.MapPage(gpa2)

	buf := &shm.Buf{Cookie: 1, NumPages: 2, GuestPages: []memory.GPA{gpa1, gpa2}}
	require.NoError(t, r.EnlistSHMBuf(buf))

	assert.Equal(t, 1, g.PinCount(gpa1))
	assert.Equal(t, 1, g.PinCount(gpa2))
	assert.EqualValues(t, 2, r.SHMPageCount())

	got, ok := r.FindSHMBuf(1)
	require.True(t, ok)
	assert.Same(t, buf, got)

	removed, ok := r.DelistSHMBuf(1)
	require.True(t, ok)
	assert.Same(t, buf, removed)
	assert.Zero(t, g.PinCount(gpa1))
	assert.Zero(t, g.PinCount(gpa2))
	assert.Zero(t, r.SHMPageCount())

	_, ok = r.FindSHMBuf(1)
	assert.False(t, ok)
}

func TestDropSHMBufShadowChainKeepsBufferLive(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)

	hpa := g.AllocShadowPage()
	buf := &shm.Buf{
		Cookie:      2,
		NumPages:    1,
		ShadowChain: []*msg.PageData{{}},
		ShadowHPAs:  []memory.HPA{hpa},
	}
	require.NoError(t, r.EnlistSHMBuf(buf))

	r.DropSHMBufShadowChain(2)

	assert.Empty(t, buf.ShadowChain)
	assert.Empty(t, buf.ShadowHPAs)
	assert.Nil(t, g.ReadShadow(hpa), "the shadow page itself must be freed")

	_, ok := r.FindSHMBuf(2)
	assert.True(t, ok, "the buffer entry itself must remain registered")
}

func TestEnlistSHMRPCRejectsCookieReuseAndDelistUnpins(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)

	gpa := memory.GPA(0x6000)
	g.MapPage(gpa)

	rpc := &ShmRPC{ArgGPA: gpa, Cookie: 0xBEEF}
	require.NoError(t, r.EnlistSHMRPC(rpc))
	assert.Equal(t, 1, g.PinCount(gpa))

	err := r.EnlistSHMRPC(&ShmRPC{ArgGPA: gpa, Cookie: 0xBEEF})
	assert.ErrorIs(t, err, ErrCookieInUse)

	found, ok := r.FindSHMRPC(0xBEEF)
	require.True(t, ok)
	assert.Same(t, rpc, found)

	removed, ok := r.DelistSHMRPC(0xBEEF)
	require.True(t, ok)
	assert.Same(t, rpc, removed)
	assert.Zero(t, g.PinCount(gpa))

	_, ok = r.FindSHMRPC(0xBEEF)
	assert.False(t, ok)
}

func TestTeardownClearsEverythingAndUnpinsAllPages(t *testing.T) {
	g := memory.NewSimGateway()
	r := New(g, g)

	callGPA := memory.GPA(0x7000)
	bufGPA := memory.GPA(0x8000)
	rpcGPA := memory.GPA(0x9000)
	g.MapPage(callGPA)
	g.MapPage(bufGPA)
	g.MapPage(rpcGPA)

	call := &StdCall{GuestArgGPA: callGPA, ThreadID: msg.ThreadIDNone}
	r.EnlistStdCall(call)

	buf := &shm.Buf{Cookie: 3, NumPages: 1, GuestPages: []memory.GPA{bufGPA}}
	require.NoError(t, r.EnlistSHMBuf(buf))

	rpc := &ShmRPC{ArgGPA: rpcGPA, Cookie: 4}
	require.NoError(t, r.EnlistSHMRPC(rpc))

	calls, bufs, rpcs := r.Teardown()
	assert.Len(t, calls, 1)
	assert.Len(t, bufs, 1)
	assert.Len(t, rpcs, 1)

	assert.Zero(t, r.CallCount())
	assert.Zero(t, r.SHMPageCount())
	assert.Zero(t, g.PinCount(callGPA))
	assert.Zero(t, g.PinCount(bufGPA))
	assert.Zero(t, g.PinCount(rpcGPA))

	_, ok := r.FindStdCallByThreadID(0)
	assert.False(t, ok)
}
