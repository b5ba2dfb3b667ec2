package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeArgRoundTrip(t *testing.T) {
	arg := &Arg{
		Cmd:       CmdInvokeCommand,
		Func:      0x1234,
		Session:   7,
		Ret:       ReturnOK,
		RetOrigin: TEECOriginComms,
		NumParams: 3,
		Params: []Param{
			{Attr: AttrTypeValueInout, Value: ValueParam{A: 1, B: 2, C: 3}},
			{Attr: AttrTypeTMemInout | AttrNonContig, TMem: TMemParam{BufPtr: 0x1000, Size: PageSize, ShmRef: 0xABCD}},
			{Attr: AttrTypeRMemInput, RMem: RMemParam{Offset: 16, Size: 32, ShmRef: 0xBEEF}},
		},
	}

	buf := EncodeArg(arg)
	assert.Len(t, buf, PageSize)

	out := DecodeArg(buf)
	require.Len(t, out.Params, 3)
	assert.Equal(t, arg.Cmd, out.Cmd)
	assert.Equal(t, arg.Func, out.Func)
	assert.Equal(t, arg.Session, out.Session)
	assert.Equal(t, arg.Ret, out.Ret)
	assert.Equal(t, arg.RetOrigin, out.RetOrigin)
	assert.Equal(t, arg.Params[0].Value, out.Params[0].Value)
	assert.Equal(t, arg.Params[1].TMem, out.Params[1].TMem)
	assert.Equal(t, arg.Params[2].RMem, out.Params[2].RMem)
}

func TestDecodeArgStopsAtNumParams(t *testing.T) {
	arg := &Arg{NumParams: 1, Params: []Param{
		{Attr: AttrTypeValueInput, Value: ValueParam{A: 9}},
		{Attr: AttrTypeValueInput, Value: ValueParam{A: 99}},
	}}
	buf := EncodeArg(arg)

	out := DecodeArg(buf)
	require.Len(t, out.Params, 1)
	assert.EqualValues(t, 9, out.Params[0].Value.A)
}

func TestEncodeDecodePageDataRoundTrip(t *testing.T) {
	pd := &PageData{NextPageData: 0x7000}
	pd.Pages[0] = 0x1000
	pd.Pages[1] = 0x2000
	pd.Pages[BufferEntries-1] = 0x3000

	buf := EncodePageData(pd)
	assert.Len(t, buf, PageSize)

	out := DecodePageData(buf)
	assert.Equal(t, pd.Pages, out.Pages)
	assert.Equal(t, pd.NextPageData, out.NextPageData)
}

func TestArgSize(t *testing.T) {
	assert.EqualValues(t, ArgHeaderSize, ArgSize(0))
	assert.EqualValues(t, ArgHeaderSize+2*ParamSize, ArgSize(2))
}

func TestIsRPCAndRPCFunc(t *testing.T) {
	assert.True(t, IsRPC(RPCFuncAlloc))
	assert.True(t, IsRPC(RPCFuncFree))
	assert.False(t, IsRPC(ReturnOK))
	assert.False(t, IsRPC(ReturnUnknownFunction), "the all-ones unknown-function code must not be mistaken for an RPC request")

	assert.EqualValues(t, 0x0, RPCFunc(RPCFuncAlloc))
	assert.EqualValues(t, 0x2, RPCFunc(RPCFuncFree))
}

func TestRegPairRoundTrip(t *testing.T) {
	const v uint64 = 0x1122334455667788
	hi, lo := RegPairFromPtr(v)
	assert.Equal(t, v, RegPairToPtr(hi, lo))
}
