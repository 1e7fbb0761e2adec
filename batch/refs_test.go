package batch

import (
	"testing"

	"github.com/stretchr/testify/require"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbobj"
)

func TestMarshalRefsRequest(t *testing.T) {
	obj, err := MarshalRefsRequest([]RefOp{
		{OpID: 0, Bucket: "Demo", Key: "aaaa"},
		{OpID: 1, Bucket: "textures", Key: "bbbb"},
	})
	require.NoError(t, err)

	var doc refsRequestDoc
	require.NoError(t, obj.Decode(&doc))
	require.Len(t, doc.Ops, 2)
	require.Equal(t, "GET", doc.Ops[0].Op)
	require.Equal(t, "demo", doc.Ops[0].Bucket)
	require.True(t, doc.Ops[0].ResolveAttachments)
	require.EqualValues(t, 1, doc.Ops[1].OpID)
}

func TestParseRefsResponse(t *testing.T) {
	hash := jupitercache.HashBytes([]byte("resolved value"))
	obj, err := cbobj.New(refsResponseDoc{Results: []refResultDoc{
		{OpID: 1, StatusCode: 200, Response: refValueDoc{RawHash: hash, RawSize: 14}},
		{OpID: 0, StatusCode: 404},
	}})
	require.NoError(t, err)

	results, err := ParseRefsResponse(obj.Bytes(), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.True(t, results[0].Exists())
	require.Equal(t, hash, results[0].RawHash)
	require.EqualValues(t, 14, results[0].RawSize)

	require.False(t, results[1].Exists())
}

func TestParseRefsResponse_CountMismatch(t *testing.T) {
	obj, err := cbobj.New(refsResponseDoc{Results: []refResultDoc{{OpID: 0, StatusCode: 200}}})
	require.NoError(t, err)

	_, err = ParseRefsResponse(obj.Bytes(), 2)
	require.Error(t, err)
}

func TestParseRefsResponse_InvalidOpID(t *testing.T) {
	obj, err := cbobj.New(refsResponseDoc{Results: []refResultDoc{{OpID: 7, StatusCode: 200}}})
	require.NoError(t, err)

	_, err = ParseRefsResponse(obj.Bytes(), 1)
	require.Error(t, err)
}

func TestParseRefsResponse_Garbage(t *testing.T) {
	_, err := ParseRefsResponse([]byte{0xff, 0x00, 0x01}, 1)
	require.Error(t, err)
}
