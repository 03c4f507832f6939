package pagedbytes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadWriteU32RoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	pb := New(buf)

	require.NoError(t, pb.WriteU32(0xDEADBEEF))
	pb.Seek(0)
	got, err := pb.ReadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), got)
}

func TestReadOverrun(t *testing.T) {
	pb := New(make([]byte, 4))
	pb.Seek(2)
	_, err := pb.Read(4)
	require.ErrorIs(t, err, ErrReadOverrun)
}

func TestWriteOverrun(t *testing.T) {
	pb := New(make([]byte, 4))
	pb.Seek(2)
	err := pb.Write([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrWriteOverrun)
}

func TestSeekAndTell(t *testing.T) {
	pb := New(make([]byte, 32))
	pb.Seek(10)
	require.Equal(t, 10, pb.Tell())
}

func TestReadAtDoesNotMoveCursor(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6}
	pb := New(buf)
	pb.Seek(3)
	b, err := pb.ReadAt(0, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, b)
	require.Equal(t, 3, pb.Tell())
}

func TestWriteAtDoesNotMoveCursor(t *testing.T) {
	buf := make([]byte, 8)
	pb := New(buf)
	pb.Seek(5)
	require.NoError(t, pb.WriteAt(0, []byte{0xAA, 0xBB}))
	require.Equal(t, 5, pb.Tell())
	require.Equal(t, byte(0xAA), pb.Bytes()[0])
}

func TestU16U64RoundTrip(t *testing.T) {
	pb := New(make([]byte, 16))
	require.NoError(t, pb.WriteU16(0x1234))
	require.NoError(t, pb.WriteU64(0x0102030405060708))
	pb.Seek(0)

	u16, err := pb.ReadU16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), u16)

	u64, err := pb.ReadU64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), u64)
}

func TestCoverageTracking(t *testing.T) {
	pb := NewWithCoverage(make([]byte, 8))
	require.NoError(t, pb.WriteU32(1))
	cov := pb.Coverage()
	require.Contains(t, cov, "true*4")
	require.Contains(t, cov, "false*4")
}

func TestCoverageDisabledByDefault(t *testing.T) {
	pb := New(make([]byte, 8))
	require.Equal(t, "", pb.Coverage())
}
