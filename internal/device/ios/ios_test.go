package ios

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"testing"

	"github.com/devicehub/backend/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner simulates libimobiledevice tools. idevicescreenshot writes a
// real PNG to the requested path.
type fakeRunner struct {
	listOutput string
	screenshot []byte
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	switch name {
	case "idevice_id":
		return []byte(f.listOutput), nil
	case "idevicescreenshot":
		path := args[len(args)-1]
		return nil, os.WriteFile(path, f.screenshot, 0o644)
	}
	return nil, nil
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func TestListDevices(t *testing.T) {
	runner := &fakeRunner{listOutput: "00008110-000A\n00008030-001E\n\n"}
	b := New(runner)

	ids, err := b.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"00008110-000A", "00008030-001E"}, ids)
}

func TestReachable(t *testing.T) {
	runner := &fakeRunner{listOutput: "00008110-000A\n"}
	b := New(runner)

	assert.True(t, b.Reachable(context.Background(), "00008110-000A"))
	assert.False(t, b.Reachable(context.Background(), "missing"))
}

func TestDimensionsFromScreenshotHeader(t *testing.T) {
	runner := &fakeRunner{screenshot: encodePNG(t, 1170, 2532)}
	b := New(runner)

	dims, err := b.Dimensions(context.Background(), "00008110-000A")
	require.NoError(t, err)
	assert.Equal(t, device.Dimensions{Width: 1170, Height: 2532}, dims)
}

func TestCaptureFrameCleansUpTempFile(t *testing.T) {
	runner := &fakeRunner{screenshot: encodePNG(t, 4, 8)}
	b := New(runner)
	b.tempDir = t.TempDir()

	data, format, err := b.CaptureFrame(context.Background(), "00008110-000A")
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.NotEmpty(t, data)

	entries, err := os.ReadDir(b.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInputOperationsUnsupported(t *testing.T) {
	b := New(&fakeRunner{})
	ctx := context.Background()

	assert.ErrorIs(t, b.Tap(ctx, "udid", 1, 2), device.ErrUnsupported)
	assert.ErrorIs(t, b.Contact(ctx, "udid", 1, 2), device.ErrUnsupported)
	assert.ErrorIs(t, b.Text(ctx, "udid", "hi"), device.ErrUnsupported)

	_, err := b.StreamCommand("udid", device.Dimensions{})
	assert.ErrorIs(t, err, device.ErrUnsupported)

	_, _, err = b.RecordCommand("udid", 0)
	assert.ErrorIs(t, err, device.ErrUnsupported)
}
