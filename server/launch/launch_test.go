package launch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultResolve(t *testing.T) {
	d := Default()
	require.Equal(t, "/color/image", d.Resolve(TopicImage))
	require.Equal(t, "/color/mobilenet_detections", d.Resolve(TopicDetections))
	require.Equal(t, "/display_detections/detection_image", d.Resolve(TopicDetectionImage))
	require.Equal(t, "/rosout", d.Resolve("rosout"))
}

func TestNamespace(t *testing.T) {
	d := &Description{Node: "overlay", Namespace: "robot1/"}
	require.Equal(t, "/robot1/overlay/detection_image", d.Resolve(TopicDetectionImage))
	require.Equal(t, "/robot1/camera", d.Resolve("camera"))
	require.Equal(t, "/abs/topic", d.Resolve("/abs//topic"))
}

func TestApplyRemaps(t *testing.T) {
	d := Default()
	require.NoError(t, d.ApplyRemaps([]string{"~/image:=/left/image_rect", "~/detection_image:=/overlay"}))
	require.Equal(t, "/left/image_rect", d.Resolve(TopicImage))
	require.Equal(t, "/overlay", d.Resolve(TopicDetectionImage))
	require.Equal(t, "/color/mobilenet_detections", d.Resolve(TopicDetections))

	require.Error(t, d.ApplyRemaps([]string{"~/image=/x"}))
	require.Error(t, d.ApplyRemaps([]string{":=/x"}))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "launch.yaml")
	require.NoError(t, os.WriteFile(fn, []byte(`
node: overlay
remappings:
  ~/image: /front/image
`), 0644))
	d, err := Load(fn)
	require.NoError(t, err)
	require.Equal(t, "overlay", d.Node)
	require.Equal(t, "/front/image", d.Resolve(TopicImage))
	// yaml merges maps, so the default detections remapping survives
	require.Equal(t, "/color/mobilenet_detections", d.Resolve(TopicDetections))

	require.NoError(t, os.WriteFile(fn, []byte("node: bad/name\n"), 0644))
	_, err = Load(fn)
	require.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
