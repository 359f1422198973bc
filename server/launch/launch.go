package launch

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Package launch describes how the node is named and how its topics are remapped.
//
// Example launch file:
//
//	node: display_detections
//	remappings:
//	  ~/image: /color/image
//	  ~/detections: /color/mobilenet_detections

const DefaultNodeName = "display_detections"

// Private topic names used by the node
const (
	TopicImage          = "~/image"
	TopicDetections     = "~/detections"
	TopicDetectionImage = "~/detection_image"
)

type Description struct {
	Node       string            `yaml:"node"`
	Namespace  string            `yaml:"namespace"`
	Remappings map[string]string `yaml:"remappings"` // from -> to
}

// Default returns the stock launch description, which wires us up to the color camera and its mobilenet detector
func Default() *Description {
	return &Description{
		Node: DefaultNodeName,
		Remappings: map[string]string{
			TopicImage:      "/color/image",
			TopicDetections: "/color/mobilenet_detections",
		},
	}
}

// Load a launch description from a YAML file.
// Fields that are missing from the file keep their values from Default().
func Load(filename string) (*Description, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	d := Default()
	if err := yaml.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("Error parsing launch file %v: %w", filename, err)
	}
	if d.Remappings == nil {
		d.Remappings = map[string]string{}
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("Invalid launch file %v: %w", filename, err)
	}
	return d, nil
}

func (d *Description) validate() error {
	if d.Node == "" || strings.ContainsAny(d.Node, "/~ ") {
		return fmt.Errorf("Invalid node name '%v'", d.Node)
	}
	for from, to := range d.Remappings {
		if from == "" || to == "" {
			return fmt.Errorf("Empty remapping '%v' -> '%v'", from, to)
		}
	}
	return nil
}

// ParseRemap parses a command line remapping of the form "from:=to"
func ParseRemap(arg string) (from, to string, err error) {
	from, to, ok := strings.Cut(arg, ":=")
	if !ok || from == "" || to == "" {
		return "", "", fmt.Errorf("Invalid remapping '%v'. Expected 'from:=to'", arg)
	}
	return from, to, nil
}

// ApplyRemaps adds command line remappings, which override those from the launch file
func (d *Description) ApplyRemaps(args []string) error {
	for _, arg := range args {
		from, to, err := ParseRemap(arg)
		if err != nil {
			return err
		}
		if d.Remappings == nil {
			d.Remappings = map[string]string{}
		}
		d.Remappings[from] = to
	}
	return nil
}

// Resolve turns a topic name into a fully qualified name.
// Remappings are applied first. Private names ("~/x") live under the node,
// relative names ("x") live under the namespace.
func (d *Description) Resolve(name string) string {
	if to, ok := d.Remappings[name]; ok {
		name = to
	}
	ns := "/" + strings.Trim(d.Namespace, "/")
	switch {
	case strings.HasPrefix(name, "/"):
		return path.Clean(name)
	case name == "~":
		return path.Join(ns, d.Node)
	case strings.HasPrefix(name, "~/"):
		return path.Join(ns, d.Node, name[2:])
	default:
		return path.Join(ns, name)
	}
}
